//go:build integration

package migration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type dbContainer struct {
	image   string
	port    nat.Port
	env     map[string]string
	driver  string
	dsnFunc func(host, port string) string
}

var integrationDatabases = []dbContainer{
	{
		image:  "postgres:16-alpine",
		port:   "5432/tcp",
		env:    map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_DB": "rollout"},
		driver: "postgres",
		dsnFunc: func(host, port string) string {
			return fmt.Sprintf("postgres://postgres:secret@%s:%s/rollout?sslmode=disable", host, port)
		},
	},
	{
		image:  "mysql:8.0",
		port:   "3306/tcp",
		env:    map[string]string{"MYSQL_ROOT_PASSWORD": "secret", "MYSQL_DATABASE": "rollout"},
		driver: "mysql",
		dsnFunc: func(host, port string) string {
			return fmt.Sprintf("root:secret@tcp(%s:%s)/rollout?parseTime=true&multiStatements=true", host, port)
		},
	},
}

func startDatabase(t *testing.T, dc dbContainer) *SQLStore {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        dc.image,
			ExposedPorts: []string{string(dc.port)},
			Env:          dc.env,
			WaitingFor:   wait.ForListeningPort(dc.port).WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start %s: %v", dc.image, err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, dc.port)
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}

	// The port opens before the server accepts logins; retry the connect.
	var store *SQLStore
	deadline := time.Now().Add(time.Minute)
	for {
		db, dialect, err := Open(ctx, dc.driver, dc.dsnFunc(host, port.Port()))
		if err == nil {
			t.Cleanup(func() { db.Close() })
			store = NewSQLStore(db, dialect)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("connect %s: %v", dc.image, err)
		}
		time.Sleep(time.Second)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store
}

func TestIntegration_MigrateRollbackCycle(t *testing.T) {
	for _, dc := range integrationDatabases {
		t.Run(dc.image, func(t *testing.T) {
			store := startDatabase(t, dc)
			runner := newTestRunner(t, store, shopMigrations(), RunnerOptions{})
			ctx := context.Background()

			if err := runner.Migrate(ctx, ""); err != nil {
				t.Fatalf("migrate: %v", err)
			}
			if err := runner.Rollback(ctx, RollbackOptions{Steps: 2}); err != nil {
				t.Fatalf("rollback: %v", err)
			}
			if err := runner.Migrate(ctx, ""); err != nil {
				t.Fatalf("re-migrate: %v", err)
			}

			st, err := runner.Status(ctx)
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if len(st.Applied) != 3 {
				t.Errorf("expected 3 applied, got %v", ids(st.Applied))
			}
		})
	}
}

func TestIntegration_CooperativeAdvisoryLock(t *testing.T) {
	for _, dc := range integrationDatabases {
		t.Run(dc.image, func(t *testing.T) {
			store := startDatabase(t, dc)
			ctx := context.Background()

			errs := make(chan error, 3)
			for i := 0; i < 3; i++ {
				runner := newTestRunner(t, store, shopMigrations(), RunnerOptions{})
				go func() { errs <- runner.MigrateCooperative(ctx) }()
			}
			for i := 0; i < 3; i++ {
				if err := <-errs; err != nil && !errors.Is(err, ErrLockNotAcquired) {
					t.Errorf("runner %d: %v", i, err)
				}
			}

			records, err := store.Records(ctx, nil)
			if err != nil {
				t.Fatalf("records: %v", err)
			}
			if len(records) != 3 {
				t.Errorf("expected 3 records, got %d", len(records))
			}
		})
	}
}
