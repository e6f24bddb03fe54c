package environment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNoState is returned by Store.Load when nothing has been persisted yet.
var ErrNoState = errors.New("no persisted deployment state")

// Store persists the orchestration state.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, st *State) error
}

// FileStore keeps the state as a JSON document on disk. Writes go to a
// temporary file that is renamed over the target.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore at path. The parent directory is created
// on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(_ context.Context) (*State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	return &st, nil
}

func (s *FileStore) Save(_ context.Context, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return WriteFileAtomic(s.path, append(data, '\n'), 0o640)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// SQLStore persists the state in the deployment_status and traffic_split
// tables. Queries use ? placeholders rebound for the driver.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates the tables if needed and returns the store.
func NewSQLStore(ctx context.Context, db *sqlx.DB) (*SQLStore, error) {
	ts := "TIMESTAMP"
	switch db.DriverName() {
	case "pgx", "postgres":
		ts = "TIMESTAMPTZ"
	case "mysql":
		ts = "DATETIME(6)"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deployment_status (
			environment       VARCHAR(16)  PRIMARY KEY,
			version           VARCHAR(255) NOT NULL,
			is_active         BOOLEAN      NOT NULL,
			is_healthy        BOOLEAN      NOT NULL,
			last_health_check ` + ts + ` NULL,
			deployed_at       ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS traffic_split (
			id         INTEGER PRIMARY KEY,
			blue       INTEGER NOT NULL,
			green      INTEGER NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create state tables: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

type splitRow struct {
	Split
	UpdatedAt time.Time `db:"updated_at"`
}

func (s *SQLStore) Load(ctx context.Context) (*State, error) {
	var row splitRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT blue, green, updated_at FROM traffic_split WHERE id = ?`), 1)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("read traffic split: %w", err)
	}

	var statuses []Status
	err = s.db.SelectContext(ctx, &statuses,
		`SELECT environment, version, is_active, is_healthy, last_health_check, deployed_at FROM deployment_status`)
	if err != nil {
		return nil, fmt.Errorf("read deployment status: %w", err)
	}

	st := &State{
		TrafficSplit: row.Split,
		UpdatedAt:    row.UpdatedAt,
		Environments: make(map[Name]*Status, len(statuses)),
	}
	for i := range statuses {
		status := statuses[i]
		st.Environments[status.Environment] = &status
		if status.IsActive {
			st.ActiveEnvironment = status.Environment
		}
	}
	return st, nil
}

// Save replaces the persisted rows in one transaction. Rows are deleted and
// re-inserted because an UPDATE that changes nothing reports zero affected
// rows on MySQL.
func (s *SQLStore) Save(ctx context.Context, st *State) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin state transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM traffic_split`); err != nil {
		return fmt.Errorf("clear traffic split: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO traffic_split (id, blue, green, updated_at) VALUES (?, ?, ?, ?)`),
		1, st.TrafficSplit.Blue, st.TrafficSplit.Green, st.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("save traffic split: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM deployment_status`); err != nil {
		return fmt.Errorf("clear deployment status: %w", err)
	}
	for _, n := range Names {
		status, ok := st.Environments[n]
		if !ok {
			continue
		}
		var lastCheck *time.Time
		if status.LastHealthCheck != nil {
			t := status.LastHealthCheck.UTC()
			lastCheck = &t
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO deployment_status (environment, version, is_active, is_healthy, last_health_check, deployed_at)
			 VALUES (?, ?, ?, ?, ?, ?)`),
			string(n), status.Version, status.IsActive, status.IsHealthy, lastCheck, status.DeployedAt.UTC())
		if err != nil {
			return fmt.Errorf("save %s status: %w", n, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}
