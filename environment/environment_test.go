package environment

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

func TestSplit_Validate(t *testing.T) {
	tests := []struct {
		split Split
		valid bool
	}{
		{Split{Blue: 100, Green: 0}, true},
		{Split{Blue: 70, Green: 30}, true},
		{Split{Blue: 0, Green: 100}, true},
		{Split{Blue: 60, Green: 30}, false},
		{Split{Blue: 60, Green: 60}, false},
		{Split{Blue: 110, Green: -10}, false},
		{Split{}, false},
	}
	for _, tt := range tests {
		err := tt.split.Validate()
		if tt.valid && err != nil {
			t.Errorf("%s: unexpected error %v", tt.split, err)
		}
		if !tt.valid && !errors.Is(err, ErrInvalidSplit) {
			t.Errorf("%s: expected ErrInvalidSplit, got %v", tt.split, err)
		}
	}
}

func TestSplitFor(t *testing.T) {
	if got := SplitFor(Green, 30); got != (Split{Blue: 70, Green: 30}) {
		t.Errorf("SplitFor(green, 30) = %s", got)
	}
	if got := SplitFor(Blue, 10); got != (Split{Blue: 10, Green: 90}) {
		t.Errorf("SplitFor(blue, 10) = %s", got)
	}
	if got := All(Green); got.Weight(Green) != 100 || got.Weight(Blue) != 0 {
		t.Errorf("All(green) = %s", got)
	}
}

func TestParseName(t *testing.T) {
	if n, err := ParseName("green"); err != nil || n != Green {
		t.Fatalf("ParseName(green) = %q, %v", n, err)
	}
	if _, err := ParseName("purple"); !errors.Is(err, ErrUnknownEnvironment) {
		t.Fatalf("expected ErrUnknownEnvironment, got %v", err)
	}
	if Blue.Other() != Green || Green.Other() != Blue {
		t.Error("Other should swap environments")
	}
}

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := NewSQLStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	return store
}

func TestStores_RoundTrip(t *testing.T) {
	stores := map[string]Store{
		"file": NewFileStore(filepath.Join(t.TempDir(), "state", "deployment.json")),
		"sql":  newSQLStore(t),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Load(ctx); !errors.Is(err, ErrNoState) {
				t.Fatalf("expected ErrNoState on empty store, got %v", err)
			}

			checked := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			st := DefaultState()
			st.ActiveEnvironment = Green
			st.Environments[Blue].IsActive = false
			st.Environments[Green].IsActive = true
			st.Environments[Green].Version = "v2.1.0"
			st.Environments[Green].IsHealthy = true
			st.Environments[Green].LastHealthCheck = &checked
			st.Environments[Green].DeployedAt = checked.Add(-time.Hour)
			st.TrafficSplit = Split{Blue: 30, Green: 70}
			st.UpdatedAt = checked

			if err := store.Save(ctx, st); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got.ActiveEnvironment != Green {
				t.Errorf("expected green active, got %s", got.ActiveEnvironment)
			}
			if got.TrafficSplit != st.TrafficSplit {
				t.Errorf("expected split %s, got %s", st.TrafficSplit, got.TrafficSplit)
			}
			green := got.Environments[Green]
			if green == nil || green.Version != "v2.1.0" || !green.IsHealthy {
				t.Fatalf("unexpected green status: %+v", green)
			}
			if green.LastHealthCheck == nil || !green.LastHealthCheck.Equal(checked) {
				t.Errorf("expected last health check %s, got %v", checked, green.LastHealthCheck)
			}
		})
	}
}

type failingStore struct {
	Store
	fail bool
}

func (s *failingStore) Save(ctx context.Context, st *State) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Save(ctx, st)
}

func TestRegistry_Defaults(t *testing.T) {
	reg, err := NewRegistry(context.Background(), NewFileStore(filepath.Join(t.TempDir(), "s.json")))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if reg.Active() != Blue || reg.Inactive() != Green {
		t.Errorf("expected blue active by default, got %s", reg.Active())
	}
	if reg.Split() != All(Blue) {
		t.Errorf("expected all traffic on blue, got %s", reg.Split())
	}
}

func TestRegistry_MutationsPersist(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "s.json")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg, err := NewRegistry(ctx, NewFileStore(path), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if err := reg.SetSplit(ctx, Split{Blue: 50, Green: 50}); err != nil {
		t.Fatalf("SetSplit: %v", err)
	}
	if err := reg.SetDeployed(ctx, Green, "v2", now); err != nil {
		t.Fatalf("SetDeployed: %v", err)
	}
	was, err := reg.RecordHealth(ctx, Green, true, now)
	if err != nil {
		t.Fatalf("RecordHealth: %v", err)
	}
	if was {
		t.Error("green should not have been healthy before the first probe")
	}
	if err := reg.Activate(ctx, Green); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// A second registry over the same file sees everything.
	again, err := NewRegistry(ctx, NewFileStore(path))
	if err != nil {
		t.Fatalf("reload registry: %v", err)
	}
	st := again.Snapshot()
	if st.ActiveEnvironment != Green || !st.Environments[Green].IsActive || st.Environments[Blue].IsActive {
		t.Errorf("expected green to be the only active environment: %+v", st.Environments)
	}
	if st.TrafficSplit != (Split{Blue: 50, Green: 50}) {
		t.Errorf("unexpected split %s", st.TrafficSplit)
	}
	if st.Environments[Green].Version != "v2" || !st.Environments[Green].IsHealthy {
		t.Errorf("unexpected green status %+v", st.Environments[Green])
	}
	if !st.UpdatedAt.Equal(now) {
		t.Errorf("expected updatedAt %s, got %s", now, st.UpdatedAt)
	}
}

func TestRegistry_RejectsInvalidSplit(t *testing.T) {
	ctx := context.Background()
	reg, err := NewRegistry(ctx, NewFileStore(filepath.Join(t.TempDir(), "s.json")))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := reg.SetSplit(ctx, Split{Blue: 40, Green: 40}); !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit, got %v", err)
	}
	if reg.Split() != All(Blue) {
		t.Errorf("split must be unchanged, got %s", reg.Split())
	}
}

func TestRegistry_FailedSaveKeepsState(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: NewFileStore(filepath.Join(t.TempDir(), "s.json"))}
	reg, err := NewRegistry(ctx, store)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	store.fail = true
	if err := reg.Activate(ctx, Green); err == nil {
		t.Fatal("expected persist error")
	}
	if reg.Active() != Blue {
		t.Errorf("active environment must not change when persisting fails, got %s", reg.Active())
	}
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	reg, err := NewRegistry(context.Background(), NewFileStore(filepath.Join(t.TempDir(), "s.json")))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	st := reg.Snapshot()
	st.Environments[Blue].Version = "mutated"
	if reg.Status(Blue).Version == "mutated" {
		t.Error("snapshot must not alias registry state")
	}
}
