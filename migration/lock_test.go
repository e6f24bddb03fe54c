package migration

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTableLock_AcquireRelease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lock := NewTableLock(store, LockOptions{Logger: discardLogger()})

	ok, err := lock.Acquire(ctx, "runner-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected lock to be acquired")
	}

	held, err := store.readLock(ctx)
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	if held == nil || held.LockedBy != "runner-a" {
		t.Fatalf("expected lock row owned by runner-a, got %+v", held)
	}

	if err := lock.Release(ctx, "runner-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	held, err = store.readLock(ctx)
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	if held != nil {
		t.Fatalf("expected no lock row after release, got %+v", held)
	}
}

func TestTableLock_GivesUpWhenHeld(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.insertLock(ctx, "runner-a", now); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	var sleeps int
	lock := NewTableLock(store, LockOptions{
		MaxAttempts: 3,
		Now:         func() time.Time { return now },
		Sleep: func(context.Context, time.Duration) error {
			sleeps++
			return nil
		},
		Logger: discardLogger(),
	})

	ok, err := lock.Acquire(ctx, "runner-b")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatal("expected acquire to give up while runner-a holds the lock")
	}
	if sleeps != 2 {
		t.Errorf("expected 2 waits between 3 attempts, got %d", sleeps)
	}
}

func TestSQLStore_DeleteStaleLockMatchesHolderAndTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lockedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.insertLock(ctx, "runner-a", lockedAt); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	held, err := store.readLock(ctx)
	if err != nil || held == nil {
		t.Fatalf("read lock: %+v %v", held, err)
	}

	tests := []struct {
		name   string
		owner  string
		cutoff time.Time
		want   bool
	}{
		{"other holder", "runner-b", held.LockedAt, false},
		{"lock taken after it was read", "runner-a", held.LockedAt.Add(-time.Second), false},
		{"same holder and time", "runner-a", held.LockedAt, true},
	}
	for _, tt := range tests {
		deleted, err := store.deleteStaleLock(ctx, tt.owner, tt.cutoff)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if deleted != tt.want {
			t.Errorf("%s: deleted = %t, want %t", tt.name, deleted, tt.want)
		}
	}
}

func TestTableLock_StaleThreshold(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lockedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.insertLock(ctx, "crashed-runner", lockedAt); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	newLock := func(now time.Time) *TableLock {
		return NewTableLock(store, LockOptions{
			MaxAttempts: 1,
			Now:         func() time.Time { return now },
			Logger:      discardLogger(),
		})
	}

	// Exactly at the threshold the row is not yet stale.
	ok, err := newLock(lockedAt.Add(DefaultStaleAfter)).Acquire(ctx, "runner-b")
	if err != nil {
		t.Fatalf("acquire at threshold: %v", err)
	}
	if ok {
		t.Fatal("lock must not be broken at exactly the stale threshold")
	}

	ok, err = newLock(lockedAt.Add(DefaultStaleAfter+time.Second)).Acquire(ctx, "runner-b")
	if err != nil {
		t.Fatalf("acquire past threshold: %v", err)
	}
	if !ok {
		t.Fatal("expected stale lock to be broken")
	}

	held, err := store.readLock(ctx)
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	if held == nil || held.LockedBy != "runner-b" {
		t.Fatalf("expected runner-b to hold the lock, got %+v", held)
	}
}

func TestTableLock_ReleaseOnlyByOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lock := NewTableLock(store, LockOptions{Logger: discardLogger()})

	if ok, err := lock.Acquire(ctx, "runner-a"); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := lock.Release(ctx, "runner-b"); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}

	held, err := store.readLock(ctx)
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	if held == nil || held.LockedBy != "runner-a" {
		t.Fatalf("non-owner release must not remove the lock, got %+v", held)
	}
}

func TestTableLock_MutualExclusion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	var (
		holders  atomic.Int32
		overlaps atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			owner := "runner-" + string(rune('a'+id))
			lock := NewTableLock(store, LockOptions{
				RetryInterval: 2 * time.Millisecond,
				MaxAttempts:   5000,
				Logger:        discardLogger(),
			})
			ok, err := lock.Acquire(ctx, owner)
			if err != nil || !ok {
				t.Errorf("%s: acquire ok=%v err=%v", owner, ok, err)
				return
			}
			if holders.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(3 * time.Millisecond)
			holders.Add(-1)
			if err := lock.Release(ctx, owner); err != nil {
				t.Errorf("%s: release: %v", owner, err)
			}
		}(i)
	}
	wg.Wait()

	if n := overlaps.Load(); n != 0 {
		t.Fatalf("expected no overlapping holders, saw %d", n)
	}
}

func TestTableLock_CancelledWhileWaiting(t *testing.T) {
	store := newTestStore(t)
	if err := store.insertLock(context.Background(), "runner-a", time.Now()); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	lock := NewTableLock(store, LockOptions{Logger: discardLogger()})

	if _, err := lock.Acquire(ctx, "runner-b"); err == nil {
		t.Fatal("expected error from cancelled context, got nil")
	}
}

func TestLocalLock_AcquireRelease(t *testing.T) {
	lock := NewLocalLock()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		release, err := lock.Acquire(ctx, "schema_migrations")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		release()
		release() // second call is a no-op
	}
}

func TestLocalLock_CancelledContext(t *testing.T) {
	lock := NewLocalLock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := lock.Acquire(ctx, "schema_migrations"); err == nil {
		t.Fatal("expected error from cancelled context, got nil")
	}
}

func TestNewDistributedLock_Dialects(t *testing.T) {
	if _, ok := NewDistributedLock(nil, Postgres).(*PostgresLock); !ok {
		t.Error("postgres should use an advisory lock")
	}
	if _, ok := NewDistributedLock(nil, MySQL).(*MySQLLock); !ok {
		t.Error("mysql should use GET_LOCK")
	}
	if _, ok := NewDistributedLock(nil, SQLite).(*LocalLock); !ok {
		t.Error("sqlite should use a local lock")
	}
}

func TestHashLockKey(t *testing.T) {
	tests := []struct {
		key1 string
		key2 string
		same bool
	}{
		{"schema_migrations", "schema_migrations", true},
		{"key_a", "key_b", false},
		{"", "", true},
	}

	for _, tt := range tests {
		h1 := hashLockKey(tt.key1)
		h2 := hashLockKey(tt.key2)
		if (h1 == h2) != tt.same {
			t.Errorf("hashLockKey(%q)=%d, hashLockKey(%q)=%d, same=%v", tt.key1, h1, tt.key2, h2, tt.same)
		}
		if h1 < 0 {
			t.Errorf("hashLockKey(%q) is negative: %d", tt.key1, h1)
		}
	}
}
