package migration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	DefaultStaleAfter    = 5 * time.Minute
	DefaultRetryInterval = time.Second
	DefaultMaxAttempts   = 30
)

// NewOwnerID returns a runner identity of the form host-pid-unixmillis.
func NewOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixMilli())
}

// LockOptions tunes a TableLock. Zero values take the defaults.
type LockOptions struct {
	StaleAfter    time.Duration
	RetryInterval time.Duration
	MaxAttempts   int

	// Now and Sleep replace the wall clock, mainly in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// TableLock is a cross-process mutex built on a single row of
// migration_locks. A row older than StaleAfter is presumed abandoned and is
// broken by the next acquirer; there is no heartbeat, so a holder running
// longer than StaleAfter can lose the lock.
type TableLock struct {
	store         *SQLStore
	staleAfter    time.Duration
	retryInterval time.Duration
	maxAttempts   int
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
	logger        *slog.Logger
}

// NewTableLock creates a TableLock backed by store.
func NewTableLock(store *SQLStore, opts LockOptions) *TableLock {
	l := &TableLock{
		store:         store,
		staleAfter:    opts.StaleAfter,
		retryInterval: opts.RetryInterval,
		maxAttempts:   opts.MaxAttempts,
		now:           opts.Now,
		sleep:         opts.Sleep,
		logger:        opts.Logger,
	}
	if l.staleAfter <= 0 {
		l.staleAfter = DefaultStaleAfter
	}
	if l.retryInterval <= 0 {
		l.retryInterval = DefaultRetryInterval
	}
	if l.maxAttempts <= 0 {
		l.maxAttempts = DefaultMaxAttempts
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.sleep == nil {
		l.sleep = sleepContext
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Acquire tries to take the lock for owner. It returns false, with a nil
// error, when the lock stayed held by someone else for the whole retry budget.
func (l *TableLock) Acquire(ctx context.Context, owner string) (bool, error) {
	// Immediate retries (row vanished, stale row broken) do not use up the
	// waiting budget but are capped separately.
	immediate := 0
	for attempt := 1; attempt <= l.maxAttempts; {
		err := l.store.insertLock(ctx, owner, l.now())
		if err == nil {
			l.logger.Info("migration lock acquired", "owner", owner, "attempt", attempt)
			return true, nil
		}
		if !IsUniqueViolation(err) {
			return false, fmt.Errorf("acquire migration lock: %w", err)
		}

		held, err := l.store.readLock(ctx)
		if err != nil {
			return false, err
		}
		if held == nil || l.now().Sub(held.LockedAt) > l.staleAfter {
			if immediate++; immediate > l.maxAttempts {
				return false, fmt.Errorf("acquire migration lock: lock row changed %d times without settling", immediate-1)
			}
			if held != nil {
				l.logger.Warn("breaking stale migration lock",
					"holder", held.LockedBy,
					"age", l.now().Sub(held.LockedAt).Round(time.Second),
					"owner", owner)
				if _, err := l.store.deleteStaleLock(ctx, held.LockedBy, held.LockedAt); err != nil {
					return false, err
				}
			}
			continue
		}

		l.logger.Info("migration in progress elsewhere, waiting",
			"holder", held.LockedBy,
			"attempt", attempt,
			"max_attempts", l.maxAttempts)
		if attempt < l.maxAttempts {
			if err := l.sleep(ctx, l.retryInterval); err != nil {
				return false, fmt.Errorf("acquire migration lock: %w", err)
			}
		}
		attempt++
	}

	l.logger.Warn("gave up waiting for migration lock", "owner", owner, "attempts", l.maxAttempts)
	return false, nil
}

// Release deletes the lock row if owner still holds it.
func (l *TableLock) Release(ctx context.Context, owner string) error {
	deleted, err := l.store.deleteLock(ctx, owner)
	if err != nil {
		return err
	}
	if !deleted {
		l.logger.Warn("migration lock was not held at release; it may have been broken as stale", "owner", owner)
		return nil
	}
	l.logger.Info("migration lock released", "owner", owner)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DistributedLock is the session-scoped lock used by the cooperative
// execution mode, where each migration commits on its own.
type DistributedLock interface {
	// Acquire blocks until the lock for key is held or ctx is done. The
	// returned release function must be called exactly once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// NewDistributedLock returns the advisory lock native to the dialect.
func NewDistributedLock(db *sqlx.DB, d Dialect) DistributedLock {
	switch d {
	case Postgres:
		return NewPostgresLock(db)
	case MySQL:
		return NewMySQLLock(db)
	default:
		return NewLocalLock()
	}
}

// PostgresLock implements DistributedLock with pg_advisory_lock. Advisory
// locks belong to a session, so lock and unlock run on one pinned connection.
type PostgresLock struct {
	db *sqlx.DB
}

func NewPostgresLock(db *sqlx.DB) *PostgresLock {
	return &PostgresLock{db: db}
}

func (l *PostgresLock) Acquire(ctx context.Context, key string) (func(), error) {
	lockID := hashLockKey(key)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("pin connection for advisory lock: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockID); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pg_advisory_lock(%d): %w", lockID, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)
			_ = conn.Close()
		})
	}, nil
}

// MySQLLock implements DistributedLock with GET_LOCK on a pinned connection.
type MySQLLock struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewMySQLLock(db *sqlx.DB) *MySQLLock {
	return &MySQLLock{db: db, timeout: DefaultStaleAfter}
}

func (l *MySQLLock) Acquire(ctx context.Context, key string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("pin connection for named lock: %w", err)
	}
	var got *int64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, ?)`, key, int(l.timeout.Seconds())).Scan(&got); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("GET_LOCK(%s): %w", key, err)
	}
	if got == nil || *got != 1 {
		_ = conn.Close()
		return nil, fmt.Errorf("GET_LOCK(%s): timed out after %s", key, l.timeout)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_, _ = conn.ExecContext(context.Background(), `SELECT RELEASE_LOCK(?)`, key)
			_ = conn.Close()
		})
	}, nil
}

// LocalLock implements DistributedLock with a process mutex. SQLite allows a
// single writer, and its file lock covers other processes.
type LocalLock struct {
	mu sync.Mutex
}

func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

func (l *LocalLock) Acquire(ctx context.Context, _ string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire local lock: %w", err)
	}
	l.mu.Lock()
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, nil
}

// hashLockKey produces a stable int64 from key for pg_advisory_lock (FNV-1a).
func hashLockKey(key string) int64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return int64(h & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // intentional truncation for advisory lock key
}
