package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SQLStore persists migration records, the migration log and the lock row.
// Write methods take an Execer so they can run inside a batch transaction.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
}

// NewSQLStore creates a store over db. Call EnsureSchema before use.
func NewSQLStore(db *sqlx.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// DB returns the underlying connection pool.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

// Dialect returns the store's dialect.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// EnsureSchema creates the bookkeeping tables if they do not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	ts := s.dialect.timestampType()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			id             VARCHAR(255) PRIMARY KEY,
			version        VARCHAR(50)  NOT NULL UNIQUE,
			name           VARCHAR(255) NOT NULL,
			checksum       VARCHAR(64)  NOT NULL,
			applied_at     ` + ts + ` NOT NULL,
			rolled_back_at ` + ts + ` NULL
		)`,
		`CREATE TABLE IF NOT EXISTS migration_log (
			id            VARCHAR(36)  PRIMARY KEY,
			migration_id  VARCHAR(255) NOT NULL,
			action        VARCHAR(10)  NOT NULL,
			started_at    ` + ts + ` NOT NULL,
			completed_at  ` + ts + ` NULL,
			error_message TEXT NULL,
			executed_by   VARCHAR(255) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS migration_locks (
			id        INTEGER      PRIMARY KEY,
			locked_by VARCHAR(255) NOT NULL,
			locked_at ` + ts + ` NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure migration tables: %w", err)
		}
	}
	return nil
}

// Records returns every schema_migrations row ordered by version.
func (s *SQLStore) Records(ctx context.Context, q sqlx.QueryerContext) ([]Record, error) {
	if q == nil {
		q = s.db
	}
	var records []Record
	err := sqlx.SelectContext(ctx, q, &records, s.dialect.Rebind(
		`SELECT id, version, name, checksum, applied_at, rolled_back_at
		   FROM schema_migrations ORDER BY version ASC`))
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	return records, nil
}

// RecordApplied marks m as applied at the given time. A row left behind by an
// earlier rollback is re-activated rather than duplicated.
func (s *SQLStore) RecordApplied(ctx context.Context, ex sqlx.ExecerContext, m *Migration, at time.Time) error {
	at = at.UTC()
	res, err := ex.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE schema_migrations SET name = ?, checksum = ?, applied_at = ?, rolled_back_at = NULL
		  WHERE id = ? AND rolled_back_at IS NOT NULL`),
		m.Name, m.Checksum, at, m.ID)
	if err != nil {
		return fmt.Errorf("update schema_migrations %s: %w", m.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = ex.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO schema_migrations (id, version, name, checksum, applied_at) VALUES (?, ?, ?, ?, ?)`),
		m.ID, m.Version, m.Name, m.Checksum, at)
	if err != nil {
		return fmt.Errorf("insert schema_migrations %s: %w", m.ID, err)
	}
	return nil
}

// MarkRolledBack stamps rolled_back_at on the record. The row is kept as history.
func (s *SQLStore) MarkRolledBack(ctx context.Context, ex sqlx.ExecerContext, id string, at time.Time) error {
	_, err := ex.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE schema_migrations SET rolled_back_at = ? WHERE id = ? AND rolled_back_at IS NULL`),
		at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark %s rolled back: %w", id, err)
	}
	return nil
}

// LogStart writes a "started" migration_log entry and returns its id.
func (s *SQLStore) LogStart(ctx context.Context, ex sqlx.ExecerContext, migrationID string, dir Direction, executedBy string, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := ex.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO migration_log (id, migration_id, action, started_at, executed_by) VALUES (?, ?, ?, ?, ?)`),
		id, migrationID, string(dir), at.UTC(), executedBy)
	if err != nil {
		return "", fmt.Errorf("log start of %s: %w", migrationID, err)
	}
	return id, nil
}

// LogFinish completes a migration_log entry, recording execErr when non-nil.
func (s *SQLStore) LogFinish(ctx context.Context, ex sqlx.ExecerContext, logID string, at time.Time, execErr error) error {
	var msg *string
	if execErr != nil {
		text := execErr.Error()
		msg = &text
	}
	_, err := ex.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE migration_log SET completed_at = ?, error_message = ? WHERE id = ?`),
		at.UTC(), msg, logID)
	if err != nil {
		return fmt.Errorf("log finish %s: %w", logID, err)
	}
	return nil
}

// LogEntry is one row of migration_log.
type LogEntry struct {
	ID           string     `db:"id"`
	MigrationID  string     `db:"migration_id"`
	Action       string     `db:"action"`
	StartedAt    time.Time  `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	ErrorMessage *string    `db:"error_message"`
	ExecutedBy   string     `db:"executed_by"`
}

// Log returns the migration_log entries for migrationID, newest first. An
// empty migrationID returns every entry.
func (s *SQLStore) Log(ctx context.Context, migrationID string) ([]LogEntry, error) {
	query := `SELECT id, migration_id, action, started_at, completed_at, error_message, executed_by FROM migration_log`
	var args []any
	if migrationID != "" {
		query += ` WHERE migration_id = ?`
		args = append(args, migrationID)
	}
	query += ` ORDER BY started_at DESC`

	var entries []LogEntry
	if err := sqlx.SelectContext(ctx, s.db, &entries, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query migration_log: %w", err)
	}
	return entries, nil
}

const lockRowID = 1

type lockRow struct {
	LockedBy string    `db:"locked_by"`
	LockedAt time.Time `db:"locked_at"`
}

func (s *SQLStore) insertLock(ctx context.Context, owner string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO migration_locks (id, locked_by, locked_at) VALUES (?, ?, ?)`),
		lockRowID, owner, at.UTC())
	return err
}

// readLock returns the current lock row, or nil when no lock is held.
func (s *SQLStore) readLock(ctx context.Context) (*lockRow, error) {
	var row lockRow
	err := sqlx.GetContext(ctx, s.db, &row, s.dialect.Rebind(
		`SELECT locked_by, locked_at FROM migration_locks WHERE id = ?`), lockRowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read migration lock: %w", err)
	}
	return &row, nil
}

// deleteStaleLock removes the lock row only if owner still holds it and
// took it at or before cutoff, so a lock re-taken after it was read survives.
func (s *SQLStore) deleteStaleLock(ctx context.Context, owner string, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM migration_locks WHERE id = ? AND locked_by = ? AND locked_at <= ?`),
		lockRowID, owner, cutoff.UTC())
	if err != nil {
		return false, fmt.Errorf("delete stale migration lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete stale migration lock: %w", err)
	}
	return n > 0, nil
}

// deleteLock removes the lock row only if owner holds it.
func (s *SQLStore) deleteLock(ctx context.Context, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM migration_locks WHERE id = ? AND locked_by = ?`), lockRowID, owner)
	if err != nil {
		return false, fmt.Errorf("delete migration lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete migration lock: %w", err)
	}
	return n > 0, nil
}
