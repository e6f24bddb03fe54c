package migration

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const cooperativeLockKey = "schema_migrations"

// MigrateCooperative applies pending migrations one transaction each under
// the dialect's advisory lock. Scripts failing because their objects already
// exist are recorded as applied, so several services sharing a database can
// race on startup and converge. Use it or Migrate for a database, not both.
func (r *Runner) MigrateCooperative(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "migration.migrate_cooperative",
		trace.WithAttributes(attribute.String("migration.owner", r.owner)))
	defer func() { endSpan(span, err) }()

	start := r.now()
	release, err := r.coop.Acquire(ctx, cooperativeLockKey)
	r.observer.LockAttempt(r.now().Sub(start), err == nil)
	if err != nil {
		return fmt.Errorf("acquire cooperative migration lock: %w", err)
	}
	defer release()

	if err := r.requireValid(ctx); err != nil {
		return err
	}

	// Another service may have applied migrations while we waited for the lock.
	pending, err := r.Pending(ctx, "")
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := r.applyOne(ctx, m); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		r.logger.Info("cooperative migration finished", "count", len(pending))
	}
	return nil
}

func (r *Runner) applyOne(ctx context.Context, m *Migration) error {
	started := r.now()
	tx, err := r.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.ID, err)
	}

	logID, err := r.store.LogStart(ctx, tx, m.ID, Up, r.owner, started)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	if _, execErr := tx.ExecContext(ctx, m.UpSQL); execErr != nil {
		// Postgres aborts the transaction on error, so bookkeeping happens
		// after rollback on a fresh one.
		_ = tx.Rollback()
		r.observer.MigrationExecuted(m.ID, Up, r.now().Sub(started), execErr)
		if !IsAlreadyExists(execErr) {
			r.recordFailure(ctx, m, Up, started, execErr)
			return &ExecError{MigrationID: m.ID, Direction: Up, Err: execErr}
		}
		r.logger.Warn("migration objects already exist, recording as applied", "migration", m.ID, "error", execErr)
		return r.recordAdopted(ctx, m, started, execErr)
	}

	if err := r.store.RecordApplied(ctx, tx, m, r.now()); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := r.store.LogFinish(ctx, tx, logID, r.now(), nil); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.ID, err)
	}
	r.observer.MigrationExecuted(m.ID, Up, r.now().Sub(started), nil)
	r.logger.Info("migration applied", "migration", m.ID)
	return nil
}

// recordAdopted records a migration whose objects were created elsewhere.
func (r *Runner) recordAdopted(ctx context.Context, m *Migration, started time.Time, cause error) error {
	tx, err := r.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record %s: %w", m.ID, err)
	}
	if err := r.store.RecordApplied(ctx, tx, m, r.now()); err != nil {
		_ = tx.Rollback()
		if IsUniqueViolation(err) {
			return nil
		}
		return err
	}
	logID, err := r.store.LogStart(ctx, tx, m.ID, Up, r.owner, started)
	if err == nil {
		err = r.store.LogFinish(ctx, tx, logID, r.now(), fmt.Errorf("ignored: %w", cause))
	}
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record %s: %w", m.ID, err)
	}
	return nil
}
