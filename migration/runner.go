package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/GoCodeAlone/rollout/migration")

// Observer receives runner events, typically to export metrics.
type Observer interface {
	MigrationExecuted(id string, dir Direction, took time.Duration, err error)
	LockAttempt(waited time.Duration, acquired bool)
}

type nopObserver struct{}

func (nopObserver) MigrationExecuted(string, Direction, time.Duration, error) {}
func (nopObserver) LockAttempt(time.Duration, bool)                          {}

// RunnerOptions configures a Runner. Zero values take defaults.
type RunnerOptions struct {
	// Owner identifies this runner in the lock row and migration_log.
	Owner string
	Lock  LockOptions
	// Cooperative is the lock used by MigrateCooperative. Defaults to the
	// dialect's advisory lock.
	Cooperative DistributedLock
	Observer    Observer
	Logger      *slog.Logger
	Now         func() time.Time
}

// Runner applies and reverses migrations loaded from a source against a store.
type Runner struct {
	store      *SQLStore
	migrations []*Migration
	byID       map[string]*Migration

	lock     *TableLock
	coop     DistributedLock
	owner    string
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a Runner over the given migrations, which must be sorted
// by version (as Load returns them).
func NewRunner(store *SQLStore, migrations []*Migration, opts RunnerOptions) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Owner == "" {
		opts.Owner = NewOwnerID()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Lock.Logger == nil {
		opts.Lock.Logger = opts.Logger
	}
	if opts.Lock.Now == nil {
		opts.Lock.Now = opts.Now
	}
	if opts.Cooperative == nil {
		opts.Cooperative = NewDistributedLock(store.DB(), store.Dialect())
	}

	byID := make(map[string]*Migration, len(migrations))
	for _, m := range migrations {
		byID[m.ID] = m
	}
	return &Runner{
		store:      store,
		migrations: migrations,
		byID:       byID,
		lock:       NewTableLock(store, opts.Lock),
		coop:       opts.Cooperative,
		owner:      opts.Owner,
		observer:   opts.Observer,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// Owner returns the runner identity written to the lock row.
func (r *Runner) Owner() string { return r.owner }

// Migrations returns the loaded migrations in version order.
func (r *Runner) Migrations() []*Migration { return r.migrations }

// Migrate applies every pending migration with a version up to
// targetVersion (all of them when empty) in one transaction. Either the
// whole batch is committed or none of it is.
func (r *Runner) Migrate(ctx context.Context, targetVersion string) (err error) {
	ctx, span := tracer.Start(ctx, "migration.migrate", trace.WithAttributes(
		attribute.String("migration.target", targetVersion),
		attribute.String("migration.owner", r.owner)))
	defer func() { endSpan(span, err) }()

	return r.withTableLock(ctx, func() error {
		if err := r.requireValid(ctx); err != nil {
			return err
		}
		pending, err := r.Pending(ctx, targetVersion)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			r.logger.Info("schema up to date", "target", targetVersion)
			return nil
		}
		r.logger.Info("applying migrations", "count", len(pending), "target", targetVersion)
		if err := r.runBatch(ctx, Up, pending); err != nil {
			return err
		}
		r.logger.Info("all migrations applied", "count", len(pending))
		return nil
	})
}

// RollbackOptions selects which applied migrations Rollback reverses. A
// non-empty TargetVersion reverses everything above it; otherwise the Steps
// most recent migrations are reversed (1 when zero).
type RollbackOptions struct {
	TargetVersion string
	Steps         int
}

// Rollback runs down scripts for the selected migrations, newest first, in
// one transaction. Reversed records are kept with rolled_back_at set.
func (r *Runner) Rollback(ctx context.Context, opts RollbackOptions) (err error) {
	ctx, span := tracer.Start(ctx, "migration.rollback", trace.WithAttributes(
		attribute.String("migration.target", opts.TargetVersion),
		attribute.Int("migration.steps", opts.Steps)))
	defer func() { endSpan(span, err) }()

	return r.withTableLock(ctx, func() error {
		if err := r.requireValid(ctx); err != nil {
			return err
		}
		selected, err := r.rollbackSet(ctx, opts)
		if err != nil {
			return err
		}
		if len(selected) == 0 {
			r.logger.Info("nothing to roll back", "target", opts.TargetVersion, "steps", opts.Steps)
			return nil
		}
		r.logger.Info("rolling back migrations", "count", len(selected))
		if err := r.runBatch(ctx, Down, selected); err != nil {
			return err
		}
		r.logger.Info("rollback completed", "count", len(selected))
		return nil
	})
}

func (r *Runner) rollbackSet(ctx context.Context, opts RollbackOptions) ([]*Migration, error) {
	records, err := r.store.Records(ctx, nil)
	if err != nil {
		return nil, err
	}
	var applied []Record
	for _, rec := range records {
		if rec.Applied() {
			applied = append(applied, rec)
		}
	}
	sort.Slice(applied, func(i, j int) bool { return applied[i].Version > applied[j].Version })

	switch {
	case opts.TargetVersion != "":
		n := 0
		for n < len(applied) && applied[n].Version > opts.TargetVersion {
			n++
		}
		applied = applied[:n]
	default:
		steps := opts.Steps
		if steps <= 0 {
			steps = 1
		}
		if steps < len(applied) {
			applied = applied[:steps]
		}
	}

	selected := make([]*Migration, 0, len(applied))
	for _, rec := range applied {
		m, ok := r.byID[rec.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMigrationNotFound, rec.ID)
		}
		selected = append(selected, m)
	}
	return selected, nil
}

// Pending returns the migrations that are not currently applied, in version
// order, capped at targetVersion when non-empty.
func (r *Runner) Pending(ctx context.Context, targetVersion string) ([]*Migration, error) {
	records, err := r.store.Records(ctx, nil)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.Applied() {
			applied[rec.ID] = true
		}
	}

	var pending []*Migration
	for _, m := range r.migrations {
		if applied[m.ID] {
			continue
		}
		if targetVersion != "" && m.Version > targetVersion {
			continue
		}
		pending = append(pending, m)
	}
	return pending, nil
}

// Status partitions the known migrations into applied, pending and rolled
// back. Records with no migration on disk are left out; Validate reports them.
type Status struct {
	Applied    []*Migration `json:"applied"`
	Pending    []*Migration `json:"pending"`
	RolledBack []*Migration `json:"rolled_back"`
}

// Status reports the state of every loaded migration.
func (r *Runner) Status(ctx context.Context) (*Status, error) {
	records, err := r.store.Records(ctx, nil)
	if err != nil {
		return nil, err
	}

	st := &Status{}
	applied := make(map[string]bool, len(records))
	for _, rec := range records {
		m, ok := r.byID[rec.ID]
		if !ok {
			continue
		}
		cp := *m
		appliedAt := rec.AppliedAt
		cp.AppliedAt = &appliedAt
		cp.RolledBackAt = rec.RolledBackAt
		if rec.Applied() {
			st.Applied = append(st.Applied, &cp)
			applied[m.ID] = true
		} else {
			st.RolledBack = append(st.RolledBack, &cp)
		}
	}
	for _, m := range r.migrations {
		if !applied[m.ID] {
			st.Pending = append(st.Pending, m)
		}
	}
	return st, nil
}

// ProblemKind classifies a validation problem.
type ProblemKind string

const (
	ProblemMissing  ProblemKind = "missing"
	ProblemChecksum ProblemKind = "checksum"
)

// Problem is one applied migration whose source no longer matches.
type Problem struct {
	MigrationID string      `json:"migration_id"`
	Kind        ProblemKind `json:"kind"`
	Recorded    string      `json:"recorded_checksum"`
	Current     string      `json:"current_checksum,omitempty"`
}

func (p Problem) String() string {
	if p.Kind == ProblemMissing {
		return fmt.Sprintf("%s is applied but not found in the migrations directory", p.MigrationID)
	}
	return fmt.Sprintf("%s checksum changed (recorded %s, now %s)", p.MigrationID, p.Recorded, p.Current)
}

// ValidationReport is the result of comparing applied records to the source.
type ValidationReport struct {
	Checked  int       `json:"checked"`
	Problems []Problem `json:"problems"`
}

// Valid reports whether no drift was found.
func (v *ValidationReport) Valid() bool { return len(v.Problems) == 0 }

// Validate recomputes the checksum of every currently applied migration from
// its source and compares it with the recorded one. It never repairs drift.
func (r *Runner) Validate(ctx context.Context) (*ValidationReport, error) {
	records, err := r.store.Records(ctx, nil)
	if err != nil {
		return nil, err
	}
	report := &ValidationReport{}
	for _, rec := range records {
		if !rec.Applied() {
			continue
		}
		report.Checked++
		m, ok := r.byID[rec.ID]
		switch {
		case !ok:
			report.Problems = append(report.Problems, Problem{MigrationID: rec.ID, Kind: ProblemMissing, Recorded: rec.Checksum})
		case m.Checksum != rec.Checksum:
			report.Problems = append(report.Problems, Problem{MigrationID: rec.ID, Kind: ProblemChecksum, Recorded: rec.Checksum, Current: m.Checksum})
		}
	}
	return report, nil
}

func (r *Runner) requireValid(ctx context.Context) error {
	report, err := r.Validate(ctx)
	if err != nil {
		return err
	}
	if !report.Valid() {
		for _, p := range report.Problems {
			r.logger.Error("migration drift detected", "migration", p.MigrationID, "kind", p.Kind)
		}
		return &DriftError{Report: report}
	}
	return nil
}

func (r *Runner) withTableLock(ctx context.Context, fn func() error) error {
	start := r.now()
	acquired, err := r.lock.Acquire(ctx, r.owner)
	r.observer.LockAttempt(r.now().Sub(start), acquired)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLockNotAcquired
	}
	defer func() {
		if err := r.lock.Release(context.WithoutCancel(ctx), r.owner); err != nil {
			r.logger.Error("release migration lock", "owner", r.owner, "error", err)
		}
	}()
	return fn()
}

// runBatch executes the scripts of list in one transaction.
func (r *Runner) runBatch(ctx context.Context, dir Direction, list []*Migration) error {
	tx, err := r.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}

	for _, m := range list {
		started := r.now()
		r.logger.Info("running migration", "migration", m.ID, "direction", dir)

		logID, err := r.store.LogStart(ctx, tx, m.ID, dir, r.owner, started)
		if err != nil {
			_ = tx.Rollback()
			return err
		}

		if _, err := tx.ExecContext(ctx, m.Script(dir)); err != nil {
			_ = tx.Rollback()
			r.observer.MigrationExecuted(m.ID, dir, r.now().Sub(started), err)
			r.recordFailure(ctx, m, dir, started, err)
			r.logger.Error("migration failed, batch rolled back", "migration", m.ID, "direction", dir, "error", err)
			return &ExecError{MigrationID: m.ID, Direction: dir, Err: err}
		}

		if dir == Up {
			err = r.store.RecordApplied(ctx, tx, m, r.now())
		} else {
			err = r.store.MarkRolledBack(ctx, tx, m.ID, r.now())
		}
		if err == nil {
			err = r.store.LogFinish(ctx, tx, logID, r.now(), nil)
		}
		if err != nil {
			_ = tx.Rollback()
			return err
		}

		r.observer.MigrationExecuted(m.ID, dir, r.now().Sub(started), nil)
		r.logger.Info("migration done", "migration", m.ID, "direction", dir)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

// recordFailure writes a failed migration_log entry outside the rolled-back
// transaction so operators can see which script broke the batch.
func (r *Runner) recordFailure(ctx context.Context, m *Migration, dir Direction, started time.Time, execErr error) {
	ctx = context.WithoutCancel(ctx)
	logID, err := r.store.LogStart(ctx, r.store.DB(), m.ID, dir, r.owner, started)
	if err == nil {
		err = r.store.LogFinish(ctx, r.store.DB(), logID, r.now(), execErr)
	}
	if err != nil {
		r.logger.Warn("could not record migration failure", "migration", m.ID, "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
