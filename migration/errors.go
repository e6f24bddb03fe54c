package migration

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLockNotAcquired is returned when another runner held the migration
	// lock for the whole retry budget. Callers treat it as a no-op.
	ErrLockNotAcquired = errors.New("migration already in progress elsewhere")

	// ErrChecksumDrift is matched by DriftError.
	ErrChecksumDrift = errors.New("migration checksum drift")

	ErrIncompleteMigration = errors.New("migration is missing its up or down script")
	ErrDuplicateVersion    = errors.New("migration version defined more than once")
	ErrMigrationNotFound   = errors.New("migration not found in source")
	ErrUnknownDialect      = errors.New("unknown sql dialect")
)

// ExecError reports the migration script that failed and why. The batch it
// belonged to has been rolled back.
type ExecError struct {
	MigrationID string
	Direction   Direction
	Err         error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("migration %s (%s) failed: %v", e.MigrationID, e.Direction, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// DriftError carries the validation report that blocked a run.
type DriftError struct {
	Report *ValidationReport
}

func (e *DriftError) Error() string {
	parts := make([]string, 0, len(e.Report.Problems))
	for _, p := range e.Report.Problems {
		parts = append(parts, p.String())
	}
	return fmt.Sprintf("%v: %s", ErrChecksumDrift, strings.Join(parts, "; "))
}

func (e *DriftError) Is(target error) bool { return target == ErrChecksumDrift }
