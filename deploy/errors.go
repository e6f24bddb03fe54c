package deploy

import (
	"errors"
	"fmt"

	"github.com/GoCodeAlone/rollout/environment"
)

var (
	// ErrSwitchInProgress is returned when another switch, rollback or
	// deploy holds the orchestrator.
	ErrSwitchInProgress = errors.New("a switch is already in progress")

	// ErrAlreadyActive is returned when the switch target already serves
	// production.
	ErrAlreadyActive = errors.New("target environment is already active")

	// ErrTargetUnhealthy is returned when the target fails its health probe.
	ErrTargetUnhealthy = errors.New("target environment is unhealthy")

	// ErrDeployToActive is returned when a deploy names the live environment.
	ErrDeployToActive = errors.New("cannot deploy to the active environment")

	// ErrBothUnhealthy is returned by EmergencyRollback when the standby is
	// unhealthy too and the rollback was escalated.
	ErrBothUnhealthy = errors.New("both environments are unhealthy")
)

// SwitchError reports a switch that stopped part way. Traffic rests at
// LastConfirmed.
type SwitchError struct {
	Target        environment.Name
	Step          int // 1-based; len(steps)+1 is the final all-to-target split
	Attempted     environment.Split
	LastConfirmed environment.Split
	Err           error
}

func (e *SwitchError) Error() string {
	return fmt.Sprintf("switch to %s failed at step %d (%s), traffic held at %s: %v",
		e.Target, e.Step, e.Attempted, e.LastConfirmed, e.Err)
}

func (e *SwitchError) Unwrap() error { return e.Err }
