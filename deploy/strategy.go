// Package deploy moves production traffic between the blue and green
// environments. The Orchestrator runs health-gated canary switches, the
// non-graduated emergency rollback and deployments to the idle environment.
package deploy

import (
	"time"

	"github.com/GoCodeAlone/rollout/environment"
)

// SwitchStrategy decides which intermediate splits a switch passes through
// before all traffic reaches the target.
type SwitchStrategy interface {
	// Name returns the strategy identifier (e.g. "canary", "blue-green").
	Name() string

	// Steps returns the intermediate splits, in order, for a switch to
	// target. The final all-to-target split is not included.
	Steps(target environment.Name) []environment.Split
}

// Kind names the operation a Result describes.
type Kind string

const (
	KindSwitch            Kind = "switch"
	KindEmergencyRollback Kind = "emergency-rollback"
	KindDeploy            Kind = "deploy"
)

// Result statuses.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusEscalated = "escalated"
)

// StepResult records one applied canary step.
type StepResult struct {
	Split     environment.Split `json:"split"`
	Healthy   bool              `json:"healthy"`
	AppliedAt time.Time         `json:"applied_at"`
}

// Result captures the outcome of a switch, rollback or deploy.
type Result struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Strategy    string            `json:"strategy,omitempty"`
	Status      string            `json:"status"` // "success", "failed", "escalated"
	Environment environment.Name  `json:"environment"`
	Version     string            `json:"version,omitempty"`
	From        environment.Split `json:"from"`
	To          environment.Split `json:"to"`
	Steps       []StepResult      `json:"steps,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Message     string            `json:"message"`
}
