// Package featureflag answers boolean feature-flag lookups for the
// orchestrator, such as whether an unhealthy live environment triggers an
// automatic emergency rollback.
package featureflag

import (
	"context"
	"errors"
)

// Flag keys read by the orchestrator.
const (
	AutoEmergencyRollback = "auto-emergency-rollback"
	PreDeployMigrations   = "pre-deploy-migrations"
)

// ErrFlagNotFound is returned by providers that do not know a key.
var ErrFlagNotFound = errors.New("flag not found")

// EvaluationContext identifies who is asking. The orchestrator evaluates
// with its service identity and the environment in Attributes.
type EvaluationContext struct {
	Key        string            `json:"key"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// FlagValue is an evaluated boolean flag.
type FlagValue struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
	Source  string `json:"source"`
	Reason  string `json:"reason,omitempty"`
}

// FlagChangeEvent is emitted when a flag may have changed.
type FlagChangeEvent struct {
	Key    string `json:"key"`
	Source string `json:"source"`
}

// Provider is a feature-flag backend.
type Provider interface {
	// Name identifies the backend, e.g. "static" or "launchdarkly".
	Name() string

	// Evaluate resolves key for evalCtx. Unknown keys return ErrFlagNotFound.
	Evaluate(ctx context.Context, key string, evalCtx EvaluationContext) (FlagValue, error)

	// Subscribe registers fn for change events and returns a cancel function.
	Subscribe(fn func(FlagChangeEvent)) (cancel func())
}
