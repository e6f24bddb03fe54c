package deploy

import "github.com/GoCodeAlone/rollout/environment"

// BlueGreenStrategy moves all traffic to the target in one step. Emergency
// rollback always uses it.
type BlueGreenStrategy struct{}

// NewBlueGreenStrategy creates a new BlueGreenStrategy.
func NewBlueGreenStrategy() *BlueGreenStrategy { return &BlueGreenStrategy{} }

// Name returns the strategy identifier.
func (s *BlueGreenStrategy) Name() string { return "blue-green" }

// Steps implements SwitchStrategy; there are no intermediate splits.
func (s *BlueGreenStrategy) Steps(environment.Name) []environment.Split { return nil }
