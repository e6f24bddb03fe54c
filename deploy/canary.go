package deploy

import (
	"fmt"

	"github.com/GoCodeAlone/rollout/environment"
)

// DefaultCanaryPercents is the share of traffic given to the target at each
// canary step.
var DefaultCanaryPercents = []int{10, 30, 50, 70, 90}

// CanaryStrategy shifts traffic to the target in fixed increments.
type CanaryStrategy struct {
	percents []int
}

// NewCanaryStrategy creates a CanaryStrategy. With no arguments it uses
// DefaultCanaryPercents.
func NewCanaryStrategy(percents ...int) *CanaryStrategy {
	if len(percents) == 0 {
		percents = DefaultCanaryPercents
	}
	return &CanaryStrategy{percents: append([]int(nil), percents...)}
}

// Name returns the strategy identifier.
func (s *CanaryStrategy) Name() string { return "canary" }

// Validate checks that the steps are strictly increasing and strictly
// between 0 and 100.
func (s *CanaryStrategy) Validate() error {
	if len(s.percents) == 0 {
		return fmt.Errorf("canary: at least one step is required")
	}
	prev := 0
	for i, pct := range s.percents {
		if pct <= 0 || pct >= 100 {
			return fmt.Errorf("canary: step %d is %d%%, must be between 0 and 100 (exclusive)", i+1, pct)
		}
		if pct <= prev {
			return fmt.Errorf("canary: step %d (%d%%) does not increase on %d%%", i+1, pct, prev)
		}
		prev = pct
	}
	return nil
}

// Steps implements SwitchStrategy.
func (s *CanaryStrategy) Steps(target environment.Name) []environment.Split {
	out := make([]environment.Split, 0, len(s.percents))
	for _, pct := range s.percents {
		out = append(out, environment.SplitFor(target, pct))
	}
	return out
}
