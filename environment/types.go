// Package environment holds the blue-green deployment state: which
// environment is live, how traffic is split between the two, and the
// version and health last observed for each. The Registry is the single
// in-process owner of that state and persists every change through a Store.
package environment

import (
	"errors"
	"fmt"
	"time"
)

// Name identifies one of the two parallel environments.
type Name string

const (
	Blue  Name = "blue"
	Green Name = "green"
)

// Names lists both environments in a stable order.
var Names = []Name{Blue, Green}

// ErrUnknownEnvironment is returned for names other than blue and green.
var ErrUnknownEnvironment = errors.New("unknown environment")

// ParseName validates s as an environment name.
func ParseName(s string) (Name, error) {
	switch Name(s) {
	case Blue, Green:
		return Name(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEnvironment, s)
	}
}

// Other returns the opposite environment.
func (n Name) Other() Name {
	if n == Blue {
		return Green
	}
	return Blue
}

// Status is the deployment status of one environment.
type Status struct {
	Environment     Name       `json:"environment" db:"environment"`
	Version         string     `json:"version" db:"version"`
	IsActive        bool       `json:"isActive" db:"is_active"`
	IsHealthy       bool       `json:"isHealthy" db:"is_healthy"`
	LastHealthCheck *time.Time `json:"lastHealthCheck,omitempty" db:"last_health_check"`
	DeployedAt      time.Time  `json:"deployedAt" db:"deployed_at"`
}

// ErrInvalidSplit is returned for a split whose weights are out of range or
// do not add up to 100.
var ErrInvalidSplit = errors.New("invalid traffic split")

// Split is the percentage of requests routed to each environment.
type Split struct {
	Blue  int `json:"blue" db:"blue"`
	Green int `json:"green" db:"green"`
}

// Validate checks that both weights are within [0,100] and sum to 100.
func (s Split) Validate() error {
	if s.Blue < 0 || s.Blue > 100 || s.Green < 0 || s.Green > 100 {
		return fmt.Errorf("%w: weights must be between 0 and 100, got blue=%d green=%d", ErrInvalidSplit, s.Blue, s.Green)
	}
	if s.Blue+s.Green != 100 {
		return fmt.Errorf("%w: weights must sum to 100, got %d", ErrInvalidSplit, s.Blue+s.Green)
	}
	return nil
}

// Weight returns the percentage routed to n.
func (s Split) Weight(n Name) int {
	if n == Green {
		return s.Green
	}
	return s.Blue
}

// SplitFor returns the split sending pct percent of traffic to target and
// the rest to the other environment.
func SplitFor(target Name, pct int) Split {
	if target == Green {
		return Split{Blue: 100 - pct, Green: pct}
	}
	return Split{Blue: pct, Green: 100 - pct}
}

// All returns the split sending every request to n.
func All(n Name) Split { return SplitFor(n, 100) }

func (s Split) String() string {
	return fmt.Sprintf("blue:%d/green:%d", s.Blue, s.Green)
}

// State is the persisted orchestration state.
type State struct {
	ActiveEnvironment Name             `json:"activeEnvironment"`
	TrafficSplit      Split            `json:"trafficSplit"`
	Environments      map[Name]*Status `json:"environments"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// DefaultState is the state of a fresh installation: blue live with all
// traffic, green idle.
func DefaultState() *State {
	return &State{
		ActiveEnvironment: Blue,
		TrafficSplit:      All(Blue),
		Environments: map[Name]*Status{
			Blue:  {Environment: Blue, IsActive: true},
			Green: {Environment: Green},
		},
	}
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	out := *s
	out.Environments = make(map[Name]*Status, len(s.Environments))
	for n, st := range s.Environments {
		cp := *st
		if st.LastHealthCheck != nil {
			t := *st.LastHealthCheck
			cp.LastHealthCheck = &t
		}
		out.Environments[n] = &cp
	}
	return &out
}

// normalize fills in missing environments so that callers can index both.
func (s *State) normalize() {
	if s.ActiveEnvironment == "" {
		s.ActiveEnvironment = Blue
	}
	if s.Environments == nil {
		s.Environments = make(map[Name]*Status, 2)
	}
	for _, n := range Names {
		if s.Environments[n] == nil {
			s.Environments[n] = &Status{Environment: n}
		}
		s.Environments[n].Environment = n
		s.Environments[n].IsActive = n == s.ActiveEnvironment
	}
}
