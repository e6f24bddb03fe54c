package deploy

import (
	"fmt"
	"sort"
	"sync"
)

// StrategyRegistry holds the available switch strategies.
type StrategyRegistry struct {
	mu         sync.RWMutex
	strategies map[string]SwitchStrategy
}

// NewStrategyRegistry creates a registry pre-loaded with built-in strategies.
func NewStrategyRegistry() *StrategyRegistry {
	r := &StrategyRegistry{
		strategies: make(map[string]SwitchStrategy),
	}
	// Register built-in strategies.
	r.Register(NewCanaryStrategy())
	r.Register(NewBlueGreenStrategy())
	return r
}

// Get returns the strategy with the given name, or false if not found.
func (r *StrategyRegistry) Get(name string) (SwitchStrategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Lookup is Get with an error for unknown names. An empty name selects the
// canary strategy.
func (r *StrategyRegistry) Lookup(name string) (SwitchStrategy, error) {
	if name == "" {
		name = "canary"
	}
	s, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown switch strategy %q (have %v)", name, r.List())
	}
	return s, nil
}

// Register adds a strategy to the registry, replacing any existing one with the same name.
func (r *StrategyRegistry) Register(s SwitchStrategy) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// List returns the sorted names of all registered strategies.
func (r *StrategyRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
