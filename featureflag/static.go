package featureflag

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// StaticProvider serves flags from configuration. Replace swaps the whole set,
// typically after a config reload, and notifies subscribers of every key
// whose value changed.
type StaticProvider struct {
	mu     sync.RWMutex
	flags  map[string]bool
	subs   map[int]func(FlagChangeEvent)
	nextID int
}

// NewStaticProvider creates a provider over a copy of flags.
func NewStaticProvider(flags map[string]bool) *StaticProvider {
	p := &StaticProvider{subs: make(map[int]func(FlagChangeEvent))}
	p.flags = copyFlags(flags)
	return p
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) Evaluate(_ context.Context, key string, _ EvaluationContext) (FlagValue, error) {
	p.mu.RLock()
	v, ok := p.flags[key]
	p.mu.RUnlock()
	if !ok {
		return FlagValue{}, fmt.Errorf("%w: %q", ErrFlagNotFound, key)
	}
	return FlagValue{Key: key, Enabled: v, Source: p.Name(), Reason: "configured"}, nil
}

func (p *StaticProvider) Subscribe(fn func(FlagChangeEvent)) (cancel func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Set changes a single flag.
func (p *StaticProvider) Set(key string, enabled bool) {
	p.update(func(m map[string]bool) { m[key] = enabled })
}

// Replace swaps in a new flag set.
func (p *StaticProvider) Replace(flags map[string]bool) {
	p.update(func(m map[string]bool) {
		clear(m)
		for k, v := range flags {
			m[k] = v
		}
	})
}

func (p *StaticProvider) update(fn func(map[string]bool)) {
	p.mu.Lock()
	old := p.flags
	next := copyFlags(old)
	fn(next)
	p.flags = next
	subs := make([]func(FlagChangeEvent), 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, key := range changedKeys(old, next) {
		for _, sub := range subs {
			sub(FlagChangeEvent{Key: key, Source: p.Name()})
		}
	}
}

func copyFlags(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func changedKeys(old, next map[string]bool) []string {
	var keys []string
	for k, v := range next {
		if was, ok := old[k]; !ok || was != v {
			keys = append(keys, k)
		}
	}
	for k := range old {
		if _, ok := next[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
