package featureflag

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStaticProvider_Evaluate(t *testing.T) {
	p := NewStaticProvider(map[string]bool{AutoEmergencyRollback: true})
	ctx := context.Background()

	v, err := p.Evaluate(ctx, AutoEmergencyRollback, EvaluationContext{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Enabled || v.Source != "static" {
		t.Errorf("unexpected value: %+v", v)
	}

	if _, err := p.Evaluate(ctx, "missing", EvaluationContext{}); !errors.Is(err, ErrFlagNotFound) {
		t.Errorf("expected ErrFlagNotFound, got %v", err)
	}
}

func TestStaticProvider_ReplaceNotifiesChangedKeys(t *testing.T) {
	p := NewStaticProvider(map[string]bool{"a": true, "b": false})
	var changed []string
	cancel := p.Subscribe(func(evt FlagChangeEvent) { changed = append(changed, evt.Key) })

	p.Replace(map[string]bool{"a": true, "b": true, "c": false})
	if len(changed) != 2 || changed[0] != "b" || changed[1] != "c" {
		t.Fatalf("expected b and c to change, got %v", changed)
	}

	cancel()
	p.Set("a", false)
	if len(changed) != 2 {
		t.Errorf("cancelled subscriber was notified: %v", changed)
	}
}

func TestService_EnabledDefaultsToFalse(t *testing.T) {
	p := NewStaticProvider(map[string]bool{AutoEmergencyRollback: true})
	s := NewService(p, nil, EvaluationContext{Key: "rollout"}, nil)
	defer s.Close()
	ctx := context.Background()

	if !s.Enabled(ctx, AutoEmergencyRollback) {
		t.Error("expected configured flag to be enabled")
	}
	if s.Enabled(ctx, PreDeployMigrations) {
		t.Error("unknown flags must read as disabled")
	}
}

func TestService_CacheInvalidatedOnChange(t *testing.T) {
	p := NewStaticProvider(map[string]bool{AutoEmergencyRollback: false})
	cache := NewFlagCache(time.Hour)
	s := NewService(p, cache, EvaluationContext{Key: "rollout"}, nil)
	defer s.Close()
	ctx := context.Background()

	if s.Enabled(ctx, AutoEmergencyRollback) {
		t.Fatal("expected disabled")
	}
	if cache.Len() != 1 {
		t.Fatalf("expected value cached, got %d entries", cache.Len())
	}

	p.Set(AutoEmergencyRollback, true)
	if !s.Enabled(ctx, AutoEmergencyRollback) {
		t.Error("expected change to bypass the stale cache entry")
	}
}

func TestFlagCache_TTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewFlagCache(time.Minute)
	c.now = func() time.Time { return now }

	c.Set("f", "svc", FlagValue{Key: "f", Enabled: true})
	if _, ok := c.Get("f", "svc"); !ok {
		t.Fatal("expected cache hit")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("f", "svc"); ok {
		t.Error("expected expired entry to miss")
	}

	disabled := NewFlagCache(0)
	disabled.Set("f", "svc", FlagValue{})
	if disabled.Len() != 0 {
		t.Error("zero TTL must not store entries")
	}
}
