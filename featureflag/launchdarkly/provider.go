//go:build launchdarkly

// Package launchdarkly provides a feature flag Provider backed by LaunchDarkly.
// This file is only compiled when the "launchdarkly" build tag is set, so the
// LaunchDarkly SDK dependency is opt-in.
package launchdarkly

import (
	"context"
	"fmt"
	"time"

	ld "github.com/launchdarkly/go-server-sdk/v7"
	"github.com/launchdarkly/go-server-sdk/v7/interfaces"
	"github.com/launchdarkly/go-server-sdk/v7/ldcomponents"
	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	"github.com/launchdarkly/go-sdk-common/v3/ldreason"

	"github.com/GoCodeAlone/rollout/featureflag"
)

// Config holds configuration for the LaunchDarkly provider.
type Config struct {
	SDKKey       string        `yaml:"sdk_key"`
	Stream       bool          `yaml:"stream"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RelayProxy   string        `yaml:"relay_proxy"`
}

// Provider implements featureflag.Provider using the LaunchDarkly Go Server SDK.
type Provider struct {
	client *ld.LDClient
}

// NewProvider creates a new LaunchDarkly provider. It blocks until the SDK
// initialises or 10 seconds elapse.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.SDKKey == "" {
		return nil, fmt.Errorf("launchdarkly: sdk_key is required")
	}

	ldCfg := ld.Config{}
	if !cfg.Stream {
		pollInterval := cfg.PollInterval
		if pollInterval == 0 {
			pollInterval = 30 * time.Second
		}
		ldCfg.DataSource = ldcomponents.PollingDataSource().PollInterval(pollInterval)
	}
	if cfg.RelayProxy != "" {
		ldCfg.ServiceEndpoints = interfaces.ServiceEndpoints{
			Streaming: cfg.RelayProxy,
			Polling:   cfg.RelayProxy,
			Events:    cfg.RelayProxy,
		}
	}

	client, err := ld.MakeCustomClient(cfg.SDKKey, ldCfg, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("launchdarkly: init failed: %w", err)
	}
	return &Provider{client: client}, nil
}

// Name implements featureflag.Provider.
func (p *Provider) Name() string { return "launchdarkly" }

// Evaluate implements featureflag.Provider.
func (p *Provider) Evaluate(_ context.Context, key string, evalCtx featureflag.EvaluationContext) (featureflag.FlagValue, error) {
	on, detail, err := p.client.BoolVariationDetail(key, buildLDContext(evalCtx), false)
	if err != nil {
		return featureflag.FlagValue{}, fmt.Errorf("launchdarkly: evaluate %q: %w", key, err)
	}
	if detail.Reason.GetErrorKind() == ldreason.EvalErrorFlagNotFound {
		return featureflag.FlagValue{}, fmt.Errorf("%w: %q", featureflag.ErrFlagNotFound, key)
	}
	return featureflag.FlagValue{
		Key:     key,
		Enabled: on,
		Source:  p.Name(),
		Reason:  detail.Reason.String(),
	}, nil
}

// Subscribe implements featureflag.Provider.
func (p *Provider) Subscribe(fn func(featureflag.FlagChangeEvent)) (cancel func()) {
	tracker := p.client.GetFlagTracker()
	ch := tracker.AddFlagChangeListener()
	go func() {
		for event := range ch {
			fn(featureflag.FlagChangeEvent{Key: event.Key, Source: p.Name()})
		}
	}()
	return func() { tracker.RemoveFlagChangeListener(ch) }
}

// Close shuts down the LD client gracefully.
func (p *Provider) Close() error {
	return p.client.Close()
}

func buildLDContext(ec featureflag.EvaluationContext) ldcontext.Context {
	key := ec.Key
	if key == "" {
		key = "rollout"
	}
	builder := ldcontext.NewBuilder(key).Kind("service")
	for k, v := range ec.Attributes {
		builder.SetString(k, v)
	}
	return builder.Build()
}

var _ featureflag.Provider = (*Provider)(nil)
