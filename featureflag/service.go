package featureflag

import (
	"context"
	"errors"
	"log/slog"
)

// Service is a caching front for a Provider with a boolean lookup that
// never fails: missing flags and provider errors read as disabled.
type Service struct {
	provider Provider
	cache    *FlagCache
	subject  EvaluationContext
	logger   *slog.Logger
	cancel   func()
}

// NewService wraps provider. subject is the evaluation context used by
// Enabled. A nil cache disables caching.
func NewService(provider Provider, cache *FlagCache, subject EvaluationContext, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = NewFlagCache(0)
	}
	s := &Service{provider: provider, cache: cache, subject: subject, logger: logger}
	s.cancel = provider.Subscribe(func(evt FlagChangeEvent) {
		s.cache.InvalidateFlag(evt.Key)
		s.logger.Info("flag changed", "key", evt.Key, "source", evt.Source)
	})
	return s
}

// Evaluate returns the flag for evalCtx, from cache when possible.
func (s *Service) Evaluate(ctx context.Context, key string, evalCtx EvaluationContext) (FlagValue, error) {
	if v, ok := s.cache.Get(key, evalCtx.Key); ok {
		return v, nil
	}
	v, err := s.provider.Evaluate(ctx, key, evalCtx)
	if err != nil {
		return FlagValue{}, err
	}
	s.cache.Set(key, evalCtx.Key, v)
	return v, nil
}

// Enabled reports whether key is on for the service subject.
func (s *Service) Enabled(ctx context.Context, key string) bool {
	v, err := s.Evaluate(ctx, key, s.subject)
	if err != nil {
		if !errors.Is(err, ErrFlagNotFound) {
			s.logger.Warn("flag evaluation failed, treating as disabled", "key", key, "provider", s.provider.Name(), "error", err)
		}
		return false
	}
	return v.Enabled
}

// Close stops listening for provider changes.
func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}
