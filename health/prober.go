// Package health probes the blue and green environments and tracks their
// health in the environment registry.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/rollout/environment"
)

// DefaultTimeout bounds each individual health request.
const DefaultTimeout = 5 * time.Second

// Endpoints are the health URLs of one environment.
type Endpoints struct {
	Backend  string `yaml:"backend" json:"backend"`
	Frontend string `yaml:"frontend" json:"frontend"`
}

// DefaultEndpoints returns the conventional local ports: green serves on
// 5001/3001 and blue on 5002/3002.
func DefaultEndpoints() map[environment.Name]Endpoints {
	return map[environment.Name]Endpoints{
		environment.Blue:  {Backend: "http://localhost:5002/health", Frontend: "http://localhost:3002/"},
		environment.Green: {Backend: "http://localhost:5001/health", Frontend: "http://localhost:3001/"},
	}
}

// Prober checks whether an environment is serving. A nil error means healthy.
type Prober interface {
	Probe(ctx context.Context, env environment.Name) error
}

// ProbeError describes a failed probe.
type ProbeError struct {
	Environment environment.Name
	Surface     string // "backend" or "frontend"
	URL         string
	StatusCode  int
	Err         error
}

func (e *ProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s health (%s): %v", e.Environment, e.Surface, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s health (%s): status %d", e.Environment, e.Surface, e.URL, e.StatusCode)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// HTTPProber probes the backend and frontend of an environment concurrently.
// Both must answer 2xx within the timeout. It never retries; the next tick
// of the monitor does.
type HTTPProber struct {
	client    *http.Client
	endpoints map[environment.Name]Endpoints
	timeout   time.Duration
}

// ProberOption configures an HTTPProber.
type ProberOption func(*HTTPProber)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) ProberOption {
	return func(p *HTTPProber) { p.client = c }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ProberOption {
	return func(p *HTTPProber) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewHTTPProber creates a prober for the given endpoints.
func NewHTTPProber(endpoints map[environment.Name]Endpoints, opts ...ProberOption) *HTTPProber {
	p := &HTTPProber{
		client:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		endpoints: endpoints,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, env environment.Name) error {
	ep, ok := p.endpoints[env]
	if !ok {
		return fmt.Errorf("%w: no health endpoints for %q", environment.ErrUnknownEnvironment, env)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.get(ctx, env, "backend", ep.Backend) })
	g.Go(func() error { return p.get(ctx, env, "frontend", ep.Frontend) })
	return g.Wait()
}

func (p *HTTPProber) get(ctx context.Context, env environment.Name, surface, url string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &ProbeError{Environment: env, Surface: surface, URL: url, Err: err}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return &ProbeError{Environment: env, Surface: surface, URL: url, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProbeError{Environment: env, Surface: surface, URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}
