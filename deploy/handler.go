package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoCodeAlone/rollout/environment"
	"github.com/GoCodeAlone/rollout/migration"
)

// MigrationReporter reports schema migration status. *migration.Runner
// satisfies it.
type MigrationReporter interface {
	Status(ctx context.Context) (*migration.Status, error)
}

// Handler serves the admin API.
type Handler struct {
	orch       *Orchestrator
	registry   *environment.Registry
	strategies *StrategyRegistry
	migrations MigrationReporter
	reload     func(ctx context.Context) error
	metrics    http.Handler
	middleware []func(http.Handler) http.Handler
	logger     *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithMigrations enables GET /api/v1/migrations.
func WithMigrations(m MigrationReporter) HandlerOption {
	return func(h *Handler) { h.migrations = m }
}

// WithReload sets the function behind POST /api/v1/reload.
func WithReload(fn func(ctx context.Context) error) HandlerOption {
	return func(h *Handler) { h.reload = fn }
}

// WithMetrics mounts h at GET /metrics.
func WithMetrics(m http.Handler) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithStrategies replaces the built-in strategy registry.
func WithStrategies(s *StrategyRegistry) HandlerOption {
	return func(h *Handler) { h.strategies = s }
}

// WithMiddleware adds middleware to the router built by Router.
func WithMiddleware(mw ...func(http.Handler) http.Handler) HandlerOption {
	return func(h *Handler) { h.middleware = append(h.middleware, mw...) }
}

// WithHandlerLogger sets the handler logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates the admin API handler.
func NewHandler(orch *Orchestrator, registry *environment.Registry, opts ...HandlerOption) *Handler {
	h := &Handler{
		orch:       orch,
		registry:   registry,
		strategies: NewStrategyRegistry(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns a chi router with every admin route registered.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.middleware...)
	h.RegisterRoutes(r)
	environment.NewHandler(h.registry).RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the orchestrator endpoints on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealthz)
	r.Get("/api/v1/status", h.handleStatus)
	r.Post("/api/v1/switch", h.handleSwitch)
	r.Post("/api/v1/rollback/emergency", h.handleEmergencyRollback)
	r.Post("/api/v1/deploy", h.handleDeploy)
	r.Put("/api/v1/split", h.handleSplit)
	r.Post("/api/v1/reload", h.handleReload)
	r.Get("/api/v1/migrations", h.handleMigrations)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
}

// ---------- GET /healthz ----------

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------- GET /api/v1/status ----------

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Snapshot())
}

// ---------- POST /api/v1/switch ----------

// SwitchRequest is the body of POST /api/v1/switch. Both fields are optional.
type SwitchRequest struct {
	Target   environment.Name `json:"target"`
	Strategy string           `json:"strategy"`
}

func (h *Handler) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req SwitchRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	strategy, err := h.strategies.Lookup(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.orch.PerformSwitchWith(operationContext(r), req.Target, strategy)
	h.writeResult(w, res, err)
}

// ---------- POST /api/v1/rollback/emergency ----------

func (h *Handler) handleEmergencyRollback(w http.ResponseWriter, r *http.Request) {
	res, err := h.orch.EmergencyRollback(operationContext(r))
	h.writeResult(w, res, err)
}

// ---------- POST /api/v1/deploy ----------

// DeployRequest is the body of POST /api/v1/deploy.
type DeployRequest struct {
	Environment environment.Name `json:"environment"`
	Version     string           `json:"version"`
	Image       string           `json:"image"`
}

func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Version == "" {
		writeError(w, http.StatusBadRequest, "version is required")
		return
	}
	if req.Environment == "" {
		req.Environment = h.registry.Inactive()
	}
	res, err := h.orch.Deploy(operationContext(r), req.Environment, req.Version, req.Image)
	h.writeResult(w, res, err)
}

// ---------- PUT /api/v1/split ----------

func (h *Handler) handleSplit(w http.ResponseWriter, r *http.Request) {
	var split environment.Split
	if err := json.NewDecoder(r.Body).Decode(&split); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.orch.SetSplit(operationContext(r), split); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.orch.Split())
}

// ---------- POST /api/v1/reload ----------

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		writeError(w, http.StatusNotImplemented, "reload not configured")
		return
	}
	if err := h.reload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// ---------- GET /api/v1/migrations ----------

func (h *Handler) handleMigrations(w http.ResponseWriter, r *http.Request) {
	if h.migrations == nil {
		writeError(w, http.StatusNotImplemented, "migrations not configured")
		return
	}
	st, err := h.migrations.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ---------- helpers ----------

// operationContext keeps the request's values and span but not its
// cancellation: a switch runs to completion even if the caller disconnects
// or times out. Only shutting the process down aborts it.
func operationContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (h *Handler) writeResult(w http.ResponseWriter, res *Result, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	h.logger.Warn("admin operation failed", "error", err)
	if res == nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, statusFor(err), res)
}

func statusFor(err error) int {
	var switchErr *SwitchError
	switch {
	case errors.Is(err, ErrSwitchInProgress), errors.Is(err, ErrAlreadyActive), errors.Is(err, ErrDeployToActive):
		return http.StatusConflict
	case errors.Is(err, environment.ErrInvalidSplit), errors.Is(err, environment.ErrUnknownEnvironment):
		return http.StatusBadRequest
	case errors.Is(err, ErrTargetUnhealthy), errors.Is(err, ErrBothUnhealthy), errors.As(err, &switchErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional decodes a JSON body if one was sent.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
