package environment

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the deployment state over HTTP.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new environment HTTP handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes registers environment endpoints on the given router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/v1/environments", h.handleList)
	r.Get("/api/v1/environments/{name}", h.handleGet)
	r.Post("/api/v1/state/reload", h.handleReload)
}

// ---------- GET /api/v1/environments ----------

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	st := h.registry.Snapshot()
	out := make([]Status, 0, len(Names))
	for _, n := range Names {
		out = append(out, *st.Environments[n])
	}
	writeJSON(w, http.StatusOK, out)
}

// ---------- GET /api/v1/environments/{name} ----------

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	name, err := ParseName(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "environment not found")
		return
	}
	writeJSON(w, http.StatusOK, h.registry.Status(name))
}

// ---------- POST /api/v1/state/reload ----------

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Reload(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidSplit) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.registry.Snapshot())
}

// ---------- helpers ----------

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
