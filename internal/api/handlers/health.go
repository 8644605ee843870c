package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"omnifm/internal/config"
	"omnifm/internal/core"
)

// HealthResponse is the response for GET /api/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Environment string `json:"environment"`
	Version     string `json:"version"`
	Commit      string `json:"commit"`
}

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	cfg *config.Config
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config) *HealthHandler {
	return &HealthHandler{cfg: cfg}
}

// RegisterRoutes mounts the health endpoint on the given router.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/health", h.Get)
}

// Get handles GET /api/health.
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: HealthResponse{
		Status:      "ok",
		Environment: h.cfg.Environment,
		Version:     h.cfg.Build.Version,
		Commit:      h.cfg.Build.Commit,
	}})
}
