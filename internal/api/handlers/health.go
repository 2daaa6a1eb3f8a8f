package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/drfirst/go-rxparse/internal/refdata"
)

// Check reports whether one dependency is usable
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	service string
	version string
	source  refdata.Source
	checks  map[string]Check
	timeout time.Duration
}

// NewHealthHandler creates a health handler. checks are run by Ready, each
// under its name.
func NewHealthHandler(service, version string, source refdata.Source, checks map[string]Check) *HealthHandler {
	return &HealthHandler{
		service: service,
		version: version,
		source:  source,
		checks:  checks,
		timeout: 2 * time.Second,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status":  "healthy",
		"service": h.service,
		"version": h.version,
	}
	if rd := h.current(); rd != nil {
		body["reference_version"] = rd.Version()
	}
	writeJSON(w, http.StatusOK, body)
}

// Ready handles GET /ready; it fails until reference data is loaded and
// every check passes
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	failures := make(map[string]string)
	if h.current() == nil {
		failures["reference_data"] = "not loaded"
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *HealthHandler) current() *refdata.ReferenceData {
	if h.source == nil {
		return nil
	}
	return h.source.Current()
}
