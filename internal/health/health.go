// Package health provides the liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Probe checks one dependency's reachability
type Probe func(ctx context.Context) error

// HealthCheck serves liveness and readiness over HTTP. Readiness
// probes every registered dependency on each request.
type HealthCheck struct {
	probes map[string]Probe
	logger *zap.Logger
}

// NewHealthCheck creates a health check over the named probes
func NewHealthCheck(probes map[string]Probe, logger *zap.Logger) *HealthCheck {
	return &HealthCheck{
		probes: probes,
		logger: logger,
	}
}

// Router returns the HTTP routes for the health server
func (hc *HealthCheck) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", hc.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", hc.ReadinessHandler).Methods(http.MethodGet)
	return r
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LivenessHandler handles GET /health requests.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	resp := LivenessResponse{Status: "healthy"}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// ReadinessHandler handles GET /ready requests.
// Returns 200 OK only when every dependency probe succeeds.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(hc.probes))
	ready := true
	for name, probe := range hc.probes {
		if err := probe(ctx); err != nil {
			checks[name] = "unhealthy"
			ready = false
			hc.logger.Warn("Readiness probe failed",
				zap.String("dependency", name),
				zap.Error(err))
			continue
		}
		checks[name] = "healthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadinessResponse{Status: "not_ready", Checks: checks})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ReadinessResponse{Status: "ready", Checks: checks})
}
