package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/tierd/pkg/metrics"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint. It answers 200 whenever the
// process is alive and lists component state in the body.
func (s *StatusServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h := metrics.GetHealth()
	response := HealthResponse{
		Status:     h.Status,
		Timestamp:  h.Timestamp,
		Version:    s.src.Version,
		Uptime:     h.Uptime,
		Components: h.Components,
	}
	writeJSON(w, http.StatusOK, response)
}

// readyHandler implements the /ready endpoint. Ready means the assignment
// store is usable and the managed directories are layered.
func (s *StatusServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h := metrics.GetReadiness()
	status, code := "ready", http.StatusOK
	if h.Status != "ready" {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	checks := h.Components
	if checks == nil {
		checks = map[string]string{}
	}
	writeJSON(w, code, ReadyResponse{
		Status:    status,
		Timestamp: h.Timestamp,
		Checks:    checks,
		Message:   h.Message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
