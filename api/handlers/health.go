package handlers

import (
	"net/http"
	"time"
)

// HealthHandler serves the process-level liveness/readiness surface.
// Unlike the management API, these routes carry no auth and return a
// bare JSON object rather than the Response envelope, matching what a
// Kubernetes probe or load balancer health check expects.
type HealthHandler struct {
	version string
	ready   func() error
}

// NewHealthHandler builds a HealthHandler. ready is consulted by
// HandleReady; it should return nil once the gateway can accept
// inference traffic (registry seeded, database reachable).
func NewHealthHandler(version string, ready func() error) *HealthHandler {
	return &HealthHandler{version: version, ready: ready}
}

type healthBody struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// HandleHealthz is the liveness probe: it answers 200 as long as the
// process is alive and serving HTTP, independent of downstream state.
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, healthBody{Status: "healthy", Timestamp: time.Now(), Version: h.version})
}

// HandleReadyz is the readiness probe: it answers 503 until ready
// reports the gateway can serve inference traffic.
func (h *HealthHandler) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, healthBody{Status: "not_ready", Timestamp: time.Now()})
			return
		}
	}
	WriteJSON(w, http.StatusOK, healthBody{Status: "ready", Timestamp: time.Now(), Version: h.version})
}
