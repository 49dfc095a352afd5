// Package health exposes the readiness and liveness probes of a backend
// instance. The traffic switch probes readiness before routing to an instance.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Handler serves /readiness and /liveness.
type Handler struct {
	startTime time.Time
	version   string
	color     string
	timeout   time.Duration

	mu       sync.RWMutex
	checks   map[string]Check
	shutdown atomic.Bool
}

// NewHandler creates a new health handler
func NewHandler(version, color string) *Handler {
	return &Handler{
		startTime: time.Now(),
		version:   version,
		color:     color,
		timeout:   2 * time.Second,
		checks:    make(map[string]Check),
	}
}

// AddCheck registers a dependency consulted by the readiness probe.
func (h *Handler) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// MarkShuttingDown makes readiness fail so the switch stops picking this instance.
func (h *Handler) MarkShuttingDown() {
	h.shutdown.Store(true)
}

// Register mounts the probes on mux.
func (h *Handler) Register(mux interface {
	HandleFunc(string, func(http.ResponseWriter, *http.Request))
}) {
	mux.HandleFunc("/readiness", h.ReadinessHandler)
	mux.HandleFunc("/liveness", h.LivenessHandler)
}

// ReadinessHandler checks if the application is ready to serve traffic
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	response := h.base("ready")

	results, ready := h.runChecks(r.Context())
	if !ready {
		status = http.StatusServiceUnavailable
		response["status"] = "not_ready"
	}
	if h.shutdown.Load() {
		status = http.StatusServiceUnavailable
		response["status"] = "shutting_down"
	}

	if len(results) > 0 {
		response["checks"] = results
	}
	writeJSON(w, status, response)
}

// Ready reports whether the instance should receive traffic.
func (h *Handler) Ready(ctx context.Context) bool {
	if h.shutdown.Load() {
		return false
	}
	_, ready := h.runChecks(ctx)
	return ready
}

func (h *Handler) runChecks(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	defer h.mu.RUnlock()

	ready := true
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			ready = false
			continue
		}
		results[name] = "ok"
	}
	return results, ready
}

// LivenessHandler checks if the application is alive
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.base("alive"))
}

func (h *Handler) base(status string) map[string]interface{} {
	response := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
	}
	if h.color != "" {
		response["color"] = h.color
	}
	return response
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
