package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rijan/wa-gateway/internal/version"
)

// workerStaleAfter is how long a worker may go without a heartbeat
// before readiness flips.
const workerStaleAfter = 90 * time.Second

// handleHealth is pure liveness: the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// handleReady checks the store and the background workers. A stalled
// sender or fan-out pipeline makes the instance not ready even though
// HTTP still answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{
		"store":   s.store.Ping(r.Context()) == nil,
		"workers": s.metrics.WorkersHealthy(workerStaleAfter, "sender", "fanout"),
	}
	ready := checks["store"] && checks["workers"]

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: ready,
		Data:    map[string]any{"ready": ready, "checks": checks},
	})
}
