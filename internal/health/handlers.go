package health

import (
	"encoding/json"
	"net/http"
)

// Register mounts the health endpoints on the mux.
func (c *Checker) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health/live", c.LiveHandler)
	mux.HandleFunc("/health/ready", c.ReadyHandler)
	mux.HandleFunc("/health", c.DetailHandler)
}

// LiveHandler reports process liveness only. The process answering at all
// is the check.
func (c *Checker) LiveHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler evaluates the critical dependencies on demand.
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ready, checks := c.Ready(r.Context())

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}

	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": checks,
	})
}

// DetailHandler serves the full health report. Degraded still returns
// 200 so orchestrators do not restart a slow-but-working gateway.
func (c *Checker) DetailHandler(w http.ResponseWriter, r *http.Request) {
	report := c.Detail(r.Context())

	status := http.StatusOK
	if report.Status == VerdictUnhealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
