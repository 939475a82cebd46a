package observability

import (
	"encoding/json"
	"net/http"
)

// Handler serves the saga metrics snapshot as JSON: per-step call counts,
// errors and latencies plus run counters by terminal status.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		snap := metrics.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
}
