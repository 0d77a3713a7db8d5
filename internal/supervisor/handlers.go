package supervisor

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildMux assembles the thin introspection surface named in SPEC_FULL.md
// §6: /healthz, /metrics, and /events (the WebSocket lifecycle bridge).
// No job listing/retry/delete routes live here — that CRUD/query veneer
// is an explicit Non-goal; internal/control is consumed by a future
// external API layer, not by this package.
func (s *Supervisor) buildMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/events", s.hub.ServeWS)
	return mux
}

func (s *Supervisor) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts, err := s.store.CountByState(r.Context())
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}

	paused, err := s.store.Paused(r.Context())
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"job_counts": counts,
		"paused":     paused,
		"clients":    s.hub.ClientCount(),
	})
}
