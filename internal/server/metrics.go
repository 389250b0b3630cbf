package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// MetricsRoutes returns the health/metrics router served on the metrics
// port, separate from the WebSocket listener so probes never contend with
// terminal traffic.
func (s *Server) MetricsRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", handleOK)
	r.Get("/readyz", handleOK)
	r.Get("/metrics", s.handleMetrics)
	return r
}

func handleOK(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

// handleMetrics renders the gauges in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	snap := s.sessions.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP pty_sessions_active Active PTY sessions\n")
	fmt.Fprintf(w, "# TYPE pty_sessions_active gauge\n")
	fmt.Fprintf(w, "pty_sessions_active %d\n", snap.Active)
	fmt.Fprintf(w, "# HELP pty_sessions_by_state Sessions per lifecycle state\n")
	fmt.Fprintf(w, "# TYPE pty_sessions_by_state gauge\n")
	for _, state := range []string{"connected", "disconnected", "idle", "reaping"} {
		fmt.Fprintf(w, "pty_sessions_by_state{state=%q} %d\n", state, snap.ByState[state])
	}
	fmt.Fprintf(w, "# HELP pty_output_queue_bytes_total Total bytes in output queues\n")
	fmt.Fprintf(w, "# TYPE pty_output_queue_bytes_total gauge\n")
	fmt.Fprintf(w, "pty_output_queue_bytes_total %d\n", snap.QueuedBytes)
	fmt.Fprintf(w, "# HELP pty_output_drops_total Total output drops (backpressure)\n")
	fmt.Fprintf(w, "# TYPE pty_output_drops_total counter\n")
	fmt.Fprintf(w, "pty_output_drops_total %d\n", snap.OutputDrops)
	fmt.Fprintf(w, "# HELP pty_scrollback_truncations_total Rate-limited scrollback eviction events\n")
	fmt.Fprintf(w, "# TYPE pty_scrollback_truncations_total counter\n")
	fmt.Fprintf(w, "pty_scrollback_truncations_total %d\n", snap.Truncations)
}
