// Package introspect exposes the proxy's operational surface over HTTP:
// Prometheus metrics and a liveness/readiness probe. There is no admin
// SQL console and no tenant CRUD API — pool configuration is entirely
// config-file driven, per spec.
package introspect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/pgscram/internal/poolmgr"
)

// Server is the introspection HTTP server: /metrics and /healthz.
type Server struct {
	registry   *poolmgr.Registry
	promReg    *prometheus.Registry
	httpServer *http.Server
	ln         net.Listener
	startTime  time.Time
}

// NewServer builds a Server. promReg is the same custom registry the
// metrics.Collector registered its collectors against, so /metrics
// reflects this process's series and nothing else.
func NewServer(registry *poolmgr.Registry, promReg *prometheus.Registry) *Server {
	return &Server{
		registry:  registry,
		promReg:   promReg,
		startTime: time.Now(),
	}
}

// Start begins serving on bindHost:port in the background. Call Stop to
// shut it down gracefully.
func (s *Server) Start(bindHost string, port int) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%d", bindHost, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("introspect: listen on %s: %w", addr, err)
	}
	s.ln = ln

	slog.Info("introspection server listening", "addr", ln.Addr())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("introspection server error", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, for tests that listen on
// port 0. Nil until Start has run.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop gracefully shuts down the introspection server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type healthPool struct {
	Pool    string `json:"pool"`
	Active  int    `json:"active"`
	Idle    int    `json:"idle"`
	Waiting int    `json:"waiting"`
}

// healthzHandler reports process liveness plus a per-pool snapshot. It is
// always 200 once the process is up: pool exhaustion is a metrics
// concern (pgscram_pool_exhausted_total), not a health-check failure, so
// that a temporarily saturated pool doesn't get the whole proxy marked
// unhealthy and pulled from a load balancer.
func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	pools := s.registry.All()
	out := make([]healthPool, 0, len(pools))
	for key, p := range pools {
		st := p.Stats()
		out = append(out, healthPool{
			Pool:    key.String(),
			Active:  st.Active,
			Idle:    st.Idle,
			Waiting: st.Waiting,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"uptime_sec": int(time.Since(s.startTime).Seconds()),
		"pools":      out,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
