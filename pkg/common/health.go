package common

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// HealthServer serves the liveness and readiness probes.
type HealthServer struct {
	server *http.Server
	ready  *atomic.Bool
	checks []ReadinessCheck
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewHealthServer builds a probe server on addr. /v1/health always answers
// ok; /v1/readiness answers ok once ready is set and every check passes.
func NewHealthServer(addr string, ready *atomic.Bool, checks ...ReadinessCheck) *HealthServer {
	hs := &HealthServer{ready: ready, checks: checks}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, healthResponse{Status: "ok"})
	})
	mux.HandleFunc("GET /v1/readiness", hs.readiness)

	hs.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return hs
}

func (hs *HealthServer) readiness(w http.ResponseWriter, r *http.Request) {
	if !hs.ready.Load() {
		writeHealth(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, check := range hs.checks {
		if err := check(ctx); err != nil {
			writeHealth(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready", Error: err.Error()})
			return
		}
	}
	writeHealth(w, http.StatusOK, healthResponse{Status: "ready"})
}

func writeHealth(w http.ResponseWriter, status int, body healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Server returns the underlying HTTP server.
func (hs *HealthServer) Server() *http.Server { return hs.server }

// Handler returns the probe handler.
func (hs *HealthServer) Handler() http.Handler { return hs.server.Handler }
