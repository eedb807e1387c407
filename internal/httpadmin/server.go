// Package httpadmin is busd's read-only introspection surface, routed
// with chi the way webitel-im-delivery-service routes its HTTP API, and
// structurally descended from go-server/internal/server.Server's
// handleHealth/handleStats handlers.
package httpadmin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/busd/busd/internal/bus"
	"github.com/busd/busd/internal/metrics"
	"github.com/busd/busd/internal/sysload"
)

// Server is the admin HTTP surface: /healthz, /metrics, and /names.
type Server struct {
	http *http.Server
}

type Deps struct {
	Bus     *bus.Bus
	Metrics *metrics.Registry
	Sysload *sysload.Sampler
	Started time.Time
}

func New(addr string, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler(deps))
	r.Get("/names", namesHandler(deps))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	return &Server{http: &http.Server{Addr: addr, Handler: r}}
}

func (s *Server) ListenAndServe() error { return s.http.ListenAndServe() }

func (s *Server) Close() error { return s.http.Close() }

func healthHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":      "ok",
			"uptime":      time.Since(deps.Started).String(),
			"connections": deps.Bus.Connections.Count(),
		}
		if deps.Sysload != nil {
			resp["cpu_percent"] = deps.Sysload.CPUPercent()
			resp["memory_available_percent"] = deps.Sysload.MemoryAvailablePercent()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func namesHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := deps.Bus.Registry.ListNames()
		out := make(map[string][]string, len(names))
		for _, n := range names {
			queue := deps.Bus.Registry.ListQueue(n)
			ids := make([]string, len(queue))
			for i, ref := range queue {
				ids[i] = ref.UniqueName()
			}
			out[n] = ids
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
