package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/observer/relaycore/internal/config"
	"github.com/observer/relaycore/internal/database"
	"github.com/observer/relaycore/internal/gateway"
)

// Dependencies holds everything the HTTP layer needs to route a request:
// the connection gateway for /ws/stream/, and the database handle for the
// readiness probe.
type Dependencies struct {
	DB      *database.DB
	Gateway *gateway.Gateway
	Logger  *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	mux := http.NewServeMux()
	registerRoutes(mux, deps)

	handler := chainMiddleware(mux,
		requestIDMiddleware,
		corsMiddleware,
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)

	return &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		// IdleTimeout does not bound an already-hijacked WebSocket connection,
		// only the keep-alive gap between unrelated requests on the same TCP
		// conn, so it's safe to leave short even though sockets stay open for
		// hours.
		IdleTimeout: 60 * time.Second,
	}
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.DB.Health(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready","error":"database unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	mux.Handle("GET /ws/stream/", deps.Gateway)
}
