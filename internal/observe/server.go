package observe

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves a Registry's collectors on /metrics and a plain /health
// liveness probe. Grounded on the teacher's pack-sourced metrics server
// shape (NewServer/StartAsync/Stop), generalized to use slog and a
// caller-supplied Registry instead of the global default one.
type Server struct {
	server *http.Server
	log    *slog.Logger
}

// NewServer builds a metrics server listening on addr (e.g. ":9100").
func NewServer(addr string, reg *Registry, log *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		log:    log,
	}
}

// StartAsync starts the server in a background goroutine. Bind or accept
// errors are logged, not returned, matching the fire-and-forget shape
// callers expect from a sidecar metrics endpoint.
func (s *Server) StartAsync() {
	go func() {
		if err := s.ListenAndServe(); err != nil {
			s.log.Error("metrics server failed", "error", err)
		}
	}()
}

// ListenAndServe runs the metrics server on the calling goroutine, returning
// nil on a clean Stop-triggered shutdown. Callers that want the failure
// surfaced (e.g. an errgroup supervising it alongside other listeners)
// should call this directly instead of StartAsync.
func (s *Server) ListenAndServe() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
