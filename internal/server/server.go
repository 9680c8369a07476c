package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"transitdata/internal/handler"
)

// Server is the subscriber-facing HTTP server.
type Server struct {
	mux    *http.ServeMux
	port   int
	logger *slog.Logger
	ready  chan struct{} // closed once static data is loaded
}

// New creates a Server with all routes registered.
func New(port int, h *handler.Handler, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{mux: mux, port: port, logger: logger, ready: make(chan struct{})}

	mux.HandleFunc("GET /healthz", h.Health)

	// Latest payloads
	mux.HandleFunc("GET /realtime/current_timestamp", h.CurrentTimestamp)
	mux.HandleFunc("GET /realtime/data_full", h.DataFull)
	mux.HandleFunc("GET /realtime/data_diffs", h.DiffList)
	mux.HandleFunc("GET /realtime/data_diffs/{timestamp}", h.DataDiff)

	// SSE
	mux.HandleFunc("GET /sse/updates", h.SSEUpdates)

	return s
}

// SetReady signals that static data is available.
func (s *Server) SetReady() {
	select {
	case <-s.ready:
		// already closed
	default:
		close(s.ready)
	}
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return withMiddleware(s.mux, s.logger, s.ready)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
