// Package server builds the HTTP surface: a chi router with request id,
// logging, recovery and OpenTelemetry middleware.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server wraps the router and its listener lifecycle.
type Server struct {
	Router *chi.Mux
	http   *http.Server
	logger *slog.Logger
}

// New assembles the middleware chain. No global timeout middleware is
// applied: the SSE route holds connections open indefinitely.
func New(port int, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(WithRequestID)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "cody-stream")
	})

	return &Server{
		Router: r,
		http:   &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: r},
		logger: logger,
	}
}

// Start listens until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
