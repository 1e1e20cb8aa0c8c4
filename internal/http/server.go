// Package http serves the Prometheus metrics and health endpoints of a
// playback session.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmylchreest/abrplay/internal/http/middleware"
	"github.com/jmylchreest/abrplay/internal/observability"
	"github.com/jmylchreest/abrplay/internal/version"
)

// ServerConfig holds metrics server configuration.
type ServerConfig struct {
	// Listen is the host:port to bind to.
	Listen string
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration to wait for active connections to close.
	ShutdownTimeout time.Duration
	// Gatherer is scraped on /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// DefaultServerConfig returns a ServerConfig listening on listen.
func DefaultServerConfig(listen string) ServerConfig {
	return ServerConfig{
		Listen:          listen,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server exposes /metrics, /healthz and /version.
type Server struct {
	config     ServerConfig
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a server. Nothing listens until Serve.
func NewServer(config ServerConfig, logger *slog.Logger) *Server {
	logger = observability.WithComponent(observability.OrDefault(logger), "metrics_server")

	gatherer := config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.Logging(logger))
	router.Use(middleware.Recovery(logger))

	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	router.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintln(w, version.String())
	})

	return &Server{
		config: config,
		router: router,
		logger: logger,
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until ctx is canceled, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}

	s.logger.Info("serving metrics", slog.String("address", ln.Addr().String()))

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving metrics: %w", err)
	}
}

// ListenAndServe binds the configured address and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down metrics server: %w", err)
	}
	s.logger.Debug("metrics server stopped")
	return nil
}
