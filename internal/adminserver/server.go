package adminserver

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/hatstore/internal/metrics"
	"github.com/prn-tf/hatstore/internal/middleware"
)

// Config configures the admin HTTP surface.
type Config struct {
	Addr            string
	Health          HealthCheckerConfig
	RateLimit       middleware.RateLimiterConfig
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the admin/ops HTTP surface: health, readiness, liveness,
// and Prometheus metrics, fronted by tracing, metrics and rate-limit
// middleware in the teacher's layering order (tracing outermost, then
// the metrics middleware, then rate limiting, then the handler).
type Server struct {
	httpServer      *http.Server
	rateLimiter     *middleware.RateLimiter
	logger          zerolog.Logger
	shutdownTimeout time.Duration
}

// New builds the admin server's mux and middleware chain but does not
// start listening; call ListenAndServe to do that.
func New(cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "adminserver").Logger()

	health := NewHealthChecker(cfg.Health)
	tracing := middleware.NewTracing(m, logger)
	metricsMW := middleware.NewMetricsMiddleware(m)

	rlCfg := cfg.RateLimit
	if rlCfg == (middleware.RateLimiterConfig{}) {
		rlCfg = middleware.DefaultRateLimiterConfig()
	}
	rateLimiter := middleware.NewRateLimiter(rlCfg, m, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", health.HandleLiveness)
	mux.HandleFunc("/readyz", health.HandleReadiness)
	mux.HandleFunc("/healthz", health.HandleHealth)
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}

	chain := tracing.Middleware(metricsMW.Middleware(rateLimiter.Middleware(mux)))

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 5 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 10 * time.Second
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      chain,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		rateLimiter:     rateLimiter,
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
	}
}

// ListenAndServe starts serving until the server is shut down or a
// fatal listener error occurs; it never returns http.ErrServerClosed.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("admin server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and the rate limiter's
// background cleanup goroutine.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	s.rateLimiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
