// Package server exposes the signing service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/georgepadayatti/docseal/config"
	"github.com/georgepadayatti/docseal/metrics"
	"github.com/georgepadayatti/docseal/sign"
	"github.com/georgepadayatti/docseal/sign/timestamps"
)

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server routes HTTP requests to a sign.Service.
type Server struct {
	svc     *sign.Service
	cfg     config.ServerConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	health  Pinger
	tsa     http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the base request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics instruments requests and mounts /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealthCheck makes /healthz ping p.
func WithHealthCheck(p Pinger) Option {
	return func(s *Server) { s.health = p }
}

// WithTimestampAuthority mounts h at /tsa.
func WithTimestampAuthority(h http.Handler) Option {
	return func(s *Server) { s.tsa = h }
}

// New creates a Server.
func New(svc *sign.Service, cfg config.ServerConfig, opts ...Option) *Server {
	cfg.SetDefaults()
	s := &Server{svc: svc, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromConfig creates a Server and, when cfg.Server.DevTSA is set, a
// development timestamp authority mounted at /tsa.
func NewFromConfig(svc *sign.Service, cfg *config.AppConfig, logger *zap.Logger, m *metrics.Metrics, health Pinger) (*Server, error) {
	cfg.SetDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []Option{WithLogger(logger), WithMetrics(m), WithHealthCheck(health)}
	if cfg.Server.DevTSA {
		authority, err := timestamps.NewDevelopmentAuthority(cfg.Signing.Platform + " Development TSA")
		if err != nil {
			return nil, fmt.Errorf("failed to create development TSA: %w", err)
		}
		opts = append(opts, WithTimestampAuthority(authority))
	}
	return New(svc, *cfg.Server, opts...), nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(instrument(s.metrics))

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	if s.tsa != nil {
		r.Handle("/tsa", s.tsa)
	}

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(newIPLimiter(s.cfg.RateLimit, s.cfg.RateBurst).middleware)
		}
		r.Post("/verify", s.handleVerify)
		r.Get("/signers/{signerID}/certificate", s.handleCertificate)
		r.Get("/signers/{signerID}/jwk", s.handleJWK)

		r.Group(func(r chi.Router) {
			if s.cfg.JWTSecret != "" {
				r.Use(authenticate([]byte(s.cfg.JWTSecret), s.cfg.JWTIssuer))
			}
			r.Post("/sign", s.handleSign)
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	if s.cfg.JWTSecret == "" {
		s.logger.Warn("server.jwt-secret is not set; /v1/sign accepts any signerId without authentication",
			zap.String("addr", s.cfg.Addr),
			zap.Bool("loopback", isLoopback(s.cfg.Addr)),
		)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
