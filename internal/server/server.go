package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"devtunnel/internal/config"
	"devtunnel/internal/constants"
	"devtunnel/internal/dashboard"
	"devtunnel/internal/exchange"
	"devtunnel/internal/metrics"
	"devtunnel/internal/security"
	"devtunnel/internal/session"
	"devtunnel/internal/status"
)

type Server struct {
	Config          *config.Config
	Registry        *session.Registry
	Exchange        *exchange.Exchange
	Metrics         *metrics.Collector
	Dashboard       *dashboard.Dashboard
	Publisher       status.Publisher
	Templates       *TemplateManager
	IPs             *security.IPResolver
	RegisterLimiter *security.RateLimiter
	PollLimiter     *security.ConnectionLimiter
	AuditLogger     *security.AuditLogger

	log zerolog.Logger
}

// NewServer wires the tunnel engine and its HTTP surface from cfg. The
// audit logger may be nil.
func NewServer(cfg *config.Config, log zerolog.Logger, audit *security.AuditLogger) (*Server, error) {
	return newServer(cfg, log, audit, nil, status.NewPublisher(cfg.Redis, log))
}

func newServer(cfg *config.Config, log zerolog.Logger, audit *security.AuditLogger,
	listen func(network, address string) (net.Listener, error), pub status.Publisher) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tm, err := NewTemplateManager(log)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	m := metrics.New()
	opts := session.OptionsFromConfig(cfg)
	opts.Listen = listen
	opts.Metrics = m
	opts.Logger = log
	registry := session.NewRegistry(opts)

	s := &Server{
		Config:   cfg,
		Registry: registry,
		Exchange: exchange.New(registry, exchange.Options{
			PollSlice:    cfg.PollSlice,
			PollAttempts: cfg.PollAttempts,
			Metrics:      m,
		}),
		Metrics:         m,
		Dashboard:       dashboard.New(registry, cfg.SweepInterval, log),
		Publisher:       pub,
		Templates:       tm,
		IPs:             security.NewIPResolver(cfg.TrustedProxies),
		RegisterLimiter: security.NewRateLimiter(cfg.RegisterRate, cfg.RegisterBurst),
		PollLimiter:     security.NewConnectionLimiter(cfg.MaxPollsPerIP),
		AuditLogger:     audit,
		log:             log,
	}
	return s, nil
}

// Router builds the HTTP routes. Status pages are compressed; the tunnel
// endpoints stream raw bytes and are left alone.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.log))
	r.Use(RecoveryMiddleware)
	r.Use(hlog.AccessHandler(func(r *http.Request, code, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", code).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))

	r.Get(constants.EndpointRegister, s.HandleRegister)
	r.Get(constants.EndpointClose, s.HandleClose)
	r.Get(constants.EndpointData, s.HandleData)
	r.Post(constants.EndpointData, s.HandleData)
	r.Handle(constants.EndpointMetrics, s.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(CorsMiddleware)
		r.Use(security.SecurityHeaders)
		r.Use(GzipMiddleware)
		r.Get(constants.EndpointRoot, s.HandleRoot)
		r.Get(constants.EndpointStatus, s.HandleStatus)
		r.Get(constants.EndpointStatusJSON, s.HandleStatusJSON)
		r.Get(constants.EndpointStatusWS, s.Dashboard.ServeHTTP)
	})
	return r
}

func (s *Server) httpServer() *http.Server {
	return &http.Server{
		Addr:              s.Config.Addr,
		Handler:           h2c.NewHandler(s.Router(), &http2.Server{}),
		IdleTimeout:       constants.IdleTimeout,
		ReadHeaderTimeout: constants.ReadHeaderTimeout,
		MaxHeaderBytes:    constants.MaxHeaderBytes,
	}
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Config.Addr)
	if err != nil {
		s.Cleanup()
		return fmt.Errorf("listen %s: %w", s.Config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the background workers and the HTTP server on ln, then shuts
// everything down once ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	bg, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.Registry.Run(bg)
	go s.Dashboard.Run(bg)
	go s.RegisterLimiter.Run(bg, time.Minute)
	go status.Mirror(bg, s.Registry, s.Publisher, constants.StatusMirrorEvery, s.log)

	server := s.httpServer()
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	s.log.Info().Msg("🌐 HTTP mode (HTTP/2 enabled)")
	s.log.Info().Msgf("🚀 %s server starting on %s, tunnel ports %s", constants.AppName, ln.Addr(), s.Config.Ports)

	select {
	case err := <-errCh:
		s.Cleanup()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
	}

	s.log.Info().Msg("🛑 Shutting down server...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("Server forced to shutdown")
		_ = server.Close()
	}

	s.Cleanup()
	s.log.Info().Msg("✅ Server stopped")
	return nil
}

// Cleanup releases every session port and closes the outputs.
func (s *Server) Cleanup() {
	s.Registry.Shutdown()
	if err := s.Publisher.Close(); err != nil {
		s.log.Warn().Err(err).Msg("status mirror close failed")
	}
	if err := s.AuditLogger.Close(); err != nil {
		s.log.Warn().Err(err).Msg("audit log close failed")
	}
}
