package voicelease

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"pkt.systems/pslog"

	"pkt.systems/voicelease/internal/admission"
	"pkt.systems/voicelease/internal/clock"
	"pkt.systems/voicelease/internal/httpapi"
	"pkt.systems/voicelease/internal/identity"
	"pkt.systems/voicelease/internal/loggingutil"
	"pkt.systems/voicelease/internal/notify"
	"pkt.systems/voicelease/internal/svcfields"
)

// Server wires the admission controller, the event fan-out and the HTTP API.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	controller   *admission.Controller
	fanout       *notify.Fanout
	hub          *notify.Hub
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	tokens       *tokenFile
	telemetry    *telemetryBundle
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	OTLPEndpoint string
	Sinks        []notify.Sink
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithNotifySink adds an event sink next to the configured ones.
func WithNotifySink(s notify.Sink) Option {
	return func(o *options) {
		o.Sinks = append(o.Sinks, s)
	}
}

// NewServer constructs a server according to cfg.
//
//	srv, err := voicelease.NewServer(voicelease.Config{Listen: ":8787", AdminToken: "s3cret"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	var cleanup []func()
	fail := func(err error) (*Server, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		return nil, err
	}

	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), telemetryConfig{
		otlpEndpoint:     otlpEndpoint,
		metricsListen:    cfg.MetricsListen,
		pprofListen:      cfg.PprofListen,
		profilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	if telemetry != nil {
		cleanup = append(cleanup, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = telemetry.Shutdown(ctx)
		})
	}

	hub := notify.NewHub(logger, notify.WithOriginPatterns(cfg.AllowedOrigins...))
	sinks := []notify.Sink{hub}
	if cfg.LogEvents {
		sinks = append(sinks, notify.NewLogSink(logger))
	}
	var lastEvents httpapi.LastEventSource
	if url := strings.TrimSpace(cfg.NATSURL); url != "" {
		sink, err := notify.NewNATSSink(url, cfg.NATSSubject)
		if err != nil {
			return fail(err)
		}
		cleanup = append(cleanup, func() { _ = sink.Close() })
		sinks = append(sinks, sink)
		logger.Info("notify.nats.enabled", "subject", cfg.NATSSubject)
	}
	if url := strings.TrimSpace(cfg.RedisURL); url != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		sink, err := notify.NewRedisSink(ctx, url, cfg.RedisChannel)
		cancel()
		if err != nil {
			return fail(err)
		}
		cleanup = append(cleanup, func() { _ = sink.Close() })
		sinks = append(sinks, sink)
		lastEvents = sink
		logger.Info("notify.redis.enabled", "channel", cfg.RedisChannel)
	}
	sinks = append(sinks, o.Sinks...)
	fanout := notify.NewFanout(logger, cfg.NotifyBuffer, sinks...)
	cleanup = append(cleanup, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = fanout.Close(ctx)
	})

	controller, err := admission.New(cfg.admissionConfig(clk, logger, fanout))
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, controller.Close)

	var tokens httpapi.TokenSource = httpapi.StaticToken(cfg.AdminToken)
	var tf *tokenFile
	if cfg.AdminTokenFile != "" {
		tf, err = openTokenFile(cfg.AdminTokenFile, svcfields.WithSubsystem(logger, "server.admin_token"))
		if err != nil {
			return fail(err)
		}
		cleanup = append(cleanup, func() { _ = tf.Close() })
		tokens = tf
	}
	if cfg.AdminToken == "" && tf == nil {
		logger.Warn("admin.disabled", "impact", "forceEndAll is rejected until an admin token is configured")
	}

	var signer *identity.Signer
	if cfg.JWTSecret != "" {
		signer, err = identity.NewSigner([]byte(cfg.JWTSecret), clk.Now)
		if err != nil {
			return fail(err)
		}
	}

	s := &Server{
		cfg:        cfg,
		logger:     svcfields.WithSubsystem(logger, "server"),
		controller: controller,
		fanout:     fanout,
		hub:        hub,
		tokens:     tf,
		telemetry:  telemetry,
		readyCh:    make(chan struct{}),
	}
	handler, err := httpapi.New(httpapi.Config{
		Controller:         controller,
		Hub:                hub,
		LastEvents:         lastEvents,
		Identity:           signer,
		AdminToken:         tokens,
		Logger:             logger,
		Ready:              s.isReady,
		TracingEnabled:     telemetry != nil && telemetry.tracerProvider != nil,
		OccupiedRetryAfter: cfg.OccupiedRetryAfter,
	})
	if err != nil {
		return fail(err)
	}
	s.handler = handler
	s.httpSrv = &http.Server{
		Handler:           handler.Router(cfg.RequestTimeout),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(errorLogWriter{logger: svcfields.WithSubsystem(logger, "server.http")}, "", 0),
	}
	return s, nil
}

type errorLogWriter struct {
	logger pslog.Logger
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "message", strings.TrimSpace(string(p)))
	return len(p), nil
}

// Handler returns the HTTP handler so the API can be mounted inside an
// existing mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Controller exposes the admission controller for embedding programs.
func (s *Server) Controller() *admission.Controller {
	return s.controller
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("listening",
		"address", ln.Addr().String(),
		"max_concurrent", s.cfg.MaxConcurrent,
		"lease_duration", s.cfg.LeaseDuration,
		"max_connections", s.cfg.MaxConnections,
	)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server. Active websocket streams are closed
// first since the HTTP server does not wait for hijacked connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	_ = s.hub.Close()
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.controller.Close()
	if err := s.fanout.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("notify shutdown: %w", err))
	}
	if s.tokens != nil {
		_ = s.tokens.Close()
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	delivered, dropped, failed := s.fanout.Stats()
	s.logger.Info("shutdown.complete", "events_delivered", delivered, "events_dropped", dropped, "events_failed", failed)
	return errors.Join(errs...)
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

func (s *Server) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil && !s.shutdown
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying
// HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background and returns it with a stop
// function once the listener is ready. Cancelling ctx also stops it.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return startServer(ctx, ctx, cfg, opts...)
}

// startServer waits for readiness under waitCtx and ties the server
// lifetime to ctx.
func startServer(ctx, waitCtx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx, cancelWait := context.WithCancel(waitCtx)
	defer cancelWait()
	readyErr := make(chan error, 1)
	go func() { readyErr <- srv.WaitUntilReady(waitCtx) }()
	select {
	case err := <-readyErr:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			<-errCh
			return nil, nil, err
		}
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
