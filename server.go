package xatm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"pkt.systems/pslog"

	"pkt.systems/xatm/internal/clock"
	"pkt.systems/xatm/internal/config"
	"pkt.systems/xatm/internal/core"
	"pkt.systems/xatm/internal/httpapi"
	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/procwatch"
	"pkt.systems/xatm/internal/tmlog"
)

// Server wraps the HTTP listener, the transaction manager and the components
// feeding it.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	clock        clock.Clock
	log          tmlog.Log
	ownsLog      bool
	manager      *core.Manager
	sender       *httpapi.Sender
	procs        *procwatch.Watcher
	resources    *config.Watcher
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	telemetry    *telemetryBundle
	lastServeErr error

	runCancel context.CancelFunc
	bg        sync.WaitGroup

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
	Log          tmlog.Log
	Sender       core.Sender
	Supervisor   core.Supervisor
	OTLPEndpoint string
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

// WithLog injects an already opened transaction log. The caller keeps
// ownership and closes it.
func WithLog(l tmlog.Log) Option {
	return func(o *options) {
		o.Log = l
	}
}

// WithSender replaces the HTTP sender used to reach resource instances.
func WithSender(s core.Sender) Option {
	return func(o *options) {
		o.Sender = s
	}
}

// WithSupervisor replaces the instance supervisor.
func WithSupervisor(s core.Supervisor) Option {
	return func(o *options) {
		o.Supervisor = s
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs an xatm server according to cfg.
//
//	cfg := xatm.Config{Log: "disk:///var/lib/xatm/log", ResourceFile: "/etc/xatm/resources.yaml"}
//	srv, err := xatm.NewServer(cfg)
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}

	telemetry, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, logger.With("svc", "telemetry"))
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Server, error) {
		if telemetry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = telemetry.Shutdown(ctx)
		}
		return nil, err
	}

	resources, err := cfg.LoadResources()
	if err != nil {
		return fail(err)
	}

	txLog := o.Log
	ownsLog := false
	if txLog == nil {
		txLog, err = OpenLog(context.Background(), cfg, logger.With("svc", "tmlog"), serverClock)
		if err != nil {
			return fail(fmt.Errorf("open transaction log: %w", err))
		}
		ownsLog = true
	}
	closeLog := func() {
		if ownsLog {
			_ = txLog.Close()
		}
	}

	var sender *httpapi.Sender
	outbound := o.Sender
	if outbound == nil {
		sender = httpapi.NewSender(httpapi.SenderConfig{
			Logger:      logger,
			Timeout:     cfg.SendTimeout,
			MaxAttempts: cfg.SendMaxAttempts,
		})
		outbound = sender
	}
	supervisor := o.Supervisor
	if supervisor == nil {
		supervisor = NewInstanceSupervisor(logger, cfg.SignalInstances)
	}

	policy, _ := core.ParseRollbackPolicy(cfg.RollbackPolicy)
	coreCfg := core.Config{
		Logger:         logger,
		Clock:          serverClock,
		Log:            txLog,
		Resources:      resources,
		Sender:         outbound,
		Supervisor:     supervisor,
		BatchLimit:     cfg.BatchLimit,
		InboundBuffer:  cfg.InboundBuffer,
		RollbackPolicy: policy,
	}
	var procs *procwatch.Watcher
	if !cfg.DisableProcessWatch {
		procs = procwatch.New(procwatch.Config{Logger: logger, Interval: cfg.ProcessPollInterval})
		coreCfg.Watcher = procs
	}
	manager, err := core.New(coreCfg)
	if err != nil {
		closeLog()
		return fail(err)
	}
	if sender != nil {
		sender.Bind(manager)
	}

	var resourceWatcher *config.Watcher
	if cfg.WatchResources {
		resourceWatcher, err = config.NewWatcher(config.WatcherConfig{
			Path:    cfg.ResourceFile,
			Logger:  logger,
			Initial: resources,
		})
		if err != nil {
			if sender != nil {
				sender.Close()
			}
			closeLog()
			return fail(err)
		}
	}

	handler := httpapi.New(httpapi.Config{
		Manager:           manager,
		Logger:            logger,
		JSONMaxBytes:      cfg.JSONMaxBytes,
		EnableHTTPTracing: cfg.OTLPEndpoint != "",
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	maxStreams := cfg.HTTP2MaxConcurrentStreams
	if maxStreams == 0 {
		maxStreams = DefaultMaxConcurrentStreams
	}
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h2c.NewHandler(mux, &http2.Server{MaxConcurrentStreams: uint32(maxStreams)}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
		ErrorLog: log.New(serverErrorWriter{logger: logger.With("svc", "http")}, "", 0),
	}

	logger.Info("server.configured",
		"log", cfg.Log,
		"resources", len(resources),
		"watch_resources", cfg.WatchResources,
		"process_watch", procs != nil,
		"rollback_policy", policy.String(),
	)
	return &Server{
		cfg:       cfg,
		logger:    logger.With("svc", "server"),
		clock:     serverClock,
		log:       txLog,
		ownsLog:   ownsLog,
		manager:   manager,
		sender:    sender,
		procs:     procs,
		resources: resourceWatcher,
		httpSrv:   httpSrv,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}, nil
}

// Handler returns the underlying HTTP handler so the API can be mounted
// inside an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Manager exposes the transaction manager driving the server.
func (s *Server) Manager() *core.Manager {
	return s.manager
}

// Start runs the transaction manager and serves requests. It blocks until the
// server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	s.mu.Unlock()

	s.startBackground(runCtx)
	s.signalReady()
	s.logger.Info("listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())

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

func (s *Server) startBackground(ctx context.Context) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := s.manager.Run(ctx); err != nil {
			s.logger.Error("manager.stopped", "error", err)
			s.recordServeErr(err)
			// A dead manager cannot serve transactions; take the listener down.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
				defer cancel()
				_ = s.httpSrv.Shutdown(ctx)
			}()
		}
	}()
	if s.procs != nil {
		s.runComponent(ctx, "procwatch", func(ctx context.Context) error {
			return s.procs.Run(ctx, s.manager)
		})
	}
	if s.resources != nil {
		s.runComponent(ctx, "config.watch", func(ctx context.Context) error {
			return s.resources.Run(ctx, s.manager)
		})
	}
}

func (s *Server) runComponent(ctx context.Context, name string, fn func(context.Context) error) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, core.ErrStopped) && ctx.Err() == nil {
			s.logger.Warn("component.stopped", "component", name, "error", err)
		}
	}()
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancel := s.runCancel
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if cancel != nil {
		cancel()
	}
	s.bg.Wait()
	if s.sender != nil {
		s.sender.Close()
	}
	if s.ownsLog {
		if err := s.log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transaction log: %w", err))
		}
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
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	s.logger.Info("server.stopped")
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

// WaitUntilReady blocks until the listener is initialised or ctx ends. The
// manager may still be recovering; poll /readyz for transaction readiness.
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

// Snapshot returns the transaction manager's admin read model.
func (s *Server) Snapshot(ctx context.Context) (message.State, error) {
	return s.manager.Snapshot(ctx)
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	if s.lastServeErr == nil || errors.Is(s.lastServeErr, http.ErrServerClosed) {
		s.lastServeErr = err
	}
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the HTTP server or
// the transaction manager.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// serverErrorWriter forwards net/http's internal error log lines.
type serverErrorWriter struct {
	logger pslog.Logger
}

func (w serverErrorWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server_error", "detail", strings.TrimSpace(string(p)))
	return len(p), nil
}

// StartServer starts an xatm server in a background goroutine and waits until
// it is ready to accept connections. It returns the running server alongside
// a stop function that gracefully shuts it down.
//
//	srv, stop, err := xatm.StartServer(ctx, xatm.Config{Listen: "127.0.0.1:0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server exited before becoming ready")
		}
		return nil, nil, err
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
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
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
