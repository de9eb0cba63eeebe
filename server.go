package staticd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/content"
	"pkt.systems/staticd/internal/content/folder"
	"pkt.systems/staticd/internal/httpapi"
	"pkt.systems/staticd/internal/provider"
	"pkt.systems/staticd/internal/stream"
	"pkt.systems/staticd/internal/svcfields"
	"pkt.systems/staticd/internal/tftpserve"
)

// ErrServerClosed is returned by Start and Share once Shutdown has begun.
var ErrServerClosed = errors.New("staticd: server closed")

// Server owns one provider and one stream pool and serves them on any number
// of listeners.
type Server struct {
	cfg         Config
	base        pslog.Logger
	logger      pslog.Logger
	provider    provider.Provider
	registrator *provider.Registrator
	pool        *stream.Pool
	handler     http.Handler
	tftp        *tftpserve.Server
	telemetry   *telemetryBundle

	watchCancel context.CancelFunc
	watchDone   chan struct{}

	mu       sync.Mutex
	started  bool
	shutdown bool
	workers  []*Worker

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Provider     provider.Provider
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithProvider injects a ready provider instead of building one from
// cfg.Source. The server takes ownership and closes it on Shutdown.
func WithProvider(p provider.Provider) Option {
	return func(o *options) {
		o.Provider = p
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer validates cfg and assembles the provider, stream pool and request
// handler. Nothing is bound until Start or Share.
// Example:
//
//	cfg := staticd.Config{Listen: []string{":8080"}, Source: "dir:///srv/www"}
//	srv, err := staticd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverLogger := svcfields.WithSubsystem(logger, svcfields.Server)
	ctx := pslog.ContextWithLogger(context.Background(), logger)

	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(ctx, telemetryConfig{
		otlpEndpoint:           otlpEndpoint,
		metricsListen:          cfg.MetricsListen,
		pprofListen:            cfg.PprofListen,
		enableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, svcfields.Telemetry))
	if err != nil {
		return nil, err
	}
	shutdownTelemetry := func() {
		if telemetry == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}

	s := &Server{
		cfg:       cfg,
		base:      logger,
		logger:    serverLogger,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}
	var watch *FolderConfig
	if o.Provider != nil {
		s.provider = o.Provider
	} else {
		built, err := openProvider(ctx, cfg, logger)
		if err != nil {
			shutdownTelemetry()
			return nil, err
		}
		s.provider = built.provider
		s.registrator = built.registrator
		watch = built.watch
	}
	serverLogger.Info("server.provider.ready", "variant", s.provider.Variant(), "source", cfg.Source)
	if static, ok := s.provider.(*provider.Static); ok && cfg.MemoryCheck {
		checkStoreMemory(ctx, static.Store(), cfg.MemoryWarnRatio, serverLogger)
	}

	s.pool = stream.NewPool(stream.Config{
		ChunkSize:      cfg.ChunkSize,
		QueueSize:      cfg.StreamQueue,
		MaxActive:      cfg.StreamMaxActive,
		EnqueueTimeout: cfg.EnqueueTimeout,
	}, stream.WithLogger(logger))
	s.handler = httpapi.New(httpapi.Config{
		Provider:       s.provider,
		Pool:           s.pool,
		Logger:         logger,
		TracingEnabled: telemetry != nil && telemetry.tracing,
	})
	if cfg.TFTPListen != "" {
		s.tftp = tftpserve.New(tftpserve.Config{
			Provider: s.provider,
			Pool:     s.pool,
			Logger:   logger,
			Timeout:  cfg.TFTPTimeout,
		})
	}
	if watch != nil {
		s.startWatch(*watch, svcfields.WithSubsystem(logger, svcfields.Watch))
	}
	return s, nil
}

func (s *Server) startWatch(fcfg FolderConfig, logger pslog.Logger) {
	static, ok := s.provider.(*provider.Static)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(pslog.ContextWithLogger(context.Background(), logger))
	s.watchCancel = cancel
	s.watchDone = make(chan struct{})
	opts := folder.WatchOptions{
		Options:  folder.Options{MaxBytes: s.cfg.MaxContentBytes, Logger: logger},
		Debounce: fcfg.Debounce,
	}
	go func() {
		defer close(s.watchDone)
		err := folder.Watch(ctx, fcfg.Dir, opts, func(store *content.Store) {
			static.Swap(store)
			if s.cfg.MemoryCheck {
				checkStoreMemory(ctx, store, s.cfg.MemoryWarnRatio, s.logger)
			}
		})
		if err != nil {
			s.logger.Error("server.watch.failed", "root", fcfg.Dir, "error", err)
		}
	}()
}

// Handler returns the request handler so the content can be mounted inside an
// existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Provider returns the content provider shared by every listener.
func (s *Server) Provider() provider.Provider {
	return s.provider
}

// Registrator returns the registration handle of a once:// server.
func (s *Server) Registrator() (*provider.Registrator, bool) {
	return s.registrator, s.registrator != nil
}

// Start binds every configured listen address, plus the TFTP listener when
// configured, and blocks until all of those listeners have stopped. Workers
// added later with Share are not waited for.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("staticd: server already started")
	}
	s.started = true
	s.mu.Unlock()

	initial := make([]*Worker, 0, len(s.cfg.Listen))
	for _, addr := range s.cfg.Listen {
		w, err := s.Share(addr)
		if err != nil {
			for _, bound := range initial {
				_ = bound.Close()
			}
			return err
		}
		initial = append(initial, w)
	}
	if s.tftp != nil {
		if err := s.tftp.Start(s.cfg.TFTPListen); err != nil {
			for _, bound := range initial {
				_ = bound.Close()
			}
			return err
		}
	}
	s.signalReady()
	s.logger.Info("server.started", "listeners", len(initial), "variant", s.provider.Variant())

	var errs []error
	for _, w := range initial {
		<-w.Done()
		if err := w.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Share binds one more listener over the same provider and pool. The returned
// Worker serves until it is closed or the server shuts down.
func (s *Server) Share(addr string) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil, ErrServerClosed
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen (tcp %s): %w", addr, err)
	}
	w := newWorker(s, ln)
	s.workers = append(s.workers, w)
	go w.serve()
	return w, nil
}

func (s *Server) forget(w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.workers {
		if candidate == w {
			s.workers = append(s.workers[:i], s.workers[i+1:]...)
			return
		}
	}
}

// Workers returns the workers currently serving.
func (s *Server) Workers() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Worker, len(s.workers))
	copy(out, s.workers)
	return out
}

// ListenerAddrs returns the addresses of every serving worker.
func (s *Server) ListenerAddrs() []net.Addr {
	workers := s.Workers()
	addrs := make([]net.Addr, 0, len(workers))
	for _, w := range workers {
		addrs = append(addrs, w.Addr())
	}
	return addrs
}

// TFTPAddr returns the bound TFTP address, or nil when TFTP is disabled.
func (s *Server) TFTPAddr() net.Addr {
	if s.tftp == nil {
		return nil
	}
	return s.tftp.Addr()
}

// Shutdown stops every worker, the TFTP listener and the folder watcher, then
// closes the stream pool, the provider and telemetry. Failures are joined.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	workers := make([]*Worker, len(s.workers))
	copy(workers, s.workers)
	s.mu.Unlock()
	s.signalReady()

	var errs []error
	for _, w := range workers {
		if err := w.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.tftp != nil {
		s.tftp.Shutdown()
	}
	if s.watchCancel != nil {
		s.watchCancel()
		<-s.watchDone
	}
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("provider close: %w", err))
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
	}
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("server.shutdown.error", "error", err)
	} else {
		s.logger.Info("server.shutdown.complete")
	}
	return err
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

// WaitUntilReady blocks until the configured listeners are bound or context
// ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartServer starts a server in the background and waits until it is ready.
// It returns the server and a stop function that performs graceful shutdown.
// Example:
//
//	srv, stop, err := staticd.StartServer(ctx, cfg)
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
			err = ErrServerClosed
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
			if err := <-errCh; err != nil && !errors.Is(err, ErrServerClosed) {
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
