package staticd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/provider"
)

// TestServer wraps a running staticd.Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	BaseURL  string
	Listener net.Addr
	Config   Config

	stop   func(context.Context) error
	cancel context.CancelFunc
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.logLine(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) logLine(entry string) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(msg, "Log in goroutine after") || strings.Contains(msg, "during concurrent Cleanups") {
				return
			}
			panic(r)
		}
	}()
	w.t.Log(entry)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewWithOptions(context.Background(), writer, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         level,
	}).With("app", "testserver")
}

type testServerOptions struct {
	cfg          Config
	cfgFuncs     []func(*Config)
	serverOpts   []Option
	logger       pslog.Logger
	startTimeout time.Duration
}

// TestServerOption customises NewTestServer/StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig provides an explicit Config to use. Missing fields are
// defaulted during validation, except Listen which defaults to 127.0.0.1:0.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc applies a mutation to the server configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.cfgFuncs = append(o.cfgFuncs, fn)
		}
	}
}

// WithTestSource sets the content source URL.
func WithTestSource(source string) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg.Source = source
	}
}

// WithTestListen overrides the listen addresses.
func WithTestListen(addrs ...string) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg.Listen = append([]string(nil), addrs...)
	}
}

// WithTestProvider injects a pre-built provider.
func WithTestProvider(p provider.Provider) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, WithProvider(p))
	}
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs to t at the supplied level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = NewTestingLogger(t, level)
	}
}

// WithTestStartTimeout overrides the wait timeout when starting the server.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// NewTestServer starts a staticd server on a loopback port. The default source
// is once://. Call Stop to clean up resources.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg:          Config{Source: "once://"},
		startTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	for _, fn := range options.cfgFuncs {
		fn(&cfg)
	}
	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{"127.0.0.1:0"}
	}
	serverOpts := append([]Option(nil), options.serverOpts...)
	if options.logger != nil {
		serverOpts = append(serverOpts, WithLogger(options.logger))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// The server lives until Stop; startCtx only bounds the readiness wait.
	ctxServer, cancelServer := context.WithCancel(context.Background())
	startCtx, cancelStart := context.WithTimeout(ctx, options.startTimeout)
	defer cancelStart()
	stopWatch := context.AfterFunc(startCtx, cancelServer)
	srv, stop, err := StartServer(ctxServer, cfg, serverOpts...)
	if !stopWatch() {
		if err == nil {
			_ = stop(context.Background())
			err = fmt.Errorf("test server start: %w", startCtx.Err())
		}
		return nil, err
	}
	if err != nil {
		cancelServer()
		return nil, err
	}
	addrs := srv.ListenerAddrs()
	if len(addrs) == 0 {
		_ = stop(context.Background())
		cancelServer()
		return nil, fmt.Errorf("test server has no listener")
	}
	return &TestServer{
		Server:   srv,
		BaseURL:  "http://" + addrs[0].String(),
		Listener: addrs[0],
		Config:   cfg,
		stop:     stop,
		cancel:   cancelServer,
	}, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	err := ts.stop(ctx)
	if ts.cancel != nil {
		ts.cancel()
	}
	return err
}

// URL returns the base URL joined with path.
func (ts *TestServer) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return ts.BaseURL + path
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	return ts.Listener
}

// Registrator returns the registration handle when the source is once://.
func (ts *TestServer) Registrator() (*provider.Registrator, bool) {
	return ts.Server.Registrator()
}
