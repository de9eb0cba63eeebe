package staticd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/version"
)

type telemetryConfig struct {
	otlpEndpoint           string
	metricsListen          string
	pprofListen            string
	enableProfilingMetrics bool
}

func (c telemetryConfig) enabled() bool {
	return c.otlpEndpoint != "" || c.metricsListen != "" || c.pprofListen != "" || c.enableProfilingMetrics
}

// telemetryBundle owns the exporters and debug listeners. Shutdown releases
// them in reverse order of creation.
type telemetryBundle struct {
	tracing      bool
	metricsAddr  net.Addr
	pprofAddr    net.Addr
	shutdownFns  []func(context.Context) error
	logger       pslog.Logger
	shutdownOnce sync.Once
	shutdownErr  error
}

func (t *telemetryBundle) push(fn func(context.Context) error) {
	t.shutdownFns = append(t.shutdownFns, fn)
}

func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.shutdownOnce.Do(func() {
		var errs []error
		for i := len(t.shutdownFns) - 1; i >= 0; i-- {
			if err := t.shutdownFns[i](ctx); err != nil {
				errs = append(errs, err)
				t.logger.Warn("telemetry.shutdown.failure", "error", err)
			}
		}
		t.shutdownErr = errors.Join(errs...)
		if t.shutdownErr == nil {
			t.logger.Info("telemetry.shutdown.complete")
		}
	})
	return t.shutdownErr
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

func setupTelemetry(ctx context.Context, cfg telemetryConfig, logger pslog.Logger) (bundle *telemetryBundle, err error) {
	cfg.otlpEndpoint = strings.TrimSpace(cfg.otlpEndpoint)
	cfg.metricsListen = strings.TrimSpace(cfg.metricsListen)
	cfg.pprofListen = strings.TrimSpace(cfg.pprofListen)
	if !cfg.enabled() {
		return nil, nil
	}
	if cfg.enableProfilingMetrics && cfg.metricsListen == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require metrics listen address")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("staticd"),
			semconv.ServiceVersion(version.Current()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	bundle = &telemetryBundle{logger: logger}
	defer func() {
		if err != nil {
			_ = bundle.Shutdown(ctx)
			bundle = nil
		}
	}()

	if cfg.otlpEndpoint != "" {
		target, err := resolveOTLPTarget(cfg.otlpEndpoint)
		if err != nil {
			return nil, err
		}
		exporter, err := newTraceExporter(ctx, target)
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(tp)
		bundle.tracing = true
		bundle.push(func(ctx context.Context) error {
			if err := tp.Shutdown(ctx); err != nil {
				return fmt.Errorf("trace shutdown: %w", err)
			}
			return nil
		})
		logger.Info("telemetry.tracing.enabled", "protocol", target.protocol, "endpoint", target.endpoint, "path", target.path, "insecure", target.insecure)
	}

	if cfg.metricsListen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(reg)}
		if cfg.enableProfilingMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
		otel.SetMeterProvider(mp)
		bundle.push(func(ctx context.Context) error {
			if err := mp.Shutdown(ctx); err != nil {
				return fmt.Errorf("metric shutdown: %w", err)
			}
			return nil
		})
		if cfg.enableProfilingMetrics {
			runtimeMetricsOnce.Do(func() {
				runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(mp))
			})
			if runtimeMetricsErr != nil {
				return nil, fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr)
			}
			logger.Info("profiling.metrics.enabled")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr, err := serveDebug(bundle, "metrics", cfg.metricsListen, mux, logger)
		if err != nil {
			return nil, err
		}
		bundle.metricsAddr = addr
		logger.Info("telemetry.metrics.enabled", "listen", addr.String())
	}

	if cfg.pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		addr, err := serveDebug(bundle, "pprof", cfg.pprofListen, mux, logger)
		if err != nil {
			return nil, err
		}
		bundle.pprofAddr = addr
		logger.Info("profiling.pprof.enabled", "listen", addr.String())
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return bundle, nil
}

// serveDebug starts a side listener and registers its shutdown on bundle.
func serveDebug(bundle *telemetryBundle, name, addr string, handler http.Handler, logger pslog.Logger) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: DefaultReadHeaderTimeout}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("telemetry.debug.serve_error", "listener", name, "error", err)
		}
	}()
	bundle.push(func(ctx context.Context) error {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server shutdown: %w", name, err)
		}
		return nil
	})
	return ln.Addr(), nil
}

type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

func newTraceExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	switch target.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (grpc): %w", err)
		}
		return exp, nil
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (http): %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
}

// resolveOTLPTarget accepts host[:port] (gRPC, plaintext) or a URL with one of
// the grpc, grpcs, http or https schemes.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		return otlpTarget{protocol: "grpc", endpoint: withDefaultPort(raw, "4317"), insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	host := u.Host
	if host == "" {
		host, u.Path = u.Path, ""
	}
	if host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	target := otlpTarget{path: strings.TrimSuffix(u.Path, "/")}
	switch strings.ToLower(u.Scheme) {
	case "grpc", "grpcs":
		target.protocol = "grpc"
		target.endpoint = withDefaultPort(host, "4317")
	case "http", "https":
		target.protocol = "http"
		target.endpoint = withDefaultPort(host, "4318")
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	target.insecure = !strings.HasSuffix(strings.ToLower(u.Scheme), "s")
	return target, nil
}

func withDefaultPort(host, port string) string {
	if strings.Contains(host, ":") {
		return host
	}
	return net.JoinHostPort(host, port)
}
