// Package httpapi is the request handler: GET-only retrieval of path keys from
// a provider, writing blobs directly and handing streamable sources to the
// streaming worker pool.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/content"
	"pkt.systems/staticd/internal/correlation"
	"pkt.systems/staticd/internal/provider"
	"pkt.systems/staticd/internal/stream"
	"pkt.systems/staticd/internal/svcfields"
	"pkt.systems/staticd/internal/uuidv7"
)

const headerRequestID = "X-Request-Id"

// Config wires a Handler.
type Config struct {
	Provider provider.Provider
	Pool     *stream.Pool
	Logger   pslog.Logger
	// TracingEnabled wraps the handler with otelhttp.
	TracingEnabled bool
}

// Handler serves content over HTTP.
type Handler struct {
	provider provider.Provider
	pool     *stream.Pool
	logger   pslog.Logger
	metrics  *httpMetrics
	tracing  bool
	root     http.Handler
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New builds a Handler. cfg.Provider and cfg.Pool are required.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	h := &Handler{
		provider: cfg.Provider,
		pool:     cfg.Pool,
		logger:   logger,
		metrics:  newHTTPMetrics(logger),
		tracing:  cfg.TracingEnabled,
	}
	h.root = h.wrap("content.get", h.handleContent)
	return h
}

// Register mounts the handler on every path of mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/", h.root)
}

// ServeHTTP implements http.Handler without a mux in front.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := svcfields.Subsystem(svcfields.HTTP, operation)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuidv7.FromHeader(r.Header.Get(headerRequestID))
		w.Header().Set(headerRequestID, reqID)
		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(correlation.With(ctx, reqID), logger)
		if h.tracing {
			trace.SpanFromContext(ctx).SetAttributes(
				attribute.String("staticd.operation", operation),
				attribute.String("staticd.req_id", reqID),
			)
		}
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, "staticd.http."+operation,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) handleContent(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	if r.Method != http.MethodGet {
		h.metrics.record(ctx, "method_not_allowed")
		w.Header().Set("Allow", http.MethodGet)
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: r.Method + " is not supported"}
	}
	if !strings.HasPrefix(r.URL.Path, "/") {
		h.metrics.record(ctx, "bad_request")
		return httpError{Status: http.StatusBadRequest, Code: "invalid_target", Detail: "request target must be an absolute path"}
	}
	key := content.NormalizeKey(r.URL.Path)
	outcome, err := h.provider.Find(ctx, key)
	if err != nil {
		h.metrics.record(ctx, "error")
		if provider.IsLost(err) {
			return httpError{Status: http.StatusInternalServerError, Code: "provider_lost", Detail: "content provider is unavailable", cause: err}
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			pslog.LoggerFromContext(ctx).Debug("http.request.canceled", "key", key)
			return nil
		}
		return err
	}
	if h.tracing {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("staticd.key", key),
			attribute.String("staticd.outcome", outcome.Kind.String()),
		)
	}
	switch outcome.Kind {
	case provider.BlobKind:
		return h.writeBlob(w, r, outcome.Blob)
	case provider.Streamable:
		return h.writeStream(w, r, key, outcome)
	default:
		h.metrics.record(ctx, "not_found")
		w.WriteHeader(http.StatusNotFound)
		return nil
	}
}

func (h *Handler) writeBlob(w http.ResponseWriter, r *http.Request, blob *content.Blob) error {
	ctx := r.Context()
	header := w.Header()
	header.Set("ETag", blob.ETag)
	if etagMatches(r.Header.Get("If-None-Match"), blob.ETag) {
		h.metrics.record(ctx, "not_modified")
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	header.Set("Content-Type", blob.MIME)
	header.Set("Content-Length", strconv.FormatInt(blob.Size(), 10))
	w.WriteHeader(http.StatusOK)
	h.metrics.record(ctx, "blob")
	if _, err := w.Write(blob.Data); err != nil {
		pslog.LoggerFromContext(ctx).Debug("http.response.write_failed", "key", blob.Key, "error", err)
	}
	return nil
}

func (h *Handler) writeStream(w http.ResponseWriter, r *http.Request, key string, outcome provider.Outcome) error {
	ctx := r.Context()
	logger := pslog.LoggerFromContext(ctx)
	body, err := h.pool.Stream(ctx, key, outcome.Source)
	if err != nil {
		h.metrics.record(ctx, "error")
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Debug("http.request.canceled", "key", key)
			return nil
		}
		return httpError{Status: http.StatusInternalServerError, Code: "enqueue_failed", Detail: "stream could not be scheduled", cause: err}
	}
	defer body.Close()
	w.Header().Set("Content-Type", content.InferMIME(key))
	w.WriteHeader(http.StatusOK)
	// Commit the status now; net/http would otherwise hold it until the first
	// chunk arrives.
	if err := http.NewResponseController(w).Flush(); err != nil {
		logger.Debug("http.stream.flush_failed", "key", key, "error", err)
	}
	n, err := body.WriteTo(w)
	switch {
	case err == nil:
		h.metrics.record(ctx, "stream")
		logger.Debug("http.stream.complete", "key", key, "bytes", n)
		return nil
	case errors.Is(err, stream.ErrStreamCorrupted):
		h.metrics.record(ctx, "aborted")
		logger.Warn("http.stream.corrupted", "key", key, "bytes", n, "error", err)
		panic(http.ErrAbortHandler)
	default:
		h.metrics.record(ctx, "aborted")
		logger.Debug("http.stream.client_gone", "key", key, "bytes", n, "error", err)
		return nil
	}
}

func etagMatches(header, etag string) bool {
	header = strings.TrimSpace(header)
	if header == "" || etag == "" {
		return false
	}
	if header == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}
