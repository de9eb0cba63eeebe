package httpapi

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type httpMetrics struct {
	requests metric.Int64Counter
}

func newHTTPMetrics(logger pslog.Logger) *httpMetrics {
	meter := otel.Meter("pkt.systems/staticd/httpapi")
	m := &httpMetrics{}
	var err error
	m.requests, err = meter.Int64Counter(
		"staticd.http.requests",
		metric.WithDescription("Content requests by outcome"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "staticd.http.requests", "error", err)
	}
	return m
}

func (m *httpMetrics) record(ctx context.Context, outcome string) {
	if m == nil || m.requests == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("staticd.http.outcome", outcome)))
}
