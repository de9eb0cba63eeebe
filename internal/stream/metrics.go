package stream

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type poolMetrics struct {
	jobs   metric.Int64Counter
	bytes  metric.Int64Counter
	active metric.Int64UpDownCounter
}

func newPoolMetrics(logger pslog.Logger) *poolMetrics {
	meter := otel.Meter("pkt.systems/staticd/stream")
	m := &poolMetrics{}
	var err error

	m.jobs, err = meter.Int64Counter(
		"staticd.stream.jobs",
		metric.WithDescription("Streaming jobs by result"),
	)
	logMetricInitError(logger, "staticd.stream.jobs", err)

	m.bytes, err = meter.Int64Counter(
		"staticd.stream.bytes",
		metric.WithDescription("Bytes forwarded to response bodies"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "staticd.stream.bytes", err)

	m.active, err = meter.Int64UpDownCounter(
		"staticd.stream.active",
		metric.WithDescription("Jobs currently draining a source"),
	)
	logMetricInitError(logger, "staticd.stream.active", err)

	return m
}

func (m *poolMetrics) recordJob(ctx context.Context, result string) {
	if m == nil || m.jobs == nil {
		return
	}
	m.jobs.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("staticd.stream.result", result)))
}

func (m *poolMetrics) addBytes(ctx context.Context, n int64) {
	if m == nil || m.bytes == nil {
		return
	}
	m.bytes.Add(metricContext(ctx), n)
}

func (m *poolMetrics) addActive(ctx context.Context, delta int64) {
	if m == nil || m.active == nil {
		return
	}
	m.active.Add(metricContext(ctx), delta)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
