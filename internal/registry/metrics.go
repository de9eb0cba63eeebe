package registry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type registryMetrics struct {
	operations metric.Int64Counter
}

func newRegistryMetrics(logger pslog.Logger) *registryMetrics {
	meter := otel.Meter("pkt.systems/staticd/registry")
	m := &registryMetrics{}
	var err error
	m.operations, err = meter.Int64Counter(
		"staticd.registry.operations",
		metric.WithDescription("Registration channel operations by outcome"),
	)
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "staticd.registry.operations", "error", err)
	}
	return m
}

func (m *registryMetrics) record(op, result string) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("staticd.registry.op", op),
		attribute.String("staticd.registry.result", result),
	))
}
