package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/xatm/internal/message"
)

type coreMetrics struct {
	transactions     metric.Int64Counter
	txnDuration      metric.Int64Histogram
	resourceRequests metric.Int64Counter
	resourceFailures metric.Int64Counter
	pendingDeferred  metric.Int64Counter
	logSyncDuration  metric.Int64Histogram
	batchSize        metric.Int64Histogram
}

func newCoreMetrics(logger pslog.Logger) *coreMetrics {
	meter := otel.Meter("pkt.systems/xatm/core")
	m := &coreMetrics{}
	var err error

	m.transactions, err = meter.Int64Counter(
		"xatm.tm.transactions",
		metric.WithDescription("Transactions by outcome"),
	)
	logMetricInitError(logger, "xatm.tm.transactions", err)

	m.txnDuration, err = meter.Int64Histogram(
		"xatm.tm.transaction.duration_ms",
		metric.WithDescription("Time from begin to outcome"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "xatm.tm.transaction.duration_ms", err)

	m.resourceRequests, err = meter.Int64Counter(
		"xatm.tm.resource.requests",
		metric.WithDescription("Resource requests dispatched"),
	)
	logMetricInitError(logger, "xatm.tm.resource.requests", err)

	m.resourceFailures, err = meter.Int64Counter(
		"xatm.tm.resource.failures",
		metric.WithDescription("Resource requests resolved by failure instead of a reply"),
	)
	logMetricInitError(logger, "xatm.tm.resource.failures", err)

	m.pendingDeferred, err = meter.Int64Counter(
		"xatm.tm.pending.deferred",
		metric.WithDescription("Resource requests deferred for lack of an idle instance"),
	)
	logMetricInitError(logger, "xatm.tm.pending.deferred", err)

	m.logSyncDuration, err = meter.Int64Histogram(
		"xatm.tm.log.sync.duration_ms",
		metric.WithDescription("Time spent making log entries durable"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "xatm.tm.log.sync.duration_ms", err)

	m.batchSize, err = meter.Int64Histogram(
		"xatm.tm.batch.size",
		metric.WithDescription("Inbound messages handled per dispatch batch"),
	)
	logMetricInitError(logger, "xatm.tm.batch.size", err)

	return m
}

func (m *coreMetrics) recordOutcome(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil || m.transactions == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("xatm.tm.outcome", outcome))
	m.transactions.Add(ctx, 1, attrs)
	if m.txnDuration != nil && duration > 0 {
		m.txnDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *coreMetrics) recordRequest(ctx context.Context, kind message.Kind, deferred bool) {
	if m == nil || m.resourceRequests == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("xatm.tm.kind", kind.String()))
	m.resourceRequests.Add(ctx, 1, attrs)
	if deferred && m.pendingDeferred != nil {
		m.pendingDeferred.Add(ctx, 1, attrs)
	}
}

func (m *coreMetrics) recordFailure(ctx context.Context, kind message.Kind, reason string) {
	if m == nil || m.resourceFailures == nil {
		return
	}
	ctx = metricContext(ctx)
	m.resourceFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("xatm.tm.kind", kind.String()),
		attribute.String("xatm.tm.failure_reason", reason),
	))
}

func (m *coreMetrics) recordSync(ctx context.Context, duration time.Duration, result string) {
	if m == nil || m.logSyncDuration == nil {
		return
	}
	ctx = metricContext(ctx)
	m.logSyncDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attribute.String("xatm.tm.result", result)))
}

func (m *coreMetrics) recordBatch(ctx context.Context, size int) {
	if m == nil || m.batchSize == nil {
		return
	}
	m.batchSize.Record(metricContext(ctx), int64(size))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
