package admission

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type admissionMetrics struct {
	claimCount    metric.Int64Counter
	releaseCount  metric.Int64Counter
	drainCount    metric.Int64Counter
	queueTimeouts metric.Int64Counter
	activeGauge   metric.Int64ObservableGauge
	queueGauge    metric.Int64ObservableGauge
	active        atomic.Int64
	queued        atomic.Int64
}

func newAdmissionMetrics(logger pslog.Logger) *admissionMetrics {
	meter := otel.Meter("pkt.systems/voicelease/admission")
	m := &admissionMetrics{}
	var err error

	m.claimCount, err = meter.Int64Counter(
		"voicelease.claim",
		metric.WithDescription("Claim attempts by outcome"),
	)
	logMetricInitError(logger, "voicelease.claim", err)

	m.releaseCount, err = meter.Int64Counter(
		"voicelease.release",
		metric.WithDescription("Lease releases by reason"),
	)
	logMetricInitError(logger, "voicelease.release", err)

	m.drainCount, err = meter.Int64Counter(
		"voicelease.queue.drain",
		metric.WithDescription("Queue drain passes by result"),
	)
	logMetricInitError(logger, "voicelease.queue.drain", err)

	m.queueTimeouts, err = meter.Int64Counter(
		"voicelease.queue.timeout",
		metric.WithDescription("Queue entries pruned by timeout"),
	)
	logMetricInitError(logger, "voicelease.queue.timeout", err)

	m.activeGauge, err = meter.Int64ObservableGauge(
		"voicelease.lease.active",
		metric.WithDescription("Active leases"),
	)
	logMetricInitError(logger, "voicelease.lease.active", err)

	m.queueGauge, err = meter.Int64ObservableGauge(
		"voicelease.queue.length",
		metric.WithDescription("Queued claimants"),
	)
	logMetricInitError(logger, "voicelease.queue.length", err)

	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.activeGauge, m.active.Load())
		o.ObserveInt64(m.queueGauge, m.queued.Load())
		return nil
	}, m.activeGauge, m.queueGauge); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "voicelease.admission", "error", err)
	}
	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func (m *admissionMetrics) recordClaim(outcome string) {
	if m == nil || m.claimCount == nil {
		return
	}
	m.claimCount.Add(context.Background(), 1, metric.WithAttributes(attribute.String("voicelease.outcome", outcome)))
}

func (m *admissionMetrics) recordRelease(reason string) {
	if m == nil || m.releaseCount == nil {
		return
	}
	m.releaseCount.Add(context.Background(), 1, metric.WithAttributes(attribute.String("voicelease.reason", reason)))
}

func (m *admissionMetrics) recordDrain(result string) {
	if m == nil || m.drainCount == nil {
		return
	}
	m.drainCount.Add(context.Background(), 1, metric.WithAttributes(attribute.String("voicelease.result", result)))
}

func (m *admissionMetrics) recordQueueTimeout() {
	if m == nil || m.queueTimeouts == nil {
		return
	}
	m.queueTimeouts.Add(context.Background(), 1)
}

func (m *admissionMetrics) setLevels(active, queued int) {
	if m == nil {
		return
	}
	m.active.Store(int64(active))
	m.queued.Store(int64(queued))
}
