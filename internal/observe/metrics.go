// Package observe provides application-wide observability primitives for the
// coach service: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all coach metrics.
const meterName = "github.com/coachai/coach"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long establishing a realtime session takes,
	// token exchange included.
	ConnectDuration metric.Float64Histogram

	// PersistDuration tracks message insert latency.
	PersistDuration metric.Float64Histogram

	// --- Counters ---

	// StateTransitions counts voice state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// ConnectAttempts counts connect requests. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	ConnectAttempts metric.Int64Counter

	// MessagesEmitted counts finalized conversation turns. Use with attribute:
	//   attribute.String("role", ...)
	MessagesEmitted metric.Int64Counter

	// MessagesPersisted counts turns written to the sink. Use with attribute:
	//   attribute.String("role", ...)
	MessagesPersisted metric.Int64Counter

	// MessagesSkipped counts turns not persisted. Use with attribute:
	//   attribute.String("reason", "anonymous"|"empty")
	MessagesSkipped metric.Int64Counter

	// --- Error counters ---

	// PersistErrors counts failed inserts. Use with attribute:
	//   attribute.String("role", ...)
	PersistErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open realtime sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for network
// round trips to the realtime API and the database.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("coach.connect.duration",
		metric.WithDescription("Latency of establishing a realtime session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PersistDuration, err = m.Float64Histogram("coach.persist.duration",
		metric.WithDescription("Latency of persisting a conversation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.StateTransitions, err = m.Int64Counter("coach.voice.transitions",
		metric.WithDescription("Total voice state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.ConnectAttempts, err = m.Int64Counter("coach.connect.attempts",
		metric.WithDescription("Total connect attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.MessagesEmitted, err = m.Int64Counter("coach.messages.emitted",
		metric.WithDescription("Total finalized conversation turns by role."),
	); err != nil {
		return nil, err
	}
	if met.MessagesPersisted, err = m.Int64Counter("coach.messages.persisted",
		metric.WithDescription("Total conversation turns written to the store by role."),
	); err != nil {
		return nil, err
	}
	if met.MessagesSkipped, err = m.Int64Counter("coach.messages.skipped",
		metric.WithDescription("Total conversation turns not persisted by reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.PersistErrors, err = m.Int64Counter("coach.persist.errors",
		metric.WithDescription("Total failed message inserts by role."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("coach.active_sessions",
		metric.WithDescription("Number of open realtime sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("coach.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStateTransition records one voice state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordConnect records a connect attempt and its latency.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.ConnectAttempts.Add(ctx, 1, attrs)
	m.ConnectDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordMessageEmitted records a finalized turn.
func (m *Metrics) RecordMessageEmitted(ctx context.Context, role string) {
	m.MessagesEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordMessageSkipped records a turn that was not persisted.
func (m *Metrics) RecordMessageSkipped(ctx context.Context, reason string) {
	m.MessagesSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPersist records the outcome and latency of one insert.
func (m *Metrics) RecordPersist(ctx context.Context, role string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("role", role))
	m.PersistDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.PersistErrors.Add(ctx, 1, attrs)
		return
	}
	m.MessagesPersisted.Add(ctx, 1, attrs)
}
