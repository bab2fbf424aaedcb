// Package observe provides application-wide observability primitives for
// scriberelay: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all scriberelay metrics.
const meterName = "github.com/MrWong99/scriberelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Sessions ---

	// ActiveSessions tracks the number of live transcription sessions. Use
	// with attribute.String("kind", "frames"|"media").
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks wall time from accept to teardown.
	SessionDuration metric.Float64Histogram

	// SessionErrors counts session failures. Use with attribute:
	//   attribute.String("kind", "ingress"|"decode"|"remote_stream"|"delivery")
	SessionErrors metric.Int64Counter

	// --- Relay throughput ---

	// ChunksRelayed counts audio chunks handed to the remote stream.
	ChunksRelayed metric.Int64Counter

	// BytesRelayed counts PCM bytes handed to the remote stream.
	BytesRelayed metric.Int64Counter

	// AudioRelayed accumulates the play time of relayed PCM.
	AudioRelayed metric.Float64Counter

	// --- Delivery ---

	// TranscriptsDelivered counts finalized transcript units delivered to a
	// sink. Use with attribute.String("sink", ...).
	TranscriptsDelivered metric.Int64Counter

	// DeliveryErrors counts failed deliveries. Use with attribute.String("sink", ...).
	DeliveryErrors metric.Int64Counter

	// StreamOpenDuration tracks how long opening a remote stream takes.
	StreamOpenDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for remote
// stream setup.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers sessions from a few seconds to an hour.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Sessions.
	if met.ActiveSessions, err = m.Int64UpDownCounter("scriberelay.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("scriberelay.session.duration",
		metric.WithDescription("Wall time of a transcription session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("scriberelay.session.errors",
		metric.WithDescription("Total session errors by kind."),
	); err != nil {
		return nil, err
	}

	// Relay throughput.
	if met.ChunksRelayed, err = m.Int64Counter("scriberelay.relay.chunks",
		metric.WithDescription("Total audio chunks relayed to the recognition service."),
	); err != nil {
		return nil, err
	}
	if met.BytesRelayed, err = m.Int64Counter("scriberelay.relay.bytes",
		metric.WithDescription("Total PCM bytes relayed to the recognition service."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AudioRelayed, err = m.Float64Counter("scriberelay.relay.audio",
		metric.WithDescription("Total play time of relayed PCM."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Delivery.
	if met.TranscriptsDelivered, err = m.Int64Counter("scriberelay.transcripts.delivered",
		metric.WithDescription("Total finalized transcripts delivered by sink."),
	); err != nil {
		return nil, err
	}
	if met.DeliveryErrors, err = m.Int64Counter("scriberelay.transcripts.delivery_errors",
		metric.WithDescription("Total failed transcript deliveries by sink."),
	); err != nil {
		return nil, err
	}
	if met.StreamOpenDuration, err = m.Float64Histogram("scriberelay.stream.open.duration",
		metric.WithDescription("Latency of opening a remote recognition stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("scriberelay.http.request.duration",
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

// RecordChunk records one relayed chunk of n bytes lasting d.
func (m *Metrics) RecordChunk(ctx context.Context, n int, d time.Duration) {
	m.ChunksRelayed.Add(ctx, 1)
	m.BytesRelayed.Add(ctx, int64(n))
	if d > 0 {
		m.AudioRelayed.Add(ctx, d.Seconds())
	}
}

// RecordDelivery records the outcome of delivering one transcript to sink.
func (m *Metrics) RecordDelivery(ctx context.Context, sink string, err error) {
	attrs := metric.WithAttributes(attribute.String("sink", sink))
	if err != nil {
		m.DeliveryErrors.Add(ctx, 1, attrs)
		return
	}
	m.TranscriptsDelivered.Add(ctx, 1, attrs)
}

// RecordSessionError is a convenience method that records a session error
// counter increment.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// SessionStarted increments the active-session gauge and returns a function
// that decrements it and records the session duration.
func (m *Metrics) SessionStarted(ctx context.Context, kind string) (done func()) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	start := time.Now()
	m.ActiveSessions.Add(ctx, 1, attrs)
	return func() {
		m.ActiveSessions.Add(context.WithoutCancel(ctx), -1, attrs)
		m.SessionDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds(), attrs)
	}
}
