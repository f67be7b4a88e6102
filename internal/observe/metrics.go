// Package observe provides application-wide observability primitives for
// parlance: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware for the ops server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped
// through the Prometheus exporter bridge set up by [InitProvider]. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parlance metrics.
const meterName = "github.com/MrWong99/parlance"

// Utterance outcomes recorded by [Metrics.RecordUtterance].
const (
	OutcomeSent     = "sent"
	OutcomeDegraded = "degraded"
	OutcomeTooShort = "too_short"
	OutcomeDropped  = "dropped"
	OutcomeTimeout  = "timeout"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// EncodeDuration tracks utterance normalisation and container encoding.
	EncodeDuration metric.Float64Histogram

	// ReplyLatency tracks the time from sending an utterance to its first
	// reply event.
	ReplyLatency metric.Float64Histogram

	// BackendDuration tracks REST calls to the voice backend. Use with
	// attributes: attribute.String("op", ...), attribute.String("status", ...)
	BackendDuration metric.Float64Histogram

	// HeartbeatRTT tracks the ping/pong round trip of the transport.
	HeartbeatRTT metric.Float64Histogram

	// --- Counters ---

	// Utterances counts finalised utterances by outcome. Use with attribute:
	//   attribute.String("outcome", ...)
	Utterances metric.Int64Counter

	// Messages counts transport messages. Use with attributes:
	//   attribute.String("type", ...), attribute.String("direction", "in"|"out")
	Messages metric.Int64Counter

	// TransportStates counts transport state transitions by target state.
	TransportStates metric.Int64Counter

	// Reconnects counts reconnect attempts.
	Reconnects metric.Int64Counter

	// Playback counts playback items by outcome (completed, failed, stopped).
	Playback metric.Int64Counter

	// BackendErrors counts failed backend calls. Use with attributes:
	//   attribute.String("op", ...), attribute.String("endpoint", ...)
	BackendErrors metric.Int64Counter

	// CircuitTransitions counts breaker state changes per endpoint.
	CircuitTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PlaybackQueue tracks the number of clips waiting for playback.
	PlaybackQueue metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops server request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// voice-pipeline latencies. Replies include remote recognition and synthesis,
// hence the long tail.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EncodeDuration, err = m.Float64Histogram("parlance.encode.duration",
		metric.WithDescription("Latency of utterance normalisation and encoding."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReplyLatency, err = m.Float64Histogram("parlance.reply.latency",
		metric.WithDescription("Time from utterance upload to the first reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BackendDuration, err = m.Float64Histogram("parlance.backend.duration",
		metric.WithDescription("Latency of voice backend REST calls by operation and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HeartbeatRTT, err = m.Float64Histogram("parlance.transport.heartbeat_rtt",
		metric.WithDescription("Round trip of transport heartbeats."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("parlance.utterances",
		metric.WithDescription("Total finalised utterances by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Messages, err = m.Int64Counter("parlance.transport.messages",
		metric.WithDescription("Total transport messages by type and direction."),
	); err != nil {
		return nil, err
	}
	if met.TransportStates, err = m.Int64Counter("parlance.transport.state_changes",
		metric.WithDescription("Total transport state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("parlance.transport.reconnects",
		metric.WithDescription("Total transport reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.Playback, err = m.Int64Counter("parlance.playback.items",
		metric.WithDescription("Total playback items by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BackendErrors, err = m.Int64Counter("parlance.backend.errors",
		metric.WithDescription("Total failed backend calls by operation and endpoint."),
	); err != nil {
		return nil, err
	}
	if met.CircuitTransitions, err = m.Int64Counter("parlance.backend.circuit_transitions",
		metric.WithDescription("Total circuit breaker transitions by endpoint and target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parlance.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueue, err = m.Int64UpDownCounter("parlance.playback.queue",
		metric.WithDescription("Number of clips waiting for playback."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parlance.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordUtterance increments the utterance counter for outcome.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordMessage increments the message counter. direction is "in" or "out".
func (m *Metrics) RecordMessage(ctx context.Context, msgType, direction string) {
	m.Messages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", msgType),
			attribute.String("direction", direction),
		),
	)
}

// RecordTransportState increments the state-change counter for state.
func (m *Metrics) RecordTransportState(ctx context.Context, state string) {
	m.TransportStates.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	if state == "reconnecting" {
		m.Reconnects.Add(ctx, 1)
	}
}

// RecordPlayback increments the playback counter for outcome.
func (m *Metrics) RecordPlayback(ctx context.Context, outcome string) {
	m.Playback.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBackendCall records the duration of a backend call and, when err is
// non-nil, increments the error counter.
func (m *Metrics) RecordBackendCall(ctx context.Context, op, endpoint string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.BackendErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("op", op),
				attribute.String("endpoint", endpoint),
			),
		)
	}
	m.BackendDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordCircuitTransition increments the breaker transition counter.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, endpoint, to string) {
	m.CircuitTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("state", to),
		),
	)
}
