// Package observe provides application-wide observability primitives for
// the Aurelay gateway: OpenTelemetry metrics, distributed tracing,
// structured logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/aurelay/aurelay"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranscriptLatency tracks time from turn close to the delivered final
	// transcript.
	TranscriptLatency metric.Float64Histogram

	// SynthesisLatency tracks time from a committed synthesis request to
	// its first audio frame.
	SynthesisLatency metric.Float64Histogram

	// SessionDuration tracks full session lifetimes, from creation to
	// termination.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts finalized conversation turns. Use with attribute:
	//   attribute.String("cause", ...)
	Turns metric.Int64Counter

	// BargeIns counts assistant responses cut short by user speech.
	BargeIns metric.Int64Counter

	// RingDrops counts audio frames dropped by ring overflow. Use with
	// attribute: attribute.String("ring", "input"|"output")
	RingDrops metric.Int64Counter

	// DroppedRevisions counts transcript revisions discarded because their
	// turn was already finalized.
	DroppedRevisions metric.Int64Counter

	// DedupHits counts synthesis requests suppressed by the fingerprint
	// de-duplication window.
	DedupHits metric.Int64Counter

	// RetryAttempts counts retries issued by the resilience layer. Use
	// with attributes: attribute.String("provider", ...),
	// attribute.String("op", ...)
	RetryAttempts metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("provider", ...),
	// attribute.String("endpoint", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// ProviderErrors counts classified provider errors — the process-wide
	// aggregation of the per-session scoreboards. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions by driver. Use
	// with attribute: attribute.String("mode", "voice"|"duplex")
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptLatency, err = m.Float64Histogram("aurelay.transcript.latency",
		metric.WithDescription("Time from turn close to the delivered final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisLatency, err = m.Float64Histogram("aurelay.synthesis.latency",
		metric.WithDescription("Time from a committed synthesis request to its first audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("aurelay.session.duration",
		metric.WithDescription("Session lifetime from creation to termination."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("aurelay.turns",
		metric.WithDescription("Finalized conversation turns by close cause."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("aurelay.barge_ins",
		metric.WithDescription("Assistant responses cut short by user speech."),
	); err != nil {
		return nil, err
	}
	if met.RingDrops, err = m.Int64Counter("aurelay.ring.drops",
		metric.WithDescription("Audio frames dropped by ring overflow, by ring."),
	); err != nil {
		return nil, err
	}
	if met.DroppedRevisions, err = m.Int64Counter("aurelay.transcript.dropped_revisions",
		metric.WithDescription("Transcript revisions discarded after their turn was finalized."),
	); err != nil {
		return nil, err
	}
	if met.DedupHits, err = m.Int64Counter("aurelay.synthesis.dedup_hits",
		metric.WithDescription("Synthesis requests suppressed by fingerprint de-duplication."),
	); err != nil {
		return nil, err
	}
	if met.RetryAttempts, err = m.Int64Counter("aurelay.retry.attempts",
		metric.WithDescription("Retries issued by provider and operation."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("aurelay.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions by provider, endpoint, and target state."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("aurelay.provider.errors",
		metric.WithDescription("Classified provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("aurelay.active_sessions",
		metric.WithDescription("Number of live sessions by driver mode."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aurelay.http.request.duration",
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

// RecordProviderError records a classified provider error with the standard
// attribute set.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records a finalized turn with its close cause.
func (m *Metrics) RecordTurn(ctx context.Context, cause string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, endpoint, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("endpoint", endpoint),
			attribute.String("to", to),
		),
	)
}

// AddRingDrops records n frames dropped on the named ring. No-op for n = 0
// so callers can pass counter deltas unconditionally.
func (m *Metrics) AddRingDrops(ctx context.Context, ring string, n uint64) {
	if n == 0 {
		return
	}
	m.RingDrops.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("ring", ring)),
	)
}

// SessionGauge adjusts the live-session gauge for the given driver mode.
// Pass +1 when a session opens and -1 when it terminates.
func (m *Metrics) SessionGauge(ctx context.Context, mode string, delta int64) {
	m.ActiveSessions.Add(ctx, delta,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}
