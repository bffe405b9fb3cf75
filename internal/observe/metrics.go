// Package observe provides application-wide observability primitives for
// zeroscript: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// exports them into a Prometheus registry owned by the process, served by
// [Telemetry.Handler] at /metrics and labelled with the process role. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all zeroscript metrics.
const meterName = "github.com/zeroscript/zeroscript"

// Match outcomes recorded by [Metrics.RecordMatch].
const (
	MatchMatched = "matched"
	MatchNone    = "no_match"
	MatchError   = "error"
	MatchBusy    = "busy"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TokenDuration tracks transcription token issuance latency.
	TokenDuration metric.Float64Histogram

	// ConnectDuration tracks the time from start-call to an open stream.
	ConnectDuration metric.Float64Histogram

	// EmbeddingDuration tracks embedding provider latency.
	EmbeddingDuration metric.Float64Histogram

	// LookupDuration tracks nearest-script lookups in the playbook index.
	LookupDuration metric.Float64Histogram

	// MatchDuration tracks end-to-end script matching as seen by the agent.
	MatchDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Matches counts match attempts. Use with attribute:
	//   attribute.String("result", ...) (one of the Match* constants)
	Matches metric.Int64Counter

	// Transcripts counts transcript fragments. Use with attribute:
	//   attribute.Bool("final", ...)
	Transcripts metric.Int64Counter

	// CredentialRefreshes counts refresh-token grants. Use with attribute:
	//   attribute.String("status", ...)
	CredentialRefreshes metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// OverlayClients tracks connected overlay WebSocket clients.
	OverlayClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips to the transcription, embedding and database services.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	// Histograms.
	if met.TokenDuration, err = histogram("zeroscript.token.duration",
		"Latency of transcription token issuance."); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = histogram("zeroscript.stream.connect.duration",
		"Time from start-call to an open transcription stream."); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = histogram("zeroscript.embedding.duration",
		"Latency of embedding requests."); err != nil {
		return nil, err
	}
	if met.LookupDuration, err = histogram("zeroscript.lookup.duration",
		"Latency of nearest-script lookups."); err != nil {
		return nil, err
	}
	if met.MatchDuration, err = histogram("zeroscript.match.duration",
		"End-to-end latency of script matching."); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("zeroscript.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Matches, err = m.Int64Counter("zeroscript.matches",
		metric.WithDescription("Total match attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("zeroscript.transcripts",
		metric.WithDescription("Total transcript fragments by finality."),
	); err != nil {
		return nil, err
	}
	if met.CredentialRefreshes, err = m.Int64Counter("zeroscript.credential.refreshes",
		metric.WithDescription("Total credential refreshes by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("zeroscript.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("zeroscript.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}
	if met.OverlayClients, err = m.Int64UpDownCounter("zeroscript.overlay_clients",
		metric.WithDescription("Number of connected overlay clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("zeroscript.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordMatch records one match attempt with its outcome.
func (m *Metrics) RecordMatch(ctx context.Context, result string) {
	m.Matches.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordTranscript records one transcript fragment.
func (m *Metrics) RecordTranscript(ctx context.Context, final bool) {
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("final", final)))
}

// RecordRefresh records a credential refresh attempt.
func (m *Metrics) RecordRefresh(ctx context.Context, status string) {
	m.CredentialRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
