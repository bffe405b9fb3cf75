package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Roles reported as the zeroscript.role resource attribute.
const (
	RoleBackend = "backend"
	RoleAgent   = "agent"
	RoleDebug   = "debug"
)

// RoleKey is the resource attribute naming which half of the pipeline a
// process runs.
const RoleKey = attribute.Key("zeroscript.role")

// ProviderConfig configures [InitProvider].
type ProviderConfig struct {
	// Role is one of the Role* constants. Required.
	Role string

	// ServiceVersion is the build version reported in telemetry.
	ServiceVersion string

	// InstanceID identifies this process. Default: the hostname.
	InstanceID string

	// TraceSampleRatio is the fraction of new root traces recorded, clamped
	// to [0, 1]. Traces continued from a sampled parent are always recorded.
	TraceSampleRatio float64

	// TraceExporter receives finished spans. When nil, spans are sampled and
	// correlated in logs but not exported.
	TraceExporter sdktrace.SpanExporter

	// RuntimeMetrics adds the Go runtime and process collectors to the
	// scrape registry.
	RuntimeMetrics bool
}

// Telemetry is the process's OpenTelemetry setup: a meter provider exported
// through a Prometheus registry it owns, and a tracer provider. Both are
// installed as the OTel globals, so [DefaultMetrics] and [StartSpan] use
// them.
type Telemetry struct {
	registry *prometheus.Registry
	meters   *sdkmetric.MeterProvider
	tracer   *sdktrace.TracerProvider
	handler  http.Handler
}

// InitProvider builds the telemetry of one zeroscript process and registers
// it globally. Call [Telemetry.Shutdown] before exiting to flush spans.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.Role == "" {
		return nil, errors.New("observe: provider role is required")
	}
	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		cfg.InstanceID = host
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName("zeroscript-"+cfg.Role),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.ServiceInstanceID(cfg.InstanceID),
			RoleKey.String(cfg.Role),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	reg := prometheus.NewRegistry()
	if cfg.RuntimeMetrics {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	ratio := min(max(cfg.TraceSampleRatio, 0), 1)
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}

	t := &Telemetry{
		registry: reg,
		meters:   sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp)),
		tracer:   sdktrace.NewTracerProvider(tpOpts...),
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}
	otel.SetMeterProvider(t.meters)
	otel.SetTracerProvider(t.tracer)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return t, nil
}

// Handler serves the scrape registry, for mounting at /metrics.
func (t *Telemetry) Handler() http.Handler { return t.handler }

// MeterProvider returns the provider backing the scrape registry.
func (t *Telemetry) MeterProvider() metric.MeterProvider { return t.meters }

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tracer.Shutdown(ctx), t.meters.Shutdown(ctx))
}
