package observe

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// keepGlobals restores the OTel globals that InitProvider replaces.
func keepGlobals(t *testing.T) {
	t.Helper()
	mp, tp, prop := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(mp)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func initTestTelemetry(t *testing.T, cfg ProviderConfig) *Telemetry {
	t.Helper()
	keepGlobals(t)
	tel, err := InitProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel
}

func scrape(t *testing.T, tel *Telemetry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestInitProvider_RoleRequired(t *testing.T) {
	keepGlobals(t)
	if _, err := InitProvider(context.Background(), ProviderConfig{}); err == nil {
		t.Fatal("InitProvider without role succeeded")
	}
}

func TestInitProvider_ServesCallMetrics(t *testing.T) {
	tel := initTestTelemetry(t, ProviderConfig{Role: RoleAgent, ServiceVersion: "1.2.3", InstanceID: "rep-laptop-7", TraceSampleRatio: 1})

	m, err := NewMetrics(tel.MeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordMatch(ctx, MatchMatched)
	m.RecordMatch(ctx, MatchNone)
	m.RecordTranscript(ctx, true)
	m.ActiveCalls.Add(ctx, 1)

	body := scrape(t, tel)
	for _, want := range []string{
		`service_name="zeroscript-agent"`,
		`service_instance_id="rep-laptop-7"`,
		`zeroscript_role="agent"`,
		`result="matched"`,
		`result="no_match"`,
		`final="true"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %s", want)
		}
	}
	if strings.Contains(body, "go_goroutines") {
		t.Error("runtime collectors registered without RuntimeMetrics")
	}
}

func TestInitProvider_RuntimeMetrics(t *testing.T) {
	tel := initTestTelemetry(t, ProviderConfig{Role: RoleBackend, RuntimeMetrics: true})
	if body := scrape(t, tel); !strings.Contains(body, "go_goroutines") {
		t.Error("scrape missing go runtime metrics")
	}
}

func TestInitProvider_TraceSampling(t *testing.T) {
	tests := []struct {
		name      string
		ratio     float64
		wantSpans int
	}{
		{"all", 1, 1},
		{"none", 0, 0},
		{"clamped above one", 7, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := tracetest.NewInMemoryExporter()
			tel := initTestTelemetry(t, ProviderConfig{Role: RoleBackend, TraceSampleRatio: tt.ratio, TraceExporter: exp})

			_, span := StartSpan(WithCallID(context.Background(), "call-9"), "call.match")
			span.End()
			if err := tel.tracer.ForceFlush(context.Background()); err != nil {
				t.Fatalf("ForceFlush: %v", err)
			}

			spans := exp.GetSpans()
			if len(spans) != tt.wantSpans {
				t.Fatalf("exported spans = %d, want %d", len(spans), tt.wantSpans)
			}
			if tt.wantSpans == 0 {
				return
			}
			if got := spans[0].Resource.String(); !strings.Contains(got, "zeroscript.role=backend") {
				t.Errorf("resource = %s, want zeroscript.role=backend", got)
			}
			if !hasAttr(spans[0].Attributes, CallIDKey, "call-9") {
				t.Errorf("span attributes = %v, want call id", spans[0].Attributes)
			}
		})
	}
}
