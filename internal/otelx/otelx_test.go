package otelx

import (
	"context"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Enabled: false, Endpoint: "ignored:4317"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown %d: %v", i, err)
		}
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("TracerProvider = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}
	// no exporter is installed, spans still carry ids for log correlation
	_, span := otel.Tracer("publish").Start(context.Background(), "publish.run")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Error("span has no ids with tracing disabled")
	}
}

// a deploy webhook carrying W3C trace context must be readable by the server
func TestInit_PropagatesTraceContextAndBaggage(t *testing.T) {
	if _, err := Init(context.Background(), Options{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	h := http.Header{}
	h.Set("traceparent", traceparent)
	h.Set("baggage", "builder.space=acme")
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(h))

	sc := trace.SpanContextFromContext(ctx)
	if got := sc.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %q", got)
	}
	if !sc.IsRemote() || !sc.IsSampled() {
		t.Errorf("span context remote=%v sampled=%v, want both", sc.IsRemote(), sc.IsSampled())
	}

	out := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out))
	if out.Get("traceparent") != traceparent {
		t.Errorf("injected traceparent = %q", out.Get("traceparent"))
	}
	if out.Get("baggage") != "builder.space=acme" {
		t.Errorf("injected baggage = %q", out.Get("baggage"))
	}
}

func TestInit_EnabledUnreachableCollectorIsBounded(t *testing.T) {
	start := time.Now()
	shutdown, err := Init(context.Background(), Options{
		Enabled:   true,
		Endpoint:  "localhost:1",
		Insecure:  true,
		Sample:    1,
		Service:   "builder-publisher",
		Component: "publish",
		Version:   "v0.0.0-test",
		Headers:   map[string]string{"x-scope-orgid": "sites"},
	})
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Init took %v", elapsed)
	}
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Options{
		Service:   "builder-publisher",
		Component: "server",
		Version:   "v1.2.3",
		Attributes: map[string]string{
			"publish.distribution_id": "E2QWRUHAPOMQZL",
			"publish.bucket":          "site-bucket",
		},
	})
	want := []string{
		"service.name=builder-publisher.server",
		"service.version=v1.2.3",
		"publish.bucket=site-bucket",
		"publish.distribution_id=E2QWRUHAPOMQZL",
	}
	if len(attrs) != len(want) {
		t.Fatalf("got %d attributes, want %d", len(attrs), len(want))
	}
	for i, kv := range attrs {
		if got := string(kv.Key) + "=" + kv.Value.AsString(); got != want[i] {
			t.Errorf("attr[%d] = %q, want %q", i, got, want[i])
		}
	}
}

func TestResourceAttributes_NoComponent(t *testing.T) {
	attrs := resourceAttributes(Options{Service: "builder-publisher"})
	if got := attrs[0].Value.AsString(); got != "builder-publisher" {
		t.Fatalf("service.name = %q", got)
	}
}
