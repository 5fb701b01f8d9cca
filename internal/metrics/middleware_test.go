package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

func labelsOf(t *testing.T, m *ServerMetrics, name string) map[string]string {
	t.Helper()
	f := gatherMetric(t, m.reg, name)
	if f == nil || len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q not found", name)
	}
	labels := make(map[string]string)
	for _, lp := range f.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	return labels
}

func TestStatusWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}

	if _, err := sw.Write([]byte("aaa")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, _ = sw.Write([]byte("bbbbb"))

	if sw.status != http.StatusOK {
		t.Fatalf("status = %d, want 200", sw.status)
	}
	if sw.n != 8 {
		t.Fatalf("bytes = %d, want 8", sw.n)
	}
	if sw.Unwrap() != rec {
		t.Fatal("Unwrap should return the underlying writer")
	}
}

func TestMiddleware_DeployRouteLabels(t *testing.T) {
	m := New()

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Post("/api/deploy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/api/deploy?pageId=abc", http.NoBody)
	r.ServeHTTP(httptest.NewRecorder(), req)

	labels := labelsOf(t, m, "http_requests_total")
	if labels["route"] != "/api/deploy" {
		t.Fatalf("route = %q, want /api/deploy", labels["route"])
	}
	if labels["method"] != http.MethodPost || labels["status"] != "401" {
		t.Fatalf("labels = %v", labels)
	}

	h := gatherMetric(t, m.reg, "http_response_size_bytes").GetMetric()[0].GetHistogram()
	if h.GetSampleSum() != 24 {
		t.Fatalf("response size sum = %f, want 24", h.GetSampleSum())
	}
}

func TestMiddleware_UnroutedPathsShareOneSeries(t *testing.T) {
	m := New()
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, p := range []string{"/wp-login.php", "/.env", "/random/123"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, http.NoBody))
	}

	f := gatherMetric(t, m.reg, "http_requests_total")
	if len(f.GetMetric()) != 1 {
		t.Fatalf("series = %d, want 1", len(f.GetMetric()))
	}
	if got := labelsOf(t, m, "http_requests_total")["route"]; got != unmatchedRoute {
		t.Fatalf("route = %q, want %q", got, unmatchedRoute)
	}
	if got := counterValue(t, m.reg, "http_requests_total"); got != 3 {
		t.Fatalf("total = %f, want 3", got)
	}
	if got := labelsOf(t, m, "http_requests_total")["status"]; got != "200" {
		t.Fatalf("status = %q, want 200 for a handler that wrote nothing", got)
	}
}

func TestMiddleware_InflightGauge(t *testing.T) {
	m := New()

	var during float64
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = gatherMetric(t, m.reg, "http_inflight_requests").GetMetric()[0].GetGauge().GetValue()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if during != 1 {
		t.Fatalf("inflight during request = %f, want 1", during)
	}
	after := gatherMetric(t, m.reg, "http_inflight_requests").GetMetric()[0].GetGauge().GetValue()
	if after != 0 {
		t.Fatalf("inflight after request = %f, want 0", after)
	}
}

func TestMiddleware_ErrorCounterOnlyFor5xx(t *testing.T) {
	for code, want := range map[int]bool{200: false, 401: false, 503: true, 500: true} {
		m := New()
		c := code
		handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c)
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/deploy", http.NoBody))

		got := gatherMetric(t, m.reg, "http_errors_total") != nil
		if got != want {
			t.Fatalf("status %d: http_errors_total present = %v, want %v", code, got, want)
		}
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	m := New()
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 4; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	}
	if got := histogramCount(t, m.reg, "http_request_duration_seconds"); got != 4 {
		t.Fatalf("duration count = %d, want 4", got)
	}
}

func TestTraceExemplar(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")

	sampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled,
	}))
	if got := traceExemplar(sampled); got["trace_id"] != "0102030405060708090a0b0c0d0e0f10" {
		t.Fatalf("trace_id = %q", got["trace_id"])
	}

	unsampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID, SpanID: spanID,
	}))
	if traceExemplar(unsampled) != nil {
		t.Fatal("non-sampled trace should not produce exemplar")
	}
	if traceExemplar(context.Background()) != nil {
		t.Fatal("no trace context should return nil")
	}
}
