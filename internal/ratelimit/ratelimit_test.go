package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/builder-publisher/internal/httpmw"
)

// newTestLimiter creates a limiter with a short TTL; cancel stops the cleanup goroutine.
func newTestLimiter(opts ...Option) (*IPLimiter, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	defaults := []Option{
		WithRate(10, 5),
		WithTTL(100 * time.Millisecond),
	}
	return New(ctx, append(defaults, opts...)...), cancel
}

func TestDefaults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New(ctx)
	if l.perSecond != DefaultPerSecond || l.burst != DefaultBurst {
		t.Errorf("defaults = %v/%d, want %v/%d", l.perSecond, l.burst, DefaultPerSecond, DefaultBurst)
	}
	if l.ttl != DefaultTTL {
		t.Errorf("default ttl = %v, want %v", l.ttl, DefaultTTL)
	}
	if l.maxVisitors != DefaultMaxVisitors {
		t.Errorf("default maxVisitors = %d, want %d", l.maxVisitors, DefaultMaxVisitors)
	}
}

func TestAllow_BurstThenReject(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(1, 5))
	defer cancel()

	for i := 0; i < 5; i++ {
		if !l.allow("10.0.0.1") {
			t.Fatalf("attempt %d should be allowed (within burst)", i+1)
		}
	}
	if l.allow("10.0.0.1") {
		t.Fatal("attempt 6 should be denied (burst exhausted)")
	}
	if !l.allow("10.0.0.2") {
		t.Fatal("another ip should have its own bucket")
	}
}

func TestAllow_RefillAfterTime(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(100, 1))
	defer cancel()

	l.allow("10.0.0.1")
	if l.allow("10.0.0.1") {
		t.Fatal("should be denied with empty bucket")
	}
	// 100/sec, 20ms is 2 tokens
	time.Sleep(20 * time.Millisecond)
	if !l.allow("10.0.0.1") {
		t.Fatal("should be allowed after refill")
	}
}

func TestHooks_FirstDeniedOncePerVisitor(t *testing.T) {
	var first, denied atomic.Int32
	l, cancel := newTestLimiter(
		WithRate(1, 2),
		WithTTL(50*time.Millisecond),
		WithOnFirstDenied(func(string) { first.Add(1) }),
		WithOnDenied(func(string) { denied.Add(1) }),
	)
	defer cancel()

	for i := 0; i < 7; i++ {
		l.allow("10.0.0.1")
	}
	if got := first.Load(); got != 1 {
		t.Fatalf("OnFirstDenied = %d, want 1", got)
	}
	if got := denied.Load(); got != 5 {
		t.Fatalf("OnDenied = %d, want 5", got)
	}

	// eviction resets the logged flag
	time.Sleep(120 * time.Millisecond)
	l.allow("10.0.0.1")
	l.allow("10.0.0.1")
	l.allow("10.0.0.1")
	if got := first.Load(); got != 2 {
		t.Fatalf("after re-entry OnFirstDenied = %d, want 2", got)
	}
}

func TestCleanup_EvictsOnlyIdleVisitors(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(100, 100), WithTTL(80*time.Millisecond))
	defer cancel()

	l.allow("10.0.0.idle")
	for i := 0; i < 5; i++ {
		l.allow("10.0.0.busy")
		time.Sleep(30 * time.Millisecond)
	}

	l.mu.Lock()
	_, idle := l.visitors["10.0.0.idle"]
	_, busy := l.visitors["10.0.0.busy"]
	l.mu.Unlock()

	if idle {
		t.Fatal("idle visitor should be evicted after TTL")
	}
	if !busy {
		t.Fatal("active visitor should not be evicted")
	}
}

func TestCleanup_StopsOnCancel(t *testing.T) {
	l, cancel := newTestLimiter(WithTTL(10 * time.Millisecond))
	cancel()
	time.Sleep(30 * time.Millisecond)

	l.allow("10.0.0.2")
	time.Sleep(30 * time.Millisecond)

	l.mu.Lock()
	_, exists := l.visitors["10.0.0.2"]
	l.mu.Unlock()
	if !exists {
		t.Fatal("visitor should persist when cleanup goroutine is stopped")
	}
}

func TestMaxVisitors(t *testing.T) {
	var capCount atomic.Int32
	l, cancel := newTestLimiter(
		WithRate(100, 100),
		WithMaxVisitors(2),
		WithTTL(50*time.Millisecond),
		WithOnCapacity(func() { capCount.Add(1) }),
	)
	defer cancel()

	l.allow("10.0.0.1")
	l.allow("10.0.0.2")

	if l.allow("10.0.0.3") || l.allow("10.0.0.4") {
		t.Fatal("new IPs should be rejected at capacity")
	}
	if !l.allow("10.0.0.1") {
		t.Fatal("existing IP should still be allowed at capacity")
	}
	if got := capCount.Load(); got != 1 {
		t.Fatalf("OnCapacity = %d, want 1", got)
	}

	time.Sleep(120 * time.Millisecond)
	if !l.allow("10.0.0.3") {
		t.Fatal("new IP should be allowed after eviction freed capacity")
	}
}

func TestMaxVisitors_ZeroDisablesLimit(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(100, 100), WithMaxVisitors(0))
	defer cancel()

	for i := 0; i < 100; i++ {
		ip := fmt.Sprintf("10.0.%d.%d", i/256, i%256)
		if !l.allow(ip) {
			t.Fatalf("ip %s rejected with maxVisitors=0", ip)
		}
	}
}

func TestMaxVisitors_ConcurrentAccess(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(100, 100), WithMaxVisitors(50))
	defer cancel()

	var wg sync.WaitGroup
	var allowed atomic.Int32
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if l.allow(fmt.Sprintf("10.0.%d.%d", n/256, n%256)) {
				allowed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := allowed.Load(); got != 50 {
		t.Fatalf("allowed = %d, want 50", got)
	}
}

// Middleware

// client IP is injected directly so these tests do not depend on XFF trust logic
func postDeploy(handler http.Handler, clientIP string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/api/deploy", http.NoBody)
	r.Header.Set("x-deployment-key", "guess")
	r = r.WithContext(httpmw.WithClientIP(r.Context(), clientIP))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func TestMiddleware_RejectsKeyGuessing(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(0.5, 2))
	defer cancel()

	var reached atomic.Int32
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	for i := 0; i < 2; i++ {
		if w := postDeploy(handler, "203.0.113.1"); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: got %d, want 401 from handler", i+1, w.Code)
		}
	}

	w := postDeploy(handler, "203.0.113.1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("attempt 3: got %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	if got, want := w.Body.String(), `{"error":"Too many requests"}`; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if got := reached.Load(); got != 2 {
		t.Fatalf("handler reached %d times, want 2", got)
	}

	if w := postDeploy(handler, "203.0.113.2"); w.Code != http.StatusUnauthorized {
		t.Fatalf("other ip: got %d, want 401", w.Code)
	}
}

func TestMiddleware_EmptyClientIPSharesBucket(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(1, 1))
	defer cancel()

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	postDeploy(handler, "")
	if w := postDeploy(handler, ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("empty IP second request: got %d, want 429", w.Code)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := map[float64]string{10: "1", 1: "1", 0.2: "5", 0: "1"}
	for perSecond, want := range tests {
		l := &IPLimiter{}
		WithRate(perSecond, 1)(l)
		if got := l.retryAfter(); got != want {
			t.Errorf("retryAfter(%v) = %q, want %q", perSecond, got, want)
		}
	}
}
