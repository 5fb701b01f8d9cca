// Package httpclient builds the outbound client shared by the CMS client, the asset migrator and
// the deploy notifier. All of them draw from one rate limiter so a run cannot flood upstreams.
package httpclient

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const DefaultTimeout = 30 * time.Second

type Options struct {
	// Timeout per request including body read, DefaultTimeout if <= 0
	Timeout time.Duration

	// Rate is requests per second across all callers, unlimited if <= 0
	Rate float64

	// Burst is the limiter bucket size, at least 1
	Burst int

	// UserAgent sent when the request does not set one
	UserAgent string

	// Transport underneath the limiter, a clone of http.DefaultTransport if nil
	Transport http.RoundTripper
}

// New returns a client with a timeout, a shared rate limit, a default User-Agent and
// OpenTelemetry client spans
func New(opts Options) *http.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport.(*http.Transport).Clone()
	}

	lt := &limitedTransport{next: base, userAgent: opts.UserAgent}
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		lt.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: otelhttp.NewTransport(lt),
	}
}

type limitedTransport struct {
	next      http.RoundTripper
	limiter   *rate.Limiter
	userAgent string
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		// waits until a token is free or the request context ends
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.next.RoundTrip(req)
}
