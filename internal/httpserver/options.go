package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/builder-publisher/internal/health"
	"github.com/keithlinneman/builder-publisher/internal/httpmw"
	"github.com/keithlinneman/builder-publisher/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // Optional callback for recovered panics, e.g. a prometheus counter
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler // applied to every request; route limits go in APIRoutes
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe

	// APIRoutes registers the application routes on the router
	APIRoutes func(r chi.Router)

	// MaxBodyBytes caps request bodies, DefaultMaxBodyBytes if <= 0
	MaxBodyBytes int64
}
