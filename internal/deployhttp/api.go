// Package deployhttp serves the deploy webhook the CMS calls after content is published.
package deployhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/builder-publisher/internal/cryptoutil"
	"github.com/keithlinneman/builder-publisher/internal/httpmw"
	"github.com/keithlinneman/builder-publisher/internal/log"
	"github.com/keithlinneman/builder-publisher/internal/publish"
)

const (
	// KeyHeader carries the shared deployment key
	KeyHeader = "x-deployment-key"

	bannerMessage = "All your base are belong to us."
)

// Trigger queues a publish run
type Trigger interface {
	Trigger(pageID string) error
}

// Metrics is implemented by the metrics package
type Metrics interface {
	IncDeployTrigger(result string)
}

type Options struct {
	Logger  log.Logger
	Trigger Trigger

	// Key is the expected deployment key. When empty every deploy request is refused.
	Key string

	// Limiter wraps the deploy route, e.g. ratelimit.IPLimiter.Middleware
	Limiter func(http.Handler) http.Handler

	// Metrics is optional
	Metrics Metrics
}

type API struct {
	trigger Trigger
	key     string
	limiter func(http.Handler) http.Handler
	metrics Metrics
	logger  log.Logger
}

func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &API{
		trigger: opts.Trigger,
		key:     opts.Key,
		limiter: opts.Limiter,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// RegisterRoutes attaches the banner and the deploy endpoint
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("banner")).Get("/", api.HandleBanner)

	deploy := r.With(httpmw.Scope("deploy"))
	if api.limiter != nil {
		deploy = deploy.With(api.limiter)
	}
	deploy.Post("/api/deploy", api.HandleDeploy)
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (api *API) HandleBanner(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, messageResponse{Message: bannerMessage})
}

// HandleDeploy authenticates the caller and queues a run. The response never waits for the run.
func (api *API) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)

	if !cryptoutil.SecretEqual(r.Header.Get(KeyHeader), api.key) {
		api.count("unauthorized")
		L.Warn(ctx, "deploy request rejected", "reason", "bad or missing deployment key")
		api.writeJSON(ctx, w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
		return
	}

	pageID := r.URL.Query().Get("pageId")
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String("publish.page_id", pageID))
	}

	if err := api.trigger.Trigger(pageID); err != nil {
		if errors.Is(err, publish.ErrQueueFull) {
			api.count("queue_full")
			L.Warn(ctx, "deploy queue full, dropping trigger", "page_id", pageID)
			api.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "Deployment queue full"})
			return
		}
		api.count("error")
		L.Error(ctx, err, "failed to queue deployment", "page_id", pageID)
		api.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		return
	}

	api.count("accepted")
	L.Info(ctx, "deployment triggered", "page_id", pageID)
	api.writeJSON(ctx, w, http.StatusOK, messageResponse{Message: "Deployment triggered"})
}

func (api *API) count(result string) {
	if api.metrics != nil {
		api.metrics.IncDeployTrigger(result)
	}
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
