package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/builder-publisher/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// publish pipeline
	runsTotal          *prometheus.CounterVec
	runDuration        prometheus.Histogram
	pagesTotal         *prometheus.CounterVec
	assetsTotal        *prometheus.CounterVec
	invalidationsTotal *prometheus.CounterVec
	invalidationPaths  prometheus.Histogram
	triggersTotal      *prometheus.CounterVec
	lastSuccessTs      prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP and publish metrics
// safe labels only (method, route, code, result) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_runs_total",
			Help: "Completed publish runs by result",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "publish_run_duration_seconds",
			Help:    "Wall time of a publish run from page fetch to invalidation",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}),
		pagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_pages_total",
			Help: "Pages seen by publish runs by result (stored, skipped)",
		}, []string{"result"}),
		assetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_assets_total",
			Help: "Asset resolutions by result (mirrored, unmirrorable, skipped, failed)",
		}, []string{"result"}),
		invalidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdn_invalidations_total",
			Help: "CDN invalidation requests by result",
		}, []string{"result"}),
		invalidationPaths: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdn_invalidation_paths",
			Help:    "Number of paths per CDN invalidation request",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		triggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deploy_triggers_total",
			Help: "Deploy webhook calls by result (accepted, unauthorized, queue_full)",
		}, []string{"result"}),
		lastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "publish_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last publish run that finished without error",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.profilingActive,
		m.runsTotal,
		m.runDuration,
		m.pagesTotal,
		m.assetsTotal,
		m.invalidationsTotal,
		m.invalidationPaths,
		m.triggersTotal,
		m.lastSuccessTs,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) ObserveRun(result string, d time.Duration) {
	m.runsTotal.WithLabelValues(result).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *ServerMetrics) IncPage(result string) {
	m.pagesTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) IncAsset(result string) {
	m.assetsTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) ObserveInvalidation(result string, paths int) {
	m.invalidationsTotal.WithLabelValues(result).Inc()
	m.invalidationPaths.Observe(float64(paths))
}

func (m *ServerMetrics) SetLastSuccess(t time.Time) {
	m.lastSuccessTs.Set(float64(t.Unix()))
}

func (m *ServerMetrics) IncDeployTrigger(result string) {
	m.triggersTotal.WithLabelValues(result).Inc()
}
