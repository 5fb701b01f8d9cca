package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/builder-publisher/internal/app"
	"github.com/keithlinneman/builder-publisher/internal/cfg"
	"github.com/keithlinneman/builder-publisher/internal/deployhttp"
	"github.com/keithlinneman/builder-publisher/internal/health"
	"github.com/keithlinneman/builder-publisher/internal/httpmw"
	"github.com/keithlinneman/builder-publisher/internal/opshttp"
	"github.com/keithlinneman/builder-publisher/internal/publish"
	"github.com/keithlinneman/builder-publisher/internal/ratelimit"

	"github.com/keithlinneman/builder-publisher/internal/httpserver"
	"github.com/keithlinneman/builder-publisher/internal/log"
	"github.com/keithlinneman/builder-publisher/internal/metrics"
	"github.com/keithlinneman/builder-publisher/internal/otelx"
	"github.com/keithlinneman/builder-publisher/internal/prof"
	v "github.com/keithlinneman/builder-publisher/internal/version"
)

// drainPeriod is how long the shutdown gate stays closed before listeners stop
const drainPeriod = 60 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix PUBLISHER_
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf, true); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, kept so a buffered backend is flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"s3_bucket", conf.S3Bucket,
		"cloudfront_distribution_id", conf.CloudFrontDistributionID,
		"public_base_url", conf.PublicBaseURL,
		"source_domain", conf.SourceDomain,
		"content_model", conf.ContentModel,
		"page_limit", conf.PageLimit,
		"asset_workers", conf.AssetWorkers,
		"deploy_hook", conf.DeployWebhookURL != "",
		"deploy_rate", conf.DeployRate,
		"deploy_burst", conf.DeployBurst,
		"trusted_hops", conf.TrustedHops,
	)

	// Setup metrics
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		OnActive:      m.SetProfilingActive,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
		Attributes: map[string]string{
			"publish.bucket":          conf.S3Bucket,
			"publish.distribution_id": conf.CloudFrontDistributionID,
		},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	clients, err := app.LoadClients(ctx, conf.AWSRegion)
	if err != nil {
		L.Error(ctx, err, "failed to load AWS config")
		os.Exit(1)
	}

	pipeline, err := app.Build(ctx, conf, clients, m, L)
	if err != nil {
		L.Error(ctx, err, "failed to build publish pipeline")
		os.Exit(1)
	}

	deployKey, err := app.Secret(ctx, clients.SSM, conf.DeploymentKey, conf.DeploymentKeySSMParam)
	if err != nil {
		L.Error(ctx, err, "failed to load deployment key", "ssm_param", conf.DeploymentKeySSMParam)
		os.Exit(1)
	}

	// runs execute one at a time in the background; the webhook only queues them
	runner := publish.NewRunner(publish.RunnerOptions{
		Logger: L.With("component", "runner"),
		Run: func(ctx context.Context, pageID string) (res publish.Result, err error) {
			scope := "all"
			if pageID != "" {
				scope = "page"
			}
			prof.WithRun(ctx, scope, func(ctx context.Context) {
				res, err = pipeline.Publisher.Run(ctx, pageID)
			})
			return res, err
		},
		Notifier:   pipeline.Notifier,
		QueueSize:  conf.DeployQueueSize,
		RunTimeout: conf.RunTimeout,
	})
	// runs outlive the signal context so a run in progress finishes while the listener drains
	runCtx, cancelRuns := context.WithCancel(log.WithContext(context.Background(), L))
	defer cancelRuns()
	runner.Start(runCtx)

	// per-ip limiter for the deploy route, slows down deployment key guessing
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.DeployRate, conf.DeployBurst),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	api := deployhttp.NewAPI(deployhttp.Options{
		Logger:  L,
		Trigger: runner,
		Key:     deployKey,
		Limiter: limiter.Middleware,
		Metrics: m,
	})

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// ready while not draining and the runner can still accept work
	readiness := health.All(
		gate.Probe(),
		health.Until(runner.Done(), "publish runner stopped"),
	)

	// start webhook http server
	webHTTPStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start webhook http listener")
		os.Exit(1)
	}
	defer func() { _ = webHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks and pprof
	// sg restricts inbound to internal monitoring infrastructure, and the handler
	// rejects public peers in case that is ever misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received", "pending_runs", runner.Pending())

	// fail readiness so the load balancer stops sending deploy requests
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	L.Info(context.Background(), "waiting for load balancer health checks to drain", "period", drainPeriod.String())
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := webHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "webhook http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	// no more triggers can arrive; cancel the run in progress and wait for it to unwind
	cancelRuns()
	select {
	case <-runner.Done():
	case <-shutdownCtx.Done():
		L.Warn(context.Background(), "publish runner did not stop before shutdown deadline")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
