package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/builder-publisher/internal/log"
	"github.com/keithlinneman/builder-publisher/internal/xerrors"
)

// EnvPrefix is prepended to upper-cased flag names when reading the environment
const EnvPrefix = "PUBLISHER_"

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// publishing
	AWSRegion                string
	S3Bucket                 string
	CloudFrontDistributionID string
	PublicBaseURL            string
	SourceDomain             string
	CMSBaseURL               string
	ContentModel             string
	PageLimit                int
	BuilderAPIKey            string
	BuilderAPIKeySSMParam    string
	FetchTimeout             time.Duration
	FetchRate                float64
	FetchBurst               int
	AssetWorkers             int
	MaxAssetBytes            int64
	RunTimeout               time.Duration
	UserAgent                string

	// deploy webhook
	DeploymentKey         string
	DeploymentKeySSMParam string
	DeployWebhookURL      string
	DeployRate            float64
	DeployBurst           int
	DeployQueueSize       int
	TrustedHops           int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.AWSRegion, "aws-region", "", "AWS region (empty uses the SDK default chain)")
	fs.StringVar(&c.S3Bucket, "s3-bucket", "", "bucket receiving page snapshots and mirrored assets")
	fs.StringVar(&c.CloudFrontDistributionID, "cloudfront-distribution-id", "", "distribution to invalidate after a publish")
	fs.StringVar(&c.PublicBaseURL, "public-base-url", "", "CDN origin that serves the bucket, e.g. https://d1ttqs35fxgawv.cloudfront.net")
	fs.StringVar(&c.SourceDomain, "source-domain", "https://cdn.builder.io", "asset URLs under this origin are mirrored")
	fs.StringVar(&c.CMSBaseURL, "cms-base-url", "https://cdn.builder.io", "Builder content API base URL")
	fs.StringVar(&c.ContentModel, "content-model", "page", "Builder model holding pages")
	fs.IntVar(&c.PageLimit, "page-limit", 100, "max pages fetched by a full publish (1..100)")
	fs.StringVar(&c.BuilderAPIKey, "builder-api-key", "", "Builder public API key")
	fs.StringVar(&c.BuilderAPIKeySSMParam, "builder-api-key-ssm-param", "", "ssm parameter holding the Builder API key")
	fs.DurationVar(&c.FetchTimeout, "fetch-timeout", 30*time.Second, "timeout for each outbound HTTP request")
	fs.Float64Var(&c.FetchRate, "fetch-rate", 10, "outbound requests per second across the process")
	fs.IntVar(&c.FetchBurst, "fetch-burst", 20, "outbound request burst")
	fs.IntVar(&c.AssetWorkers, "asset-workers", 8, "concurrent asset mirrors per page (1..64)")
	fs.Int64Var(&c.MaxAssetBytes, "max-asset-bytes", 100<<20, "largest asset that will be mirrored")
	fs.DurationVar(&c.RunTimeout, "run-timeout", 15*time.Minute, "timeout for one publish run")
	fs.StringVar(&c.UserAgent, "user-agent", "", "User-Agent for outbound requests (default builder-publisher/<version>)")

	fs.StringVar(&c.DeploymentKey, "deployment-key", "", "shared secret expected in x-deployment-key")
	fs.StringVar(&c.DeploymentKeySSMParam, "deployment-key-ssm-param", "", "ssm parameter holding the deployment key")
	fs.StringVar(&c.DeployWebhookURL, "deploy-webhook-url", "", "URL POSTed after every successful publish")
	fs.Float64Var(&c.DeployRate, "deploy-rate", 0.2, "deploy requests per second per client IP")
	fs.IntVar(&c.DeployBurst, "deploy-burst", 5, "deploy request burst per client IP")
	fs.IntVar(&c.DeployQueueSize, "deploy-queue-size", 8, "pending publish runs before triggers are refused")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "reverse proxies in front of the server (X-Forwarded-For depth)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, redact(f.Name, f.Value.String()), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, redact(f.Name, envVal), err)
			}
		}
	})
}

// redact hides secret flag values from startup messages
func redact(name, v string) string {
	if v != "" && (name == "builder-api-key" || name == "deployment-key") {
		return "[redacted]"
	}
	return v
}

// Validate checks that config values are within expected ranges and formats.
// server adds what only the webhook listener needs (ports, deployment key).
// Returns a KindConfig error describing all invalid fields, or nil if all valid.
func Validate(c App, server bool) error {
	var errs []error

	if server {
		// Ports
		if c.HTTPPort < 1 || c.HTTPPort > 65535 {
			errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
		}
		if c.AdminPort < 1 || c.AdminPort > 65535 {
			errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
		}
		if c.AdminPort == c.HTTPPort {
			errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
		}
		if c.DeploymentKey == "" && c.DeploymentKeySSMParam == "" {
			errs = append(errs, fmt.Errorf("one of DEPLOYMENT_KEY or DEPLOYMENT_KEY_SSM_PARAM is required"))
		}
		if c.DeployRate <= 0 || c.DeployBurst < 1 {
			errs = append(errs, fmt.Errorf("DEPLOY_RATE must be > 0 and DEPLOY_BURST >= 1 (got %v/%d)", c.DeployRate, c.DeployBurst))
		}
		if c.DeployQueueSize < 1 {
			errs = append(errs, fmt.Errorf("DEPLOY_QUEUE_SIZE must be >= 1 (got %d)", c.DeployQueueSize))
		}
		if c.TrustedHops < 0 {
			errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops))
		}
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if !isHTTPURL(c.PyroServer) {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Publishing targets
	if c.S3Bucket == "" {
		errs = append(errs, fmt.Errorf("S3_BUCKET is required"))
	}
	if c.CloudFrontDistributionID == "" {
		errs = append(errs, fmt.Errorf("CLOUDFRONT_DISTRIBUTION_ID is required"))
	}
	if !isHTTPURL(c.PublicBaseURL) {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an http(s) URL (got %q)", c.PublicBaseURL))
	}
	if !isHTTPURL(c.SourceDomain) {
		errs = append(errs, fmt.Errorf("SOURCE_DOMAIN must be an http(s) URL (got %q)", c.SourceDomain))
	}
	if !isHTTPURL(c.CMSBaseURL) {
		errs = append(errs, fmt.Errorf("CMS_BASE_URL must be an http(s) URL (got %q)", c.CMSBaseURL))
	}
	if c.DeployWebhookURL != "" && !isHTTPURL(c.DeployWebhookURL) {
		errs = append(errs, fmt.Errorf("DEPLOY_WEBHOOK_URL must be an http(s) URL (got %q)", c.DeployWebhookURL))
	}
	if c.BuilderAPIKey == "" && c.BuilderAPIKeySSMParam == "" {
		errs = append(errs, fmt.Errorf("one of BUILDER_API_KEY or BUILDER_API_KEY_SSM_PARAM is required"))
	}
	if c.ContentModel == "" {
		errs = append(errs, fmt.Errorf("CONTENT_MODEL is required"))
	}
	if c.PageLimit < 1 || c.PageLimit > 100 {
		errs = append(errs, fmt.Errorf("PAGE_LIMIT must be 1..100 (got %d)", c.PageLimit))
	}

	// Budgets
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("FETCH_TIMEOUT must be > 0 (got %s)", c.FetchTimeout))
	}
	if c.RunTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RUN_TIMEOUT must be > 0 (got %s)", c.RunTimeout))
	}
	if c.FetchRate <= 0 || c.FetchBurst < 1 {
		errs = append(errs, fmt.Errorf("FETCH_RATE must be > 0 and FETCH_BURST >= 1 (got %v/%d)", c.FetchRate, c.FetchBurst))
	}
	if c.AssetWorkers < 1 || c.AssetWorkers > 64 {
		errs = append(errs, fmt.Errorf("ASSET_WORKERS must be 1..64 (got %d)", c.AssetWorkers))
	}
	if c.MaxAssetBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_ASSET_BYTES must be > 0 (got %d)", c.MaxAssetBytes))
	}

	if len(errs) > 0 {
		return xerrors.Mark(errors.Join(errs...), xerrors.KindConfig)
	}
	return nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
