// Package app assembles the publishing pipeline from configuration. Both binaries build the
// same pipeline; only the server wraps it in a webhook and a runner.
package app

import (
	"context"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/builder-publisher/internal/assets"
	"github.com/keithlinneman/builder-publisher/internal/cdn"
	"github.com/keithlinneman/builder-publisher/internal/cfg"
	"github.com/keithlinneman/builder-publisher/internal/cms"
	"github.com/keithlinneman/builder-publisher/internal/httpclient"
	"github.com/keithlinneman/builder-publisher/internal/log"
	"github.com/keithlinneman/builder-publisher/internal/notify"
	"github.com/keithlinneman/builder-publisher/internal/objstore"
	"github.com/keithlinneman/builder-publisher/internal/publish"
	"github.com/keithlinneman/builder-publisher/internal/rewrite"
	"github.com/keithlinneman/builder-publisher/internal/symbols"
	v "github.com/keithlinneman/builder-publisher/internal/version"
	"github.com/keithlinneman/builder-publisher/internal/xerrors"
)

// Clients are the AWS APIs the pipeline talks to
type Clients struct {
	S3         objstore.S3API
	CloudFront cdn.CloudFrontAPI
	SSM        ParamAPI
}

// LoadClients builds AWS clients from the default credential chain. An empty region defers to
// the chain as well.
func LoadClients(ctx context.Context, region string) (Clients, error) {
	var optFns []func(*config.LoadOptions) error
	if region != "" {
		optFns = append(optFns, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return Clients{}, xerrors.Mark(xerrors.Wrap(err, "load AWS config"), xerrors.KindConfig)
	}
	return Clients{
		S3:         s3.NewFromConfig(awsCfg),
		CloudFront: cloudfront.NewFromConfig(awsCfg),
		SSM:        ssm.NewFromConfig(awsCfg),
	}, nil
}

// Pipeline is everything a publish run needs
type Pipeline struct {
	Publisher *publish.Publisher

	// Notifier is nil when no deploy hook is configured
	Notifier publish.Notifier

	// HTTP is the shared outbound client
	HTTP *http.Client
}

// Build wires the CMS client, symbol inliner, asset migrator, snapshot store and invalidator
// into a Publisher. rec may be nil.
func Build(ctx context.Context, conf cfg.App, cl Clients, rec publish.Recorder, L log.Logger) (*Pipeline, error) {
	if L == nil {
		L = log.Nop()
	}

	apiKey, err := Secret(ctx, cl.SSM, conf.BuilderAPIKey, conf.BuilderAPIKeySSMParam)
	if err != nil {
		return nil, xerrors.Wrap(err, "builder api key")
	}

	ua := conf.UserAgent
	if ua == "" {
		ua = v.Get().UserAgent()
	}
	hc := httpclient.New(httpclient.Options{
		Timeout:   conf.FetchTimeout,
		Rate:      conf.FetchRate,
		Burst:     conf.FetchBurst,
		UserAgent: ua,
	})

	content, err := cms.New(cms.ClientOptions{
		Logger:     L.With("component", "cms"),
		HTTPClient: hc,
		BaseURL:    conf.CMSBaseURL,
		APIKey:     apiKey,
	})
	if err != nil {
		return nil, err
	}

	inliner, err := symbols.New(content, symbols.Options{Logger: L.With("component", "symbols")})
	if err != nil {
		return nil, err
	}

	store, err := objstore.New(objstore.Options{
		Logger: L.With("component", "objstore"),
		Client: cl.S3,
		Bucket: conf.S3Bucket,
	})
	if err != nil {
		return nil, err
	}

	migrator, err := assets.NewMigrator(assets.MigratorOptions{
		Logger:        L.With("component", "assets"),
		Client:        hc,
		Store:         store,
		PublicBaseURL: conf.PublicBaseURL,
		MaxAssetBytes: conf.MaxAssetBytes,
	})
	if err != nil {
		return nil, xerrors.Mark(err, xerrors.KindConfig)
	}

	inv, err := cdn.New(cdn.Options{
		Logger:         L.With("component", "cdn"),
		Client:         cl.CloudFront,
		DistributionID: conf.CloudFrontDistributionID,
	})
	if err != nil {
		return nil, err
	}

	popts := publish.Options{
		Logger:       L,
		Pages:        content,
		Inliner:      inliner,
		Assets:       migrator,
		Store:        store,
		Invalidator:  inv,
		ContentModel: conf.ContentModel,
		PageLimit:    conf.PageLimit,
		Rewrite: rewrite.Options{
			SourceDomain: conf.SourceDomain,
			Workers:      conf.AssetWorkers,
		},
	}
	if rec != nil {
		popts.Recorder = rec
	}
	pub, err := publish.New(popts)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{Publisher: pub, HTTP: hc}
	if conf.DeployWebhookURL != "" {
		n, err := notify.New(notify.Options{
			Logger:     L.With("component", "notify"),
			HTTPClient: hc,
			URL:        conf.DeployWebhookURL,
		})
		if err != nil {
			return nil, err
		}
		p.Notifier = n
	}

	L.Info(ctx, "publish pipeline ready",
		"bucket", store.Bucket(),
		"distribution_id", conf.CloudFrontDistributionID,
		"content_model", conf.ContentModel,
		"deploy_hook", p.Notifier != nil,
	)
	return p, nil
}
