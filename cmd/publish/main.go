// Command publish runs one publish outside the webhook, e.g. from a deploy pipeline or a shell.
//
//	publish run [--page-id ID] [-- -s3-bucket=... -cloudfront-distribution-id=...]
//
// Publisher settings come from PUBLISHER_* environment variables, overridden by the server's
// flags given after "--".
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/keithlinneman/builder-publisher/internal/app"
	"github.com/keithlinneman/builder-publisher/internal/cfg"
	"github.com/keithlinneman/builder-publisher/internal/log"
	"github.com/keithlinneman/builder-publisher/internal/otelx"
	v "github.com/keithlinneman/builder-publisher/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	vi := v.Get()
	return &cli.App{
		Name:      "publish",
		Usage:     "publish Builder pages to S3 and invalidate CloudFront",
		Version:   vi.Version,
		Writer:    stdout,
		ErrWriter: stderr,
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "publish every page, or one page with --page-id",
				ArgsUsage: "[-- server flags]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "page-id", Usage: "publish only this page"},
					&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "only log errors"},
				},
				Action: func(c *cli.Context) error {
					return runAction(c, stderr)
				},
			},
			{
				Name:  "version",
				Usage: "print version and build information",
				Action: func(c *cli.Context) error {
					return json.NewEncoder(c.App.Writer).Encode(vi)
				},
			},
		},
	}
}

func runAction(c *cli.Context, stderr io.Writer) error {
	ctx := c.Context

	conf, err := loadConfig(c.Args().Slice(), stderr)
	if err != nil {
		return err
	}

	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return err
	}
	if c.Bool("quiet") {
		lvl, _ = log.ParseLevel("error")
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           v.Get().Version,
		Level:             lvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		Writer:            stderr,
	})
	if err != nil {
		return err
	}
	defer lg.Sync()
	L := lg.With("component", "cli")
	ctx = log.WithContext(ctx, L)

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "cli",
		Version:   v.Get().Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	} else {
		defer func() { _ = shutdownOTEL(context.Background()) }()
	}

	clients, err := app.LoadClients(ctx, conf.AWSRegion)
	if err != nil {
		return err
	}
	pipeline, err := app.Build(ctx, conf, clients, nil, L)
	if err != nil {
		return err
	}

	res, err := pipeline.Publisher.Run(ctx, c.String("page-id"))
	if err != nil {
		return err
	}
	if pipeline.Notifier != nil {
		if err := pipeline.Notifier.Notify(ctx); err != nil {
			L.Warn(ctx, "deploy hook failed", "err", err)
		}
	}
	return json.NewEncoder(c.App.Writer).Encode(res)
}

// loadConfig reads PUBLISHER_* variables and the server flags in args
func loadConfig(args []string, stderr io.Writer) (cfg.App, error) {
	var conf cfg.App
	fs := flag.NewFlagSet("publish run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.Register(fs, &conf)
	if err := fs.Parse(args); err != nil {
		return conf, err
	}
	cfg.FillFromEnv(fs, cfg.EnvPrefix, func(format string, a ...any) {
		fmt.Fprintf(stderr, format+"\n", a...)
	})
	if err := cfg.Validate(conf, false); err != nil {
		return conf, err
	}
	return conf, nil
}
