// Package notify tells a downstream deploy hook (e.g. a Vercel deploy hook) that new snapshots
// are live.
package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/keithlinneman/builder-publisher/internal/log"
	"github.com/keithlinneman/builder-publisher/internal/xerrors"
)

type Options struct {
	Logger log.Logger

	// HTTPClient used for the hook call (http.DefaultClient if nil)
	HTTPClient *http.Client

	// URL of the deploy hook
	URL string
}

type Notifier struct {
	url    string
	host   string
	client *http.Client
	logger log.Logger
}

func New(opts Options) (*Notifier, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, xerrors.Mark(xerrors.New("notify: URL must be an absolute http(s) URL"), xerrors.KindConfig)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Notifier{url: opts.URL, host: u.Host, client: hc, logger: opts.Logger}, nil
}

// Notify POSTs to the hook with an empty body. Hook URLs usually embed a secret, so only the
// host appears in logs and errors.
func (n *Notifier) Notify(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, http.NoBody)
	if err != nil {
		return xerrors.Wrapf(err, "build deploy hook request for %s", n.host)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return xerrors.Mark(xerrors.Wrapf(err, "POST deploy hook %s", n.host), xerrors.KindFetch)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return xerrors.Mark(xerrors.Newf("deploy hook %s: unexpected status %s", n.host, resp.Status), xerrors.KindFetch)
	}
	n.logger.Info(ctx, "triggered deploy hook", "host", n.host, "status", resp.StatusCode)
	return nil
}
