// Package cms reads published entries from the Builder.io content API (v3).
package cms

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/keithlinneman/builder-publisher/internal/document"
	"github.com/keithlinneman/builder-publisher/internal/log"
	"github.com/keithlinneman/builder-publisher/internal/xerrors"
)

const (
	DefaultBaseURL = "https://cdn.builder.io"

	// MaxResponseSize caps a content API response body (bytes)
	MaxResponseSize = 32 * 1024 * 1024

	cacheSeconds = "10"
)

type ClientOptions struct {
	Logger log.Logger

	// HTTPClient for API requests (http.DefaultClient if nil)
	HTTPClient *http.Client

	// BaseURL of the content API, DefaultBaseURL if empty
	BaseURL string

	// APIKey is the public Builder API key
	APIKey string
}

type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
	logger log.Logger
}

func New(opts ClientOptions) (*Client, error) {
	if opts.APIKey == "" {
		return nil, xerrors.Mark(xerrors.New("cms: APIKey is required"), xerrors.KindConfig)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil || !base.IsAbs() {
		return nil, xerrors.Mark(xerrors.Newf("cms: invalid BaseURL %q", opts.BaseURL), xerrors.KindConfig)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: base, apiKey: opts.APIKey, http: hc, logger: opts.Logger}, nil
}

// Entries returns up to limit published entries of model with references resolved.
// Entries the API reports as null are returned as null nodes.
func (c *Client) Entries(ctx context.Context, model string, limit int) ([]*document.Node, error) {
	q := c.query(limit)
	results, err := c.get(ctx, model, q)
	if err != nil {
		return nil, err
	}
	return results.Items(), nil
}

// Entry returns one published entry by id, restricted to fields when given, or nil if there is none.
func (c *Client) Entry(ctx context.Context, model, id string, fields ...string) (*document.Node, error) {
	q := c.query(1)
	q.Set("query.id", id)
	if len(fields) > 0 {
		q.Set("fields", strings.Join(fields, ","))
	}
	results, err := c.get(ctx, model, q)
	if err != nil {
		return nil, err
	}
	items := results.Items()
	if len(items) == 0 || items[0].IsNull() {
		return nil, nil
	}
	return items[0], nil
}

func (c *Client) query(limit int) url.Values {
	q := url.Values{}
	q.Set("apiKey", c.apiKey)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("includeUnpublished", "false")
	q.Set("includeRefs", "true")
	q.Set("cacheSeconds", cacheSeconds)
	q.Set("staleCacheSeconds", cacheSeconds)
	return q
}

// get fetches one content listing and returns its results sequence
func (c *Client) get(ctx context.Context, model string, q url.Values) (*document.Node, error) {
	u := *c.base
	u.Path = u.Path + "/api/v3/content/" + model
	u.RawQuery = q.Encode()
	// never log or return the api key
	endpoint := c.base.String() + "/api/v3/content/" + model

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, xerrors.Wrapf(err, "build request %s", endpoint)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, xerrors.Mark(xerrors.Wrapf(err, "GET %s", endpoint), xerrors.KindFetch)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, xerrors.Mark(xerrors.Newf("GET %s: unexpected status %s", endpoint, resp.Status), xerrors.KindFetch)
	}

	doc, err := document.Decode(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, xerrors.Mark(xerrors.Wrapf(err, "decode %s", endpoint), xerrors.KindFetch)
	}
	results := doc.Get("results")
	if results.Kind() != document.Sequence {
		return nil, xerrors.Mark(xerrors.Newf("GET %s: response has no results list", endpoint), xerrors.KindFetch)
	}

	c.logger.Debug(ctx, "fetched content", "model", model, "results", results.Len())
	return results, nil
}
