package assets

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/keithlinneman/builder-publisher/internal/log"
	"github.com/keithlinneman/builder-publisher/internal/pathutil"
	"github.com/keithlinneman/builder-publisher/internal/xerrors"
)

const (
	// DefaultKeyPrefix is the object-store prefix mirrored assets live under
	DefaultKeyPrefix = "builder"

	// DefaultMaxAssetBytes caps a single asset download
	DefaultMaxAssetBytes = 100 * 1024 * 1024
)

// ObjectStore is the slice of the object store the migrator needs.
// Implementations mark their failures xerrors.KindStorage.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key, contentType string, body []byte) error
}

// Record is where a mirrored asset lives: its object key and its public URL
type Record struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

type MigratorOptions struct {
	Logger log.Logger

	// Client for probing and downloading source assets (http.DefaultClient if nil)
	Client *http.Client

	Store ObjectStore

	// KeyPrefix for mirrored objects, DefaultKeyPrefix if empty
	KeyPrefix string

	// PublicBaseURL is the CDN origin serving the bucket, e.g. https://d1ttqs35fxgawv.cloudfront.net
	PublicBaseURL string

	// MaxAssetBytes caps downloads, DefaultMaxAssetBytes if <= 0
	MaxAssetBytes int64
}

// Migrator copies third-party assets into the object store under keys derived from their path
type Migrator struct {
	opts   MigratorOptions
	client *http.Client
	logger log.Logger
}

func NewMigrator(opts MigratorOptions) (*Migrator, error) {
	if opts.Store == nil {
		return nil, xerrors.New("assets: Store is required")
	}
	base, err := url.Parse(opts.PublicBaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, xerrors.Newf("assets: PublicBaseURL %q must be an absolute URL", opts.PublicBaseURL)
	}
	opts.PublicBaseURL = strings.TrimSuffix(opts.PublicBaseURL, "/")
	opts.KeyPrefix = strings.Trim(opts.KeyPrefix, "/")
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.MaxAssetBytes <= 0 {
		opts.MaxAssetBytes = DefaultMaxAssetBytes
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Migrator{opts: opts, client: client, logger: opts.Logger}, nil
}

// source is a parsed asset URL: where to fetch it and the key stem it maps to
type source struct {
	raw      string
	location string
	stem     string
}

func (m *Migrator) parse(ctx context.Context, raw string) (source, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return source{}, xerrors.Mark(xerrors.Wrapf(err, "parse asset url %q", raw), xerrors.KindMalformedInput)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return source{}, xerrors.Mark(xerrors.Newf("asset url %q is not absolute http(s)", raw), xerrors.KindMalformedInput)
	}
	stem := strings.TrimLeft(pathutil.DecodePath(ctx, u.EscapedPath()), "/")
	if stem == "" || pathutil.HasDotSegments(stem) {
		return source{}, xerrors.Mark(xerrors.Newf("asset url %q has no usable path", raw), xerrors.KindMalformedInput)
	}
	return source{
		raw:      raw,
		location: u.Scheme + "://" + u.Host + u.EscapedPath(),
		stem:     stem,
	}, nil
}

// record composes the key and public URL for stem with an optional extension
func (m *Migrator) record(stem, ext string) Record {
	name := stem
	if ext != "" {
		name += "." + ext
	}
	segs := strings.Split(name, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return Record{
		Key: m.opts.KeyPrefix + "/" + name,
		URL: m.opts.PublicBaseURL + "/" + m.opts.KeyPrefix + "/" + strings.Join(segs, "/"),
	}
}

// probe asks the source for an asset's content type without downloading it. HEAD is tried
// first; servers that reject HEAD or omit the header get a GET whose body is discarded.
func (m *Migrator) probe(ctx context.Context, src source) (string, error) {
	if ct, err := m.headers(ctx, http.MethodHead, src.location); err == nil && ct != "" {
		return ct, nil
	}
	ct, err := m.headers(ctx, http.MethodGet, src.location)
	if err != nil {
		return "", xerrors.Mark(err, xerrors.KindFetch)
	}
	return ct, nil
}

func (m *Migrator) headers(ctx context.Context, method, location string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, location, nil)
	if err != nil {
		return "", xerrors.Wrapf(err, "build %s %s", method, location)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", xerrors.Wrapf(err, "%s %s", method, location)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", xerrors.Newf("%s %s: unexpected status %s", method, location, resp.Status)
	}
	return resp.Header.Get("Content-Type"), nil
}

// Migrate mirrors rawURL into the object store and returns its record. When the object already
// exists nothing is downloaded or uploaded. Content types without a known extension are stored
// under the bare path.
func (m *Migrator) Migrate(ctx context.Context, rawURL string) (Record, error) {
	src, err := m.parse(ctx, rawURL)
	if err != nil {
		return Record{}, err
	}
	ct, err := m.probe(ctx, src)
	if err != nil {
		return Record{}, err
	}
	return m.ensure(ctx, src, ExtensionFor(ct))
}

// Resolve is Migrate for the URL rewriter: assets whose content type has no known extension are
// reported as not mirrorable (ok=false) and left alone.
func (m *Migrator) Resolve(ctx context.Context, rawURL string) (Record, bool, error) {
	src, err := m.parse(ctx, rawURL)
	if err != nil {
		return Record{}, false, err
	}
	ct, err := m.probe(ctx, src)
	if err != nil {
		return Record{}, false, err
	}
	ext := ExtensionFor(ct)
	if ext == "" {
		m.logger.Debug(ctx, "skipping asset with unmirrored content type", "url", rawURL, "content_type", ct)
		return Record{}, false, nil
	}
	rec, err := m.ensure(ctx, src, ext)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (m *Migrator) ensure(ctx context.Context, src source, ext string) (Record, error) {
	rec := m.record(src.stem, ext)
	exists, err := m.opts.Store.Exists(ctx, rec.Key)
	if err != nil {
		return Record{}, xerrors.Mark(xerrors.Wrapf(err, "check %s", rec.Key), xerrors.KindStorage)
	}
	if exists {
		m.logger.Debug(ctx, "asset already mirrored", "url", src.raw, "key", rec.Key)
		return rec, nil
	}
	return m.upload(ctx, src)
}

func (m *Migrator) upload(ctx context.Context, src source) (Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.location, nil)
	if err != nil {
		return Record{}, xerrors.Mark(xerrors.Wrapf(err, "build GET %s", src.location), xerrors.KindMalformedInput)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return Record{}, xerrors.Mark(xerrors.Wrapf(err, "GET %s", src.location), xerrors.KindFetch)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Record{}, xerrors.Mark(
			xerrors.Newf("fetch %s: unexpected status %s", src.raw, resp.Status), xerrors.KindFetch)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, m.opts.MaxAssetBytes+1))
	if err != nil {
		return Record{}, xerrors.Mark(xerrors.Wrapf(err, "read %s", src.location), xerrors.KindFetch)
	}
	if int64(len(body)) > m.opts.MaxAssetBytes {
		return Record{}, xerrors.Mark(
			xerrors.Newf("%s exceeds size limit (max %d bytes)", src.location, m.opts.MaxAssetBytes), xerrors.KindFetch)
	}

	ct := resp.Header.Get("Content-Type")
	rec := m.record(src.stem, ExtensionFor(ct))
	if err := m.opts.Store.Put(ctx, rec.Key, ct, body); err != nil {
		return Record{}, xerrors.Mark(xerrors.Wrapf(err, "upload %s", rec.Key), xerrors.KindStorage)
	}

	m.logger.Info(ctx, "mirrored asset",
		"url", src.raw,
		"key", rec.Key,
		"content_type", ct,
		"bytes", len(body),
	)
	return rec, nil
}
