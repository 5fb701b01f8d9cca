// Package publish turns CMS page entries into static JSON snapshots.
//
// One run fetches the pages, inlines their symbols, mirrors their assets, writes one snapshot
// per routable page and finally asks the CDN to drop every written path in a single batch.
package publish

import (
	"bytes"
	"context"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/builder-publisher/internal/cryptoutil"
	"github.com/keithlinneman/builder-publisher/internal/document"
	"github.com/keithlinneman/builder-publisher/internal/log"
	"github.com/keithlinneman/builder-publisher/internal/pathutil"
	"github.com/keithlinneman/builder-publisher/internal/rewrite"
	"github.com/keithlinneman/builder-publisher/internal/xerrors"
)

const (
	DefaultContentModel = "page"
	DefaultPageLimit    = 100
	DefaultKeyPrefix    = "builder/pages"

	urlPathProperty = "urlPath"
	snapshotType    = "application/json"
)

var tracer = otel.Tracer("builder-publisher/publish")

// PageSource is the CMS read API a run needs
type PageSource interface {
	Entries(ctx context.Context, model string, limit int) ([]*document.Node, error)
	Entry(ctx context.Context, model, id string, fields ...string) (*document.Node, error)
}

type SymbolInliner interface {
	Inline(ctx context.Context, page *document.Node) (int, error)
}

// SnapshotStore receives serialized pages. Failures should be marked xerrors.KindStorage.
type SnapshotStore interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
}

type Invalidator interface {
	Invalidate(ctx context.Context, callerRef string, paths []string) (string, error)
}

// Recorder is implemented by the metrics package
type Recorder interface {
	ObserveRun(result string, d time.Duration)
	IncPage(result string)
	IncAsset(result string)
	ObserveInvalidation(result string, paths int)
	SetLastSuccess(t time.Time)
}

type Options struct {
	Logger log.Logger

	Pages       PageSource
	Inliner     SymbolInliner
	Assets      rewrite.Resolver
	Store       SnapshotStore
	Invalidator Invalidator

	// Recorder is optional
	Recorder Recorder

	// ContentModel, DefaultContentModel if empty
	ContentModel string

	// PageLimit bounds a full publish, DefaultPageLimit if <= 0
	PageLimit int

	// KeyPrefix for snapshots, DefaultKeyPrefix if empty
	KeyPrefix string

	// Rewrite configures URL rewriting; its Logger is replaced by the run logger
	Rewrite rewrite.Options
}

// Result summarizes one run
type Result struct {
	RunID          string
	// Stored lists each snapshot key once, in the order first written
	Stored         []string
	Skipped        int
	AssetsMirrored int
	InvalidationID string
}

type Publisher struct {
	opts   Options
	logger log.Logger
	rec    Recorder
}

func New(opts Options) (*Publisher, error) {
	switch {
	case opts.Pages == nil:
		return nil, xerrors.Mark(xerrors.New("publish: Pages is required"), xerrors.KindConfig)
	case opts.Inliner == nil:
		return nil, xerrors.Mark(xerrors.New("publish: Inliner is required"), xerrors.KindConfig)
	case opts.Assets == nil:
		return nil, xerrors.Mark(xerrors.New("publish: Assets is required"), xerrors.KindConfig)
	case opts.Store == nil:
		return nil, xerrors.Mark(xerrors.New("publish: Store is required"), xerrors.KindConfig)
	case opts.Invalidator == nil:
		return nil, xerrors.Mark(xerrors.New("publish: Invalidator is required"), xerrors.KindConfig)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.ContentModel == "" {
		opts.ContentModel = DefaultContentModel
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = DefaultPageLimit
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Publisher{opts: opts, logger: opts.Logger, rec: rec}, nil
}

// Run publishes the page with id pageID, or every published page when pageID is empty.
// Pages that cannot be routed, fetched or parsed are skipped; a storage failure ends the run.
func (p *Publisher) Run(ctx context.Context, pageID string) (res Result, err error) {
	start := time.Now()
	res.RunID = uuid.NewString()

	ctx, span := tracer.Start(ctx, "publish.run", trace.WithAttributes(
		attribute.String("publish.run_id", res.RunID),
		attribute.String("publish.page_id", pageID),
	))
	L := p.logger.With("run_id", res.RunID)
	if pageID != "" {
		L = L.With("page_id", pageID)
	}
	ctx = log.WithContext(ctx, L)

	defer func() {
		result := "success"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			p.rec.SetLastSuccess(time.Now())
		}
		p.rec.ObserveRun(result, time.Since(start))
		span.SetAttributes(
			attribute.Int("publish.pages_stored", len(res.Stored)),
			attribute.Int("publish.pages_skipped", res.Skipped),
		)
		span.End()
	}()

	L.Info(ctx, "publish run starting", "content_model", p.opts.ContentModel)

	pages, err := p.fetch(ctx, pageID)
	if err != nil {
		return res, err
	}

	// one memo per run so a later run sees objects deleted from the bucket in between
	counter := &countingResolver{next: p.opts.Assets, rec: p.rec}
	rwOpts := p.opts.Rewrite
	rwOpts.Logger = L
	rw, err := rewrite.New(rewrite.Memoize(counter), rwOpts)
	if err != nil {
		return res, err
	}

	var paths []string
	seen := map[string]struct{}{}
	for _, page := range pages {
		key, err := p.publishPage(ctx, rw, page)
		if err != nil {
			if contained(err) {
				L.Warn(ctx, "skipping page", "err", err, "error_kind", xerrors.KindOf(err).String())
				res.Skipped++
				p.rec.IncPage("skipped")
				continue
			}
			return res, err
		}
		if key == "" {
			res.Skipped++
			p.rec.IncPage("skipped")
			continue
		}
		p.rec.IncPage("stored")
		if _, dup := seen[key]; dup {
			L.Warn(ctx, "snapshot key already written this run, earlier page overwritten", "snapshot_key", key)
			continue
		}
		seen[key] = struct{}{}
		res.Stored = append(res.Stored, key)
		paths = append(paths, "/"+key)
	}
	res.AssetsMirrored = int(counter.mirrored.Load())

	if len(paths) == 0 {
		L.Warn(ctx, "no files to invalidate", "pages", len(pages))
		return res, nil
	}

	id, err := p.opts.Invalidator.Invalidate(ctx, res.RunID, paths)
	if err != nil {
		p.rec.ObserveInvalidation("error", len(paths))
		return res, xerrors.Wrap(err, "invalidate snapshots")
	}
	p.rec.ObserveInvalidation("success", len(paths))
	res.InvalidationID = id

	L.Info(ctx, "publish run complete",
		"stored", len(res.Stored),
		"skipped", res.Skipped,
		"assets_mirrored", res.AssetsMirrored,
		"invalidation_id", id,
		"duration", time.Since(start).String(),
	)
	return res, nil
}

func (p *Publisher) fetch(ctx context.Context, pageID string) ([]*document.Node, error) {
	ctx, span := tracer.Start(ctx, "publish.fetch_pages")
	defer span.End()

	if pageID == "" {
		pages, err := p.opts.Pages.Entries(ctx, p.opts.ContentModel, p.opts.PageLimit)
		if err != nil {
			return nil, xerrors.Wrap(err, "fetch pages")
		}
		span.SetAttributes(attribute.Int("publish.pages", len(pages)))
		return pages, nil
	}

	page, err := p.opts.Pages.Entry(ctx, p.opts.ContentModel, pageID)
	if err != nil {
		return nil, xerrors.Wrapf(err, "fetch page %s", pageID)
	}
	// a nil page is dropped with a warning by the caller loop
	return []*document.Node{page}, nil
}

// publishPage returns the stored key, or "" when the page was skipped without an error
func (p *Publisher) publishPage(ctx context.Context, rw *rewrite.Rewriter, page *document.Node) (string, error) {
	L := log.FromContext(ctx)
	if page == nil || page.IsNull() {
		L.Warn(ctx, "page not found, skipping")
		return "", nil
	}
	id, _ := page.Get("id").Str()
	L = L.With("entry_id", id)
	ctx = log.WithContext(ctx, L)

	// routed before anything is fetched on its behalf
	key, ok := SnapshotKey(ctx, p.opts.KeyPrefix, page)
	if !ok {
		L.Warn(ctx, "no urlPath query found for page, skipping")
		return "", nil
	}
	L = L.With("snapshot_key", key)
	ctx = log.WithContext(ctx, L)

	ctx, span := tracer.Start(ctx, "publish.page", trace.WithAttributes(
		attribute.String("publish.entry_id", id),
		attribute.String("publish.snapshot_key", key),
	))
	defer span.End()

	inlined, err := p.opts.Inliner.Inline(ctx, page)
	if err != nil {
		return "", xerrors.Wrap(err, "inline symbols")
	}
	rewritten, err := rw.Rewrite(ctx, page)
	if err != nil {
		return "", xerrors.Wrap(err, "rewrite urls")
	}

	var buf bytes.Buffer
	if err := document.Encode(&buf, page); err != nil {
		return "", xerrors.Mark(xerrors.Wrap(err, "serialize page"), xerrors.KindMalformedInput)
	}
	body := buf.Bytes()

	if err := p.opts.Store.Put(ctx, key, snapshotType, body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		if xerrors.KindOf(err) == xerrors.KindUnknown {
			err = xerrors.Mark(err, xerrors.KindStorage)
		}
		return "", xerrors.Wrapf(err, "upload %s", key)
	}

	L.Info(ctx, "uploaded page snapshot",
		"symbols_inlined", inlined,
		"urls_rewritten", len(rewritten),
		"bytes", len(body),
		"sha256", cryptoutil.SHA256Hex(body),
	)
	return key, nil
}

// SnapshotKey derives the object key of a page snapshot from its urlPath routing query.
// ok is false when the page has no usable urlPath.
//
//	"/"            -> builder/pages/index.json
//	"/blog/post-1" -> builder/pages/blog/post-1.json
func SnapshotKey(ctx context.Context, prefix string, page *document.Node) (key string, ok bool) {
	route, ok := urlPath(page)
	if !ok {
		return "", false
	}

	route = pathutil.DecodePath(ctx, route)
	if route == "/" {
		route = "/index"
	}

	var segs []string
	for _, s := range strings.Split(route, "/") {
		if s == "" {
			continue
		}
		s = pathutil.DecodePath(ctx, s)
		if pathutil.HasDotSegments(s) {
			continue
		}
		segs = append(segs, pathutil.SanitizeFilename(s))
	}

	name := "index"
	if len(segs) > 0 {
		name = segs[len(segs)-1]
		segs = segs[:len(segs)-1]
	}
	if slug, ok := page.Lookup("data", "exportslug").Str(); ok && strings.TrimSpace(slug) != "" {
		name = pathutil.SanitizeFilename(slug)
	}

	parts := append([]string{prefix}, segs...)
	parts = append(parts, name+".json")
	return path.Join(parts...), true
}

// urlPath returns the value of the urlPath routing query, the first one if it is a list
func urlPath(page *document.Node) (string, bool) {
	for _, q := range page.Get("query").Items() {
		if prop, _ := q.Get("property").Str(); prop != urlPathProperty {
			continue
		}
		v := q.Get("value")
		if v.Kind() == document.Sequence {
			items := v.Items()
			if len(items) == 0 {
				return "", false
			}
			v = items[0]
		}
		s, ok := v.Str()
		if !ok || s == "" {
			return "", false
		}
		return s, true
	}
	return "", false
}

// contained reports errors that only cost one page
func contained(err error) bool {
	k := xerrors.KindOf(err)
	return k == xerrors.KindFetch || k == xerrors.KindMalformedInput
}

type nopRecorder struct{}

func (nopRecorder) ObserveRun(string, time.Duration) {}
func (nopRecorder) IncPage(string)                   {}
func (nopRecorder) IncAsset(string)                  {}
func (nopRecorder) ObserveInvalidation(string, int)  {}
func (nopRecorder) SetLastSuccess(time.Time)         {}
