// Package rewrite replaces source-CDN asset URLs inside a page document with mirrored ones.
//
// A rewrite runs in three phases: the document is walked and every candidate URL collected,
// the distinct URLs are resolved on a bounded worker pool, then string fields are updated
// serially. Nothing is mutated until every resolution has finished.
package rewrite

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/builder-publisher/internal/assets"
	"github.com/keithlinneman/builder-publisher/internal/document"
	"github.com/keithlinneman/builder-publisher/internal/log"
	"github.com/keithlinneman/builder-publisher/internal/xerrors"
)

const (
	DefaultSourceDomain = "https://cdn.builder.io"
	DefaultMaxDepth     = 10
	DefaultWorkers      = 8
)

var (
	// DefaultExcludedFields are mapping keys whose values are never rewritten
	DefaultExcludedFields = []string{"workTile", "workTile2", "newsTile"}

	// DefaultExcludedMarkers skip tracking pixels and hosting-internal URLs
	DefaultExcludedMarkers = []string{"pixel?", "_vercel"}
)

var urlPattern = regexp.MustCompile(`https?://[^\s)"'<>]+`)

// Resolver maps a source asset URL to its mirrored record. ok=false means the asset is not
// mirrorable and the URL is left as is.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (rec assets.Record, ok bool, err error)
}

type Options struct {
	Logger log.Logger

	// SourceDomain selects which string fields are scanned, DefaultSourceDomain if empty
	SourceDomain string

	// ExcludedFields, DefaultExcludedFields if nil
	ExcludedFields []string

	// ExcludedMarkers, DefaultExcludedMarkers if nil
	ExcludedMarkers []string

	// MaxDepth is the deepest container level scanned; deeper containers are skipped with a warning
	MaxDepth int

	// Workers bounds concurrent resolutions
	Workers int
}

type Rewriter struct {
	resolver Resolver
	opts     Options
	excluded map[string]struct{}
	logger   log.Logger
}

func New(r Resolver, opts Options) (*Rewriter, error) {
	if r == nil {
		return nil, xerrors.New("rewrite: Resolver is required")
	}
	if opts.SourceDomain == "" {
		opts.SourceDomain = DefaultSourceDomain
	}
	if opts.ExcludedFields == nil {
		opts.ExcludedFields = DefaultExcludedFields
	}
	if opts.ExcludedMarkers == nil {
		opts.ExcludedMarkers = DefaultExcludedMarkers
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	excluded := make(map[string]struct{}, len(opts.ExcludedFields))
	for _, f := range opts.ExcludedFields {
		excluded[f] = struct{}{}
	}
	return &Rewriter{resolver: r, opts: opts, excluded: excluded, logger: opts.Logger}, nil
}

// match is one URL occurrence in a string field: the byte span of the raw text and the URL it names
type match struct {
	start, end int
	url        string
}

type field struct {
	node    *document.Node
	matches []match
}

type frame struct {
	node  *document.Node
	key   string
	depth int
}

// Rewrite mirrors every qualifying asset URL in doc and points the document at the mirrored
// copies. It returns the source URLs that were rewritten, in first-seen order. Assets that cannot
// be fetched or are malformed are logged and left in place; any other resolver error aborts.
func (rw *Rewriter) Rewrite(ctx context.Context, doc *document.Node) ([]string, error) {
	fields := rw.collect(ctx, doc)
	if len(fields) == 0 {
		return nil, nil
	}

	var order []string
	seen := map[string]struct{}{}
	for _, f := range fields {
		for _, m := range f.matches {
			if _, ok := seen[m.url]; !ok {
				seen[m.url] = struct{}{}
				order = append(order, m.url)
			}
		}
	}

	resolved, err := rw.resolveAll(ctx, order)
	if err != nil {
		return nil, err
	}

	done := map[string]struct{}{}
	for _, f := range fields {
		s, _ := f.node.Str()
		var b strings.Builder
		last := 0
		for _, m := range f.matches {
			rec, ok := resolved[m.url]
			if !ok {
				continue
			}
			b.WriteString(s[last:m.start])
			b.WriteString(rec.URL)
			last = m.end
			done[m.url] = struct{}{}
		}
		if last == 0 {
			continue
		}
		b.WriteString(s[last:])
		f.node.SetString(b.String())
	}

	processed := make([]string, 0, len(done))
	for _, u := range order {
		if _, ok := done[u]; ok {
			processed = append(processed, u)
		}
	}
	return processed, nil
}

// collect walks doc in document order without recursion and returns every string field that
// carries at least one usable URL
func (rw *Rewriter) collect(ctx context.Context, doc *document.Node) []field {
	var fields []field
	stack := []frame{{node: doc}}
	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch fr.node.Kind() {
		case document.String:
			if _, skip := rw.excluded[fr.key]; skip {
				continue
			}
			s, _ := fr.node.Str()
			if !strings.Contains(s, rw.opts.SourceDomain) {
				continue
			}
			if ms := rw.matches(ctx, s); len(ms) > 0 {
				fields = append(fields, field{node: fr.node, matches: ms})
			}

		case document.Mapping, document.Sequence:
			if fr.depth > rw.opts.MaxDepth {
				rw.logger.Warn(ctx, "maximum depth reached while scanning document", "max_depth", rw.opts.MaxDepth)
				continue
			}
			// children are strings at this depth or containers one level down
			if fr.node.Kind() == document.Mapping {
				keys := fr.node.Keys()
				for i := len(keys) - 1; i >= 0; i-- {
					stack = append(stack, rw.child(fr, keys[i], fr.node.Get(keys[i])))
				}
			} else {
				items := fr.node.Items()
				for i := len(items) - 1; i >= 0; i-- {
					stack = append(stack, rw.child(fr, "", items[i]))
				}
			}
		}
	}
	return fields
}

func (rw *Rewriter) child(parent frame, key string, n *document.Node) frame {
	d := parent.depth
	if k := n.Kind(); k == document.Mapping || k == document.Sequence {
		d++
	}
	return frame{node: n, key: key, depth: d}
}

func (rw *Rewriter) matches(ctx context.Context, s string) []match {
	var out []match
	for _, loc := range urlPattern.FindAllStringIndex(s, -1) {
		raw := s[loc[0]:loc[1]]
		if rw.hasMarker(raw) {
			continue
		}
		decoded, err := url.PathUnescape(raw)
		if err != nil {
			rw.logger.Warn(ctx, "could not decode url", "match", raw, "err", err)
			continue
		}
		extracted := urlPattern.FindString(decoded)
		if extracted == "" {
			rw.logger.Warn(ctx, "could not extract url", "match", raw)
			continue
		}
		u, err := url.Parse(extracted)
		if err != nil || !u.IsAbs() || u.Host == "" {
			rw.logger.Warn(ctx, "extracted url is not absolute", "match", raw, "url", extracted)
			continue
		}
		out = append(out, match{start: loc[0], end: loc[1], url: extracted})
	}
	return out
}

func (rw *Rewriter) hasMarker(s string) bool {
	for _, m := range rw.opts.ExcludedMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func (rw *Rewriter) resolveAll(ctx context.Context, urls []string) (map[string]assets.Record, error) {
	var mu sync.Mutex
	out := make(map[string]assets.Record, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rw.opts.Workers)
	for _, u := range urls {
		g.Go(func() error {
			rec, ok, err := rw.resolver.Resolve(gctx, u)
			if err != nil {
				if contained(err) {
					rw.logger.Warn(gctx, "skipping asset", "url", u, "err", err, "error_kind", xerrors.KindOf(err).String())
					return nil
				}
				return xerrors.Wrapf(err, "resolve %s", u)
			}
			if !ok {
				return nil
			}
			mu.Lock()
			out[u] = rec
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// contained reports errors that only cost us one asset
func contained(err error) bool {
	k := xerrors.KindOf(err)
	return k == xerrors.KindFetch || k == xerrors.KindMalformedInput
}
