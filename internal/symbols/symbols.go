// Package symbols replaces Symbol reference blocks in a page with the blocks they point to.
package symbols

import (
	"context"

	"github.com/keithlinneman/builder-publisher/internal/document"
	"github.com/keithlinneman/builder-publisher/internal/log"
	"github.com/keithlinneman/builder-publisher/internal/xerrors"
)

const (
	DefaultMaxDepth = 10
	DefaultModel    = "symbol"

	symbolComponent = "Symbol"
	blocksField     = "data.blocks"
)

// Fetcher loads one content entry. A missing entry is (nil, nil).
type Fetcher interface {
	Entry(ctx context.Context, model, id string, fields ...string) (*document.Node, error)
}

type Options struct {
	Logger log.Logger

	// MaxDepth bounds symbol-in-symbol nesting; references deeper than this stay in place
	MaxDepth int
}

type Inliner struct {
	fetcher Fetcher
	opts    Options
	logger  log.Logger
}

func New(f Fetcher, opts Options) (*Inliner, error) {
	if f == nil {
		return nil, xerrors.New("symbols: Fetcher is required")
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Inliner{fetcher: f, opts: opts, logger: opts.Logger}, nil
}

// ref is a symbol block waiting to be replaced, located in parent by pointer identity
type ref struct {
	parent *document.Node
	block  *document.Node
	depth  int
}

// Inline splices every symbol reference under page's data.blocks in place and returns how many
// were replaced. Symbols inside resolved blocks are inlined too, up to MaxDepth levels.
// A reference without an entry id or whose entry no longer exists is dropped with a warning.
// Fetch failures are returned.
func (in *Inliner) Inline(ctx context.Context, page *document.Node) (int, error) {
	var queue []ref
	queue = collect(queue, page.Lookup("data", "blocks"), 0)

	inlined := 0
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]

		if r.depth > in.opts.MaxDepth {
			in.logger.Warn(ctx, "symbol nesting too deep, leaving reference in place",
				"max_depth", in.opts.MaxDepth,
				"symbol_id", entryID(r.block),
			)
			continue
		}

		idx := r.parent.IndexOf(r.block)
		if idx < 0 {
			continue
		}

		id := entryID(r.block)
		if id == "" {
			in.logger.Warn(ctx, "symbol reference has no entry id, removing it", "error_kind", xerrors.KindMalformedInput.String())
			if err := r.parent.Splice(idx, 1); err != nil {
				return inlined, err
			}
			continue
		}
		model := entryModel(r.block)

		entry, err := in.fetcher.Entry(ctx, model, id, blocksField)
		if err != nil {
			return inlined, xerrors.Wrapf(err, "fetch symbol %s/%s", model, id)
		}

		var blocks []*document.Node
		if entry == nil {
			in.logger.Warn(ctx, "symbol entry not found, removing reference",
				"symbol_id", id,
				"model", model,
				"error_kind", xerrors.KindMalformedInput.String(),
			)
		} else {
			blocks = entry.Lookup("data", "blocks").Items()
		}

		if err := r.parent.Splice(idx, 1, blocks...); err != nil {
			return inlined, err
		}
		inlined++
		in.logger.Debug(ctx, "inlined symbol", "symbol_id", id, "blocks", len(blocks), "depth", r.depth)

		// nested symbols in what we just spliced in
		for _, b := range blocks {
			if isSymbol(b) {
				queue = append(queue, ref{parent: r.parent, block: b, depth: r.depth + 1})
				continue
			}
			queue = collect(queue, b.Get("children"), r.depth+1)
		}
	}
	return inlined, nil
}

// collect appends every symbol block in seq and its descendants' children, depth first
func collect(queue []ref, seq *document.Node, depth int) []ref {
	for _, b := range seq.Items() {
		if isSymbol(b) {
			queue = append(queue, ref{parent: seq, block: b, depth: depth})
			continue
		}
		queue = collect(queue, b.Get("children"), depth)
	}
	return queue
}

func isSymbol(b *document.Node) bool {
	name, _ := b.Lookup("component", "name").Str()
	return name == symbolComponent
}

func entryID(b *document.Node) string {
	id, _ := b.Lookup("component", "options", "symbol", "entry").Str()
	return id
}

func entryModel(b *document.Node) string {
	if m, _ := b.Lookup("component", "options", "symbol", "model").Str(); m != "" {
		return m
	}
	return DefaultModel
}
