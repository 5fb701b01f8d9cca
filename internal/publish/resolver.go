package publish

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/builder-publisher/internal/assets"
	"github.com/keithlinneman/builder-publisher/internal/rewrite"
)

// countingResolver records the outcome of every resolution that reaches the migrator.
// It sits under the per-run memo, so each distinct URL is counted once per run.
type countingResolver struct {
	next     rewrite.Resolver
	rec      Recorder
	mirrored atomic.Int64
}

func (c *countingResolver) Resolve(ctx context.Context, rawURL string) (assets.Record, bool, error) {
	rec, ok, err := c.next.Resolve(ctx, rawURL)
	switch {
	case err != nil:
		c.rec.IncAsset("failed")
	case !ok:
		c.rec.IncAsset("unmirrorable")
	default:
		c.mirrored.Add(1)
		c.rec.IncAsset("mirrored")
	}
	return rec, ok, err
}
