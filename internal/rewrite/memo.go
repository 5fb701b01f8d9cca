package rewrite

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/keithlinneman/builder-publisher/internal/assets"
)

type memoResult struct {
	rec assets.Record
	ok  bool
	err error
}

// Memo is a Resolver that resolves each URL at most once. Concurrent callers for the same URL
// share one in-flight resolution. Create one per run so a later run sees fresh store state.
type Memo struct {
	next  Resolver
	group singleflight.Group

	mu   sync.Mutex
	done map[string]memoResult
}

func Memoize(next Resolver) *Memo {
	return &Memo{next: next, done: map[string]memoResult{}}
}

func (m *Memo) Resolve(ctx context.Context, rawURL string) (assets.Record, bool, error) {
	m.mu.Lock()
	if r, ok := m.done[rawURL]; ok {
		m.mu.Unlock()
		return r.rec, r.ok, r.err
	}
	m.mu.Unlock()

	v, _, _ := m.group.Do(rawURL, func() (any, error) {
		// a call that finished between the lookup above and Do already stored its result
		m.mu.Lock()
		if r, ok := m.done[rawURL]; ok {
			m.mu.Unlock()
			return r, nil
		}
		m.mu.Unlock()

		rec, ok, err := m.next.Resolve(ctx, rawURL)
		r := memoResult{rec: rec, ok: ok, err: err}
		// cancellations and run-fatal errors are not remembered
		if err == nil || (contained(err) && ctx.Err() == nil) {
			m.mu.Lock()
			m.done[rawURL] = r
			m.mu.Unlock()
		}
		return r, nil
	})
	r := v.(memoResult)
	return r.rec, r.ok, r.err
}

// Len is the number of remembered URLs
func (m *Memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.done)
}
