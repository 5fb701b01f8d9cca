package symbols

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/keithlinneman/builder-publisher/internal/document"
	"github.com/keithlinneman/builder-publisher/internal/xerrors"
)

// fakeFetcher parses a fresh entry per call so spliced blocks never share nodes
type fakeFetcher struct {
	entries map[string]string
	err     error
	calls   []string
	fields  []string
}

func (f *fakeFetcher) Entry(_ context.Context, model, id string, fields ...string) (*document.Node, error) {
	f.calls = append(f.calls, model+"/"+id)
	f.fields = fields
	if f.err != nil {
		return nil, f.err
	}
	raw, ok := f.entries[id]
	if !ok {
		return nil, nil
	}
	return document.Parse([]byte(raw))
}

func symbolRef(id string) string {
	return `{"component":{"name":"Symbol","options":{"symbol":{"entry":"` + id + `","model":"symbol"}}}}`
}

func blockIDs(t *testing.T, seq *document.Node) []string {
	t.Helper()
	var ids []string
	for _, b := range seq.Items() {
		id, _ := b.Get("id").Str()
		ids = append(ids, id)
	}
	return ids
}

func parse(t *testing.T, s string) *document.Node {
	t.Helper()
	n, err := document.Parse([]byte(s))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return n
}

// inline runs a default Inliner over page and fails the test on error
func inline(t *testing.T, f Fetcher, page *document.Node) int {
	t.Helper()
	in, err := New(f, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n, err := in.Inline(context.Background(), page)
	if err != nil {
		t.Fatalf("Inline: %v", err)
	}
	return n
}

func wantIDs(t *testing.T, seq *document.Node, want ...string) {
	t.Helper()
	if got := blockIDs(t, seq); !slices.Equal(got, want) {
		t.Errorf("blocks = %v, want %v", got, want)
	}
}

func TestInline_PreservesSiblingOrder(t *testing.T) {
	page := parse(t, `{"data":{"blocks":[{"id":"A"},`+symbolRef("X")+`,{"id":"B"}]}}`)
	f := &fakeFetcher{entries: map[string]string{
		"X": `{"data":{"blocks":[{"id":"C"},{"id":"D"}]}}`,
	}}

	if n := inline(t, f, page); n != 1 {
		t.Errorf("inlined = %d, want 1", n)
	}
	wantIDs(t, page.Lookup("data", "blocks"), "A", "C", "D", "B")
	if !slices.Equal(f.calls, []string{"symbol/X"}) {
		t.Errorf("calls = %v", f.calls)
	}
	if !slices.Equal(f.fields, []string{"data.blocks"}) {
		t.Errorf("fields = %v", f.fields)
	}
}

func TestInline_ChildrenAndNestedSymbols(t *testing.T) {
	page := parse(t, `{"data":{"blocks":[{"id":"P","children":[`+symbolRef("outer")+`]}]}}`)
	f := &fakeFetcher{entries: map[string]string{
		"outer": `{"data":{"blocks":[{"id":"O1"},` + symbolRef("inner") + `]}}`,
		"inner": `{"data":{"blocks":[{"id":"I1"}]}}`,
	}}

	if n := inline(t, f, page); n != 2 {
		t.Errorf("inlined = %d, want 2", n)
	}
	wantIDs(t, page.Lookup("data", "blocks").Items()[0].Get("children"), "O1", "I1")
}

func TestInline_DuplicateLookingReferences(t *testing.T) {
	page := parse(t, `{"data":{"blocks":[`+symbolRef("X")+`,{"id":"M"},`+symbolRef("X")+`]}}`)
	f := &fakeFetcher{entries: map[string]string{
		"X": `{"data":{"blocks":[{"id":"C"}]}}`,
	}}

	if n := inline(t, f, page); n != 2 {
		t.Errorf("inlined = %d, want 2", n)
	}
	wantIDs(t, page.Lookup("data", "blocks"), "C", "M", "C")
}

func TestInline_MissingEntryRemovesReference(t *testing.T) {
	page := parse(t, `{"data":{"blocks":[{"id":"A"},`+symbolRef("gone")+`,{"id":"B"}]}}`)

	if n := inline(t, &fakeFetcher{}, page); n != 1 {
		t.Errorf("inlined = %d, want 1", n)
	}
	wantIDs(t, page.Lookup("data", "blocks"), "A", "B")
}

func TestInline_MissingIDRemovesReferenceWithoutFetch(t *testing.T) {
	page := parse(t, `{"data":{"blocks":[{"component":{"name":"Symbol","options":{}}},{"id":"B"}]}}`)
	f := &fakeFetcher{}

	inline(t, f, page)
	if len(f.calls) != 0 {
		t.Errorf("calls = %v, want none", f.calls)
	}
	wantIDs(t, page.Lookup("data", "blocks"), "B")
}

func TestInline_DefaultModel(t *testing.T) {
	page := parse(t, `{"data":{"blocks":[{"component":{"name":"Symbol","options":{"symbol":{"entry":"X"}}}}]}}`)
	f := &fakeFetcher{entries: map[string]string{"X": `{"data":{"blocks":[]}}`}}

	inline(t, f, page)
	if !slices.Equal(f.calls, []string{"symbol/X"}) {
		t.Errorf("calls = %v", f.calls)
	}
	if n := page.Lookup("data", "blocks").Len(); n != 0 {
		t.Errorf("blocks = %d, want 0", n)
	}
}

func TestInline_CycleTerminates(t *testing.T) {
	page := parse(t, `{"data":{"blocks":[`+symbolRef("loop")+`]}}`)
	f := &fakeFetcher{entries: map[string]string{
		"loop": `{"data":{"blocks":[{"id":"L"},` + symbolRef("loop") + `]}}`,
	}}

	if n := inline(t, f, page); n != DefaultMaxDepth+1 {
		t.Errorf("inlined = %d, want %d", n, DefaultMaxDepth+1)
	}
	if len(f.calls) != DefaultMaxDepth+1 {
		t.Errorf("fetches = %d, want %d", len(f.calls), DefaultMaxDepth+1)
	}

	// the reference past the limit is left where it was
	blocks := page.Lookup("data", "blocks").Items()
	if len(blocks) != DefaultMaxDepth+2 {
		t.Fatalf("blocks = %d, want %d", len(blocks), DefaultMaxDepth+2)
	}
	if !isSymbol(blocks[len(blocks)-1]) {
		t.Error("last block should still be a symbol reference")
	}
}

func TestInline_FetchErrorPropagates(t *testing.T) {
	page := parse(t, `{"data":{"blocks":[`+symbolRef("X")+`]}}`)
	in, err := New(&fakeFetcher{err: xerrors.Mark(errors.New("503"), xerrors.KindFetch)}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = in.Inline(context.Background(), page)
	if !xerrors.IsKind(err, xerrors.KindFetch) {
		t.Fatalf("err = %v, want KindFetch", err)
	}
}

func TestInline_NoBlocks(t *testing.T) {
	if n := inline(t, &fakeFetcher{}, parse(t, `{"data":{}}`)); n != 0 {
		t.Errorf("inlined = %d", n)
	}
	if n := inline(t, &fakeFetcher{}, nil); n != 0 {
		t.Errorf("inlined nil page = %d", n)
	}
}
