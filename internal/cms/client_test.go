package cms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/keithlinneman/builder-publisher/internal/xerrors"
)

func newTestServer(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(ClientOptions{HTTPClient: srv.Client(), BaseURL: srv.URL, APIKey: "pub-key"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func TestNew_Validation(t *testing.T) {
	_, err := New(ClientOptions{})
	if !xerrors.IsKind(err, xerrors.KindConfig) {
		t.Errorf("missing key: err = %v, want KindConfig", err)
	}
	if _, err := New(ClientOptions{APIKey: "k", BaseURL: "not/absolute"}); err == nil {
		t.Error("relative base url accepted")
	}
}

func TestEntries_QueryAndResults(t *testing.T) {
	var got url.Values
	var path string
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		got = r.URL.Query()
		_, _ = w.Write([]byte(`{"results":[{"id":"p1"},null,{"id":"p2"}]}`))
	})

	pages, err := c.Entries(context.Background(), "page", 100)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("pages = %d, want 3", len(pages))
	}
	if id, _ := pages[0].Get("id").Str(); id != "p1" {
		t.Errorf("first id = %q", id)
	}
	if !pages[1].IsNull() {
		t.Error("null result should stay null")
	}

	if path != "/api/v3/content/page" {
		t.Errorf("path = %q", path)
	}
	want := map[string]string{
		"apiKey":             "pub-key",
		"limit":              "100",
		"includeUnpublished": "false",
		"includeRefs":        "true",
		"cacheSeconds":       "10",
		"staleCacheSeconds":  "10",
		"query.id":           "",
	}
	for k, v := range want {
		if got.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, got.Get(k), v)
		}
	}
}

func TestEntry_ByIDWithFields(t *testing.T) {
	var got url.Values
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		if got.Get("query.id") == "missing" {
			_, _ = w.Write([]byte(`{"results":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"data":{"blocks":[{"id":"C"}]}}]}`))
	})

	entry, err := c.Entry(context.Background(), "symbol", "abc", "data.blocks")
	if err != nil || entry == nil {
		t.Fatalf("Entry = %v, %v", entry, err)
	}
	if n := entry.Lookup("data", "blocks").Len(); n != 1 {
		t.Errorf("blocks = %d, want 1", n)
	}
	if got.Get("query.id") != "abc" || got.Get("fields") != "data.blocks" || got.Get("limit") != "1" {
		t.Errorf("query = %v", got)
	}

	entry, err = c.Entry(context.Background(), "symbol", "missing")
	if err != nil {
		t.Fatalf("Entry(missing): %v", err)
	}
	if entry != nil {
		t.Errorf("missing entry = %v, want nil", entry)
	}
	if got.Get("fields") != "" {
		t.Errorf("fields sent without being asked for: %q", got.Get("fields"))
	}
}

func TestGet_FailuresAreFetchErrors(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusUnauthorized)
		},
		"not json": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		},
		"no results": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"message":"ok"}`))
		},
	}
	for name, h := range tests {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestServer(t, h)
			_, err := c.Entries(context.Background(), "page", 10)
			if !xerrors.IsKind(err, xerrors.KindFetch) {
				t.Fatalf("err = %v (kind %v), want KindFetch", err, xerrors.KindOf(err))
			}
			if strings.Contains(err.Error(), "pub-key") {
				t.Errorf("error leaks api key: %v", err)
			}
		})
	}
}

func TestGet_TransportErrorHidesKey(t *testing.T) {
	c, srv := newTestServer(t, func(http.ResponseWriter, *http.Request) {})
	srv.Close()

	_, err := c.Entries(context.Background(), "page", 10)
	if !xerrors.IsKind(err, xerrors.KindFetch) {
		t.Fatalf("err = %v, want KindFetch", err)
	}
	if strings.Contains(err.Error(), "pub-key") {
		t.Errorf("error leaks api key: %v", err)
	}
}
