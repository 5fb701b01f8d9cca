package assets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/keithlinneman/builder-publisher/internal/xerrors"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	puts    int
	putErr  error
	headErr error
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (s *memStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headErr != nil {
		return false, s.headErr
	}
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memStore) Put(_ context.Context, key, contentType string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.puts++
	s.objects[key] = body
	s.types[key] = contentType
	return nil
}

// assetServer serves a png, a pdf, a 404 and a server that refuses HEAD
type assetServer struct {
	*httptest.Server
	gets  atomic.Int32
	heads atomic.Int32
}

func newAssetServer(t *testing.T) *assetServer {
	t.Helper()
	as := &assetServer{}
	as.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			as.heads.Add(1)
		} else {
			as.gets.Add(1)
		}
		switch r.URL.Path {
		case "/api/v1/image/assets/hero", "/my image":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("\x89PNG"))
		case "/doc":
			w.Header().Set("Content-Type", "application/pdf; charset=binary")
			_, _ = w.Write([]byte("%PDF"))
		case "/nohead":
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			w.Header().Set("Content-Type", "image/webp")
			_, _ = w.Write([]byte("RIFF"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(as.Close)
	return as
}

func newTestMigrator(t *testing.T, store ObjectStore, client *http.Client) *Migrator {
	t.Helper()
	m, err := NewMigrator(MigratorOptions{
		Client:        client,
		Store:         store,
		PublicBaseURL: "https://d1ttqs35fxgawv.cloudfront.net/",
	})
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	return m
}

func mustMigrate(t *testing.T, m *Migrator, raw string) Record {
	t.Helper()
	rec, err := m.Migrate(context.Background(), raw)
	if err != nil {
		t.Fatalf("Migrate(%s): %v", raw, err)
	}
	return rec
}

func wantKind(t *testing.T, err error, k xerrors.Kind) {
	t.Helper()
	if !xerrors.IsKind(err, k) {
		t.Fatalf("err = %v (kind %v), want %v", err, xerrors.KindOf(err), k)
	}
}

func TestNewMigrator_Validation(t *testing.T) {
	if _, err := NewMigrator(MigratorOptions{PublicBaseURL: "https://x"}); err == nil {
		t.Error("missing store accepted")
	}
	if _, err := NewMigrator(MigratorOptions{Store: newMemStore(), PublicBaseURL: "/relative"}); err == nil {
		t.Error("relative public base url accepted")
	}
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		"image/png":                "png",
		"image/jpeg":               "jpg",
		"IMAGE/SVG+XML":            "svg",
		"image/png; charset=utf-8": "png",
		"image/x-icon":             "ico",
		"video/mp4":                "mp4",
		"application/pdf":          "",
		"font/woff2":               "",
		"":                         "",
	}
	for in, want := range tests {
		if got := ExtensionFor(in); got != want {
			t.Errorf("ExtensionFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMigrate_UploadsThenIsIdempotent(t *testing.T) {
	srv := newAssetServer(t)
	store := newMemStore()
	m := newTestMigrator(t, store, srv.Client())

	rec := mustMigrate(t, m, srv.URL+"/api/v1/image/assets/hero?width=200")
	if rec.Key != "builder/api/v1/image/assets/hero.png" {
		t.Errorf("Key = %q", rec.Key)
	}
	if rec.URL != "https://d1ttqs35fxgawv.cloudfront.net/builder/api/v1/image/assets/hero.png" {
		t.Errorf("URL = %q", rec.URL)
	}
	if ct := store.types[rec.Key]; ct != "image/png" {
		t.Errorf("stored content type = %q", ct)
	}
	if store.puts != 1 {
		t.Fatalf("puts = %d, want 1", store.puts)
	}

	gets := srv.gets.Load()
	again := mustMigrate(t, m, srv.URL+"/api/v1/image/assets/hero?width=200")
	if again != rec {
		t.Errorf("second migrate = %+v, want %+v", again, rec)
	}
	if store.puts != 1 {
		t.Error("second migrate must not upload")
	}
	if srv.gets.Load() != gets {
		t.Error("second migrate must not download")
	}
}

func TestMigrate_UnknownTypeStoredWithoutSuffix(t *testing.T) {
	srv := newAssetServer(t)
	store := newMemStore()
	m := newTestMigrator(t, store, srv.Client())

	rec := mustMigrate(t, m, srv.URL+"/doc")
	if rec.Key != "builder/doc" {
		t.Errorf("Key = %q, want builder/doc", rec.Key)
	}
	if _, ok := store.objects["builder/doc"]; !ok {
		t.Error("builder/doc not stored")
	}
}

func TestMigrate_DecodesAndEscapesPath(t *testing.T) {
	srv := newAssetServer(t)
	m := newTestMigrator(t, newMemStore(), srv.Client())

	rec := mustMigrate(t, m, srv.URL+"/my%20image")
	if rec.Key != "builder/my image.png" {
		t.Errorf("Key = %q", rec.Key)
	}
	if rec.URL != "https://d1ttqs35fxgawv.cloudfront.net/builder/my%20image.png" {
		t.Errorf("URL = %q", rec.URL)
	}
}

func TestMigrate_FetchError(t *testing.T) {
	srv := newAssetServer(t)
	m := newTestMigrator(t, newMemStore(), srv.Client())

	_, err := m.Migrate(context.Background(), srv.URL+"/missing")
	wantKind(t, err, xerrors.KindFetch)
}

func TestMigrate_StorageError(t *testing.T) {
	srv := newAssetServer(t)
	store := newMemStore()
	store.putErr = errors.New("access denied")
	m := newTestMigrator(t, store, srv.Client())

	_, err := m.Migrate(context.Background(), srv.URL+"/api/v1/image/assets/hero")
	wantKind(t, err, xerrors.KindStorage)

	store.putErr = nil
	store.headErr = errors.New("throttled")
	_, err = m.Migrate(context.Background(), srv.URL+"/api/v1/image/assets/hero")
	wantKind(t, err, xerrors.KindStorage)
}

func TestMigrate_MalformedURL(t *testing.T) {
	m := newTestMigrator(t, newMemStore(), nil)
	for _, raw := range []string{"not a url", "ftp://cdn.builder.io/x", "https://cdn.builder.io/", "https://cdn.builder.io/a/../b"} {
		t.Run(raw, func(t *testing.T) {
			_, err := m.Migrate(context.Background(), raw)
			wantKind(t, err, xerrors.KindMalformedInput)
		})
	}
}

func TestResolve(t *testing.T) {
	srv := newAssetServer(t)
	store := newMemStore()
	m := newTestMigrator(t, store, srv.Client())
	ctx := context.Background()

	rec, ok, err := m.Resolve(ctx, srv.URL+"/api/v1/image/assets/hero")
	if err != nil || !ok {
		t.Fatalf("Resolve = (%v, %v)", ok, err)
	}
	if rec.Key != "builder/api/v1/image/assets/hero.png" {
		t.Errorf("Key = %q", rec.Key)
	}

	// unknown content type is not mirrorable and nothing is stored
	_, ok, err = m.Resolve(ctx, srv.URL+"/doc")
	if err != nil || ok {
		t.Errorf("Resolve(doc) = (%v, %v), want (false, nil)", ok, err)
	}
	if _, stored := store.objects["builder/doc"]; stored {
		t.Error("unmirrorable asset was stored")
	}

	_, _, err = m.Resolve(ctx, srv.URL+"/missing")
	wantKind(t, err, xerrors.KindFetch)
}

func TestProbe_FallsBackToGet(t *testing.T) {
	srv := newAssetServer(t)
	m := newTestMigrator(t, newMemStore(), srv.Client())
	ctx := context.Background()

	src, err := m.parse(ctx, srv.URL+"/nohead")
	if err != nil {
		t.Fatal(err)
	}
	ct, err := m.probe(ctx, src)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if ct != "image/webp" {
		t.Errorf("content type = %q, want image/webp", ct)
	}
	if h, g := srv.heads.Load(), srv.gets.Load(); h != 1 || g != 1 {
		t.Errorf("heads = %d gets = %d, want 1 and 1", h, g)
	}
}

func TestMigrate_SizeLimit(t *testing.T) {
	srv := newAssetServer(t)
	m, err := NewMigrator(MigratorOptions{
		Client:        srv.Client(),
		Store:         newMemStore(),
		PublicBaseURL: "https://cdn.example.net",
		MaxAssetBytes: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.Migrate(context.Background(), srv.URL+"/api/v1/image/assets/hero")
	wantKind(t, err, xerrors.KindFetch)
}
