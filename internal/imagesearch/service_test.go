package imagesearch

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/efebarandurmaz/imagesearch/internal/llm"
	"github.com/efebarandurmaz/imagesearch/internal/observability"
	"github.com/efebarandurmaz/imagesearch/internal/vector"
	"github.com/efebarandurmaz/imagesearch/internal/vector/sqlite"
)

// --- fakes ---

type fakeCaptioner struct {
	mu       sync.Mutex
	captions map[string]string
	fail     map[string]error
	calls    []string
}

func (f *fakeCaptioner) Caption(_ context.Context, img *llm.Image) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, img.Name)
	if err := f.fail[img.Name]; err != nil {
		return "", err
	}
	if c, ok := f.captions[img.Name]; ok {
		return c, nil
	}
	return "a photo of " + img.Name, nil
}

type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

type fakeStore struct {
	mu        sync.Mutex
	docs      []vector.Document
	failNames map[string]vector.Kind
	searchErr error
}

func (f *fakeStore) EnsureSchema(context.Context) error { return nil }
func (f *fakeStore) Ping(context.Context) error         { return nil }
func (f *fakeStore) Close() error                       { return nil }

func (f *fakeStore) Add(_ context.Context, doc vector.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind, ok := f.failNames[doc.Name]; ok {
		return vector.NewError(kind, "add", errors.New("rejected"))
	}
	f.docs = append(f.docs, doc)
	return nil
}

func (f *fakeStore) Search(_ context.Context, query []float32, size int) ([]vector.Hit, error) {
	if f.searchErr != nil {
		return []vector.Hit{}, f.searchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var hits []vector.Hit
	for _, d := range f.docs {
		score, err := vector.Score(query, d.Vector)
		if err != nil {
			continue
		}
		hits = append(hits, vector.Hit{Name: d.Name, Caption: d.Caption, Score: score})
	}
	return vector.Rank(hits, size), nil
}

// --- helpers ---

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeImages(t *testing.T, fs afero.Fs, dir string, names ...string) {
	t.Helper()
	data := jpegBytes(t)
	for _, n := range names {
		if err := afero.WriteFile(fs, filepath.Join(dir, n), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(fs afero.Fs, c llm.Captioner, e llm.Embedder, s vector.Store) (*Service, *observability.SearchMetrics) {
	m := observability.NewSearchMetrics()
	return New(c, e, s, WithFs(fs), WithLogger(quietLogger()), WithMetrics(m)), m
}

// --- tests ---

func TestStoreImage(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImages(t, fs, "/data", "a.jpg")

	store := &fakeStore{}
	captioner := &fakeCaptioner{captions: map[string]string{"a.jpg": "a dog"}}
	embedder := &fakeEmbedder{vectors: map[string][]float32{"a dog": {1, 0, 0}}}
	svc, m := newTestService(fs, captioner, embedder, store)

	stored, err := svc.StoreImage(context.Background(), "/data/a.jpg")
	if err != nil || !stored {
		t.Fatalf("expected stored, got %v, %v", stored, err)
	}
	if len(store.docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(store.docs))
	}
	doc := store.docs[0]
	if doc.Name != "a.jpg" || doc.Caption != "a dog" || doc.Vector[0] != 1 {
		t.Errorf("unexpected document %+v", doc)
	}
	if m.ImagesStoredTotal.Value() != 1 {
		t.Errorf("expected stored counter 1, got %v", m.ImagesStoredTotal.Value())
	}
}

func TestStoreImage_StoreFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImages(t, fs, "/data", "a.jpg")

	store := &fakeStore{failNames: map[string]vector.Kind{"a.jpg": vector.KindConnectionUnavailable}}
	svc, m := newTestService(fs, &fakeCaptioner{}, &fakeEmbedder{}, store)

	stored, err := svc.StoreImage(context.Background(), "/data/a.jpg")
	if stored {
		t.Error("expected not stored")
	}
	if !errors.Is(err, vector.ErrConnectionUnavailable) {
		t.Errorf("expected connection unavailable, got %v", err)
	}
	if m.ImagesNotStoredTotal.Value() != 1 {
		t.Errorf("expected not-stored counter 1, got %v", m.ImagesNotStoredTotal.Value())
	}
	if m.StoreErrorsTotal[vector.KindConnectionUnavailable].Value() != 1 {
		t.Error("expected store error counted under its kind")
	}
}

func TestStoreImage_NonStoreFailures(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImages(t, fs, "/data", "a.jpg")
	afero.WriteFile(fs, "/data/broken.jpg", []byte("not an image"), 0o644)

	captionErr := errors.New("model offline")
	tests := []struct {
		name      string
		path      string
		captioner *fakeCaptioner
		embedder  *fakeEmbedder
		wantErr   error
	}{
		{"missing file", "/data/missing.jpg", &fakeCaptioner{}, &fakeEmbedder{}, nil},
		{"undecodable", "/data/broken.jpg", &fakeCaptioner{}, &fakeEmbedder{}, nil},
		{"caption error", "/data/a.jpg", &fakeCaptioner{fail: map[string]error{"a.jpg": captionErr}}, &fakeEmbedder{}, captionErr},
		{"embed error", "/data/a.jpg", &fakeCaptioner{}, &fakeEmbedder{err: llm.ErrEmptyEmbedding}, llm.ErrEmptyEmbedding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			svc, _ := newTestService(fs, tt.captioner, tt.embedder, store)

			stored, err := svc.StoreImage(context.Background(), tt.path)
			if stored || err == nil {
				t.Fatalf("expected failure, got %v, %v", stored, err)
			}
			if vector.IsStoreError(err) {
				t.Errorf("expected a non-store error, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if len(store.docs) != 0 {
				t.Error("nothing should be stored")
			}
		})
	}
}

func TestListImages(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImages(t, fs, "/data", "b.jpeg", "a.jpg", "c.png", "D.JPG", "notes.txt", "sub/e.jpg")

	svc, _ := newTestService(fs, &fakeCaptioner{}, &fakeEmbedder{}, &fakeStore{})
	paths, err := svc.ListImages("/data")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/data/a.jpg", "/data/b.jpeg"}
	if len(paths) != len(want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("expected %v, got %v", want, paths)
		}
	}
}

func TestStoreDataset_ReturnsNotStored(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImages(t, fs, "/data", "a.jpg", "b.jpeg", "c.jpg", "d.jpg", "skip.png")

	store := &fakeStore{failNames: map[string]vector.Kind{
		"b.jpeg": vector.KindEngine,
		"d.jpg":  vector.KindSchemaMismatch,
	}}
	captioner := &fakeCaptioner{}
	svc, _ := newTestService(fs, captioner, &fakeEmbedder{}, store)

	notStored, err := svc.StoreDataset(context.Background(), "/data")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sort.Strings(notStored)
	if len(notStored) != 2 || notStored[0] != "/data/b.jpeg" || notStored[1] != "/data/d.jpg" {
		t.Errorf("expected b.jpeg and d.jpg not stored, got %v", notStored)
	}
	if len(store.docs) != 2 {
		t.Errorf("expected 2 stored documents, got %d", len(store.docs))
	}
	if len(captioner.calls) != 4 {
		t.Errorf("expected 4 caption calls, got %d", len(captioner.calls))
	}

	all, _ := svc.ListImages("/data")
	for _, p := range notStored {
		found := false
		for _, q := range all {
			if p == q {
				found = true
			}
		}
		if !found {
			t.Errorf("%s is not one of the dataset's images", p)
		}
	}
}

func TestStoreDataset_AllStored(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImages(t, fs, "/data", "a.jpg", "b.jpg")

	svc, _ := newTestService(fs, &fakeCaptioner{}, &fakeEmbedder{}, &fakeStore{})
	notStored, err := svc.StoreDataset(context.Background(), "/data")
	if err != nil {
		t.Fatal(err)
	}
	if notStored == nil || len(notStored) != 0 {
		t.Errorf("expected empty non-nil result, got %#v", notStored)
	}
}

func TestStoreDataset_ModelFailureAborts(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImages(t, fs, "/data", "a.jpg", "b.jpg", "c.jpg")

	modelErr := errors.New("rate limited")
	store := &fakeStore{failNames: map[string]vector.Kind{"a.jpg": vector.KindEngine}}
	captioner := &fakeCaptioner{fail: map[string]error{"b.jpg": modelErr}}
	svc, _ := newTestService(fs, captioner, &fakeEmbedder{}, store)

	notStored, err := svc.StoreDataset(context.Background(), "/data")
	if !errors.Is(err, modelErr) {
		t.Fatalf("expected model error, got %v", err)
	}
	if len(notStored) != 1 || notStored[0] != "/data/a.jpg" {
		t.Errorf("expected paths collected before the failure, got %v", notStored)
	}
	if len(captioner.calls) != 2 {
		t.Errorf("expected batch to stop after b.jpg, got calls %v", captioner.calls)
	}
}

func TestStoreDataset_MissingDir(t *testing.T) {
	svc, _ := newTestService(afero.NewMemMapFs(), &fakeCaptioner{}, &fakeEmbedder{}, &fakeStore{})
	if _, err := svc.StoreDataset(context.Background(), "/nope"); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestSearchByText_DogAndCat(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImages(t, fs, "/data", "a.jpg", "b.jpg")

	captioner := &fakeCaptioner{captions: map[string]string{"a.jpg": "a dog", "b.jpg": "a cat"}}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"a dog": {1, 0, 0},
		"a cat": {0, 1, 0},
	}}
	svc, m := newTestService(fs, captioner, embedder, &fakeStore{})

	if _, err := svc.StoreDataset(context.Background(), "/data"); err != nil {
		t.Fatal(err)
	}

	hits, err := svc.SearchByText(context.Background(), "a dog", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0] != (vector.Hit{Name: "a.jpg", Caption: "a dog", Score: 2.0}) {
		t.Errorf("unexpected hit %+v", hits[0])
	}

	hits, _ = svc.SearchByText(context.Background(), "a dog", 10)
	if len(hits) != 2 || hits[1].Name != "b.jpg" || hits[1].Score != 1.0 {
		t.Errorf("expected cat second with score 1.0, got %+v", hits)
	}
	if m.SearchesTotal.Value() != 2 {
		t.Errorf("expected 2 searches recorded, got %v", m.SearchesTotal.Value())
	}
}

func TestSearchByText_EmptyQuery(t *testing.T) {
	svc, _ := newTestService(afero.NewMemMapFs(), &fakeCaptioner{}, &fakeEmbedder{}, &fakeStore{})
	if _, err := svc.SearchByText(context.Background(), "", 5); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestSearchByText_WhitespaceIsEmbeddedAsGiven(t *testing.T) {
	emb := &recordingEmbedder{}
	svc, _ := newTestService(afero.NewMemMapFs(), &fakeCaptioner{}, emb, &fakeStore{})

	if _, err := svc.SearchByText(context.Background(), "   ", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(emb.texts) != 1 || emb.texts[0] != "   " {
		t.Errorf("expected the raw query to be embedded, got %q", emb.texts)
	}
}

type recordingEmbedder struct {
	texts []string
}

func (r *recordingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	r.texts = append(r.texts, texts...)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func TestSearchByText_StoreFailure(t *testing.T) {
	store := &fakeStore{searchErr: vector.NewError(vector.KindConnectionUnavailable, "search", errors.New("refused"))}
	svc, m := newTestService(afero.NewMemMapFs(), &fakeCaptioner{}, &fakeEmbedder{}, store)

	hits, err := svc.SearchByText(context.Background(), "a dog", 5)
	if !errors.Is(err, vector.ErrConnectionUnavailable) {
		t.Errorf("expected connection unavailable, got %v", err)
	}
	if hits == nil || len(hits) != 0 {
		t.Errorf("expected empty non-nil hits, got %#v", hits)
	}
	if m.StoreErrorsTotal[vector.KindConnectionUnavailable].Value() != 1 {
		t.Error("expected store error counted")
	}
}

func TestSearchByText_EmbedFailure(t *testing.T) {
	svc, _ := newTestService(afero.NewMemMapFs(), &fakeCaptioner{}, &fakeEmbedder{err: errors.New("down")}, &fakeStore{})
	if _, err := svc.SearchByText(context.Background(), "a dog", 5); err == nil || vector.IsStoreError(err) {
		t.Errorf("expected a model error, got %v", err)
	}
}

func TestService_WithSQLiteStore(t *testing.T) {
	store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "images.db"), Dimensions: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}

	fs := afero.NewMemMapFs()
	writeImages(t, fs, "/data", "a.jpg", "b.jpg", "c.jpg")
	captioner := &fakeCaptioner{captions: map[string]string{"a.jpg": "a dog", "b.jpg": "a cat", "c.jpg": "a car"}}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"a dog":   {1, 0, 0},
		"a cat":   {0, 1, 0},
		"a car":   {0, 0, 1},
		"puppies": {0.9, 0.1, 0},
	}}
	svc, _ := newTestService(fs, captioner, embedder, store)

	notStored, err := svc.StoreDataset(context.Background(), "/data")
	if err != nil || len(notStored) != 0 {
		t.Fatalf("expected all stored, got %v, %v", notStored, err)
	}

	hits, err := svc.SearchByText(context.Background(), "puppies", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 || hits[0].Name != "a.jpg" || hits[1].Name != "b.jpg" {
		t.Errorf("unexpected ranking %+v", hits)
	}
	if hits[0].Score <= hits[1].Score {
		t.Error("expected descending scores")
	}
}
