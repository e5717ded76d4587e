// Package imagesearch ties captioning, embedding and the vector store
// together into the image ingest and text search operations.
package imagesearch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/efebarandurmaz/imagesearch/internal/llm"
	"github.com/efebarandurmaz/imagesearch/internal/observability"
	"github.com/efebarandurmaz/imagesearch/internal/vector"
)

// ImagePattern matches the file names a dataset directory is scanned for.
const ImagePattern = "*.{jpg,jpeg}"

// ErrEmptyQuery is returned by SearchByText for an empty query.
var ErrEmptyQuery = errors.New("query is empty")

// Service runs ingest and search against one store. It is safe for
// concurrent use if its collaborators are.
type Service struct {
	captioner llm.Captioner
	embedder  llm.Embedder
	store     vector.Store
	backend   string
	fs        afero.Fs
	logger    *slog.Logger
	metrics   *observability.SearchMetrics
}

// Option configures a Service.
type Option func(*Service)

// WithFs sets the filesystem images are read from. Defaults to the OS.
func WithFs(fs afero.Fs) Option { return func(s *Service) { s.fs = fs } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics sets the metric set. Defaults to observability.Metrics().
func WithMetrics(m *observability.SearchMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithBackendName labels store spans.
func WithBackendName(name string) Option { return func(s *Service) { s.backend = name } }

// New creates a Service.
func New(captioner llm.Captioner, embedder llm.Embedder, store vector.Store, opts ...Option) *Service {
	s := &Service{
		captioner: captioner,
		embedder:  embedder,
		store:     store,
		backend:   "store",
		fs:        afero.NewOsFs(),
		logger:    slog.Default(),
		metrics:   observability.Metrics(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Fs returns the filesystem the service reads images from.
func (s *Service) Fs() afero.Fs { return s.fs }

// Store returns the underlying vector store.
func (s *Service) Store() vector.Store { return s.store }

// StoreImage captions the image at path, embeds the caption and adds the
// document to the store under the file's base name.
//
// It returns (true, nil) on success. A store failure returns false with a
// *vector.Error; read, decode and model failures return false with the
// underlying error.
func (s *Service) StoreImage(ctx context.Context, path string) (bool, error) {
	ctx, span := observability.StartIngestSpan(ctx, path)
	defer span.End()
	start := time.Now()

	doc, err := s.describe(ctx, path)
	if err != nil {
		observability.RecordError(span, err)
		return false, err
	}

	if err := s.add(ctx, doc); err != nil {
		observability.RecordError(span, err)
		s.metrics.RecordIngest(time.Since(start), false)
		s.metrics.RecordStoreError(err)
		s.logger.Error("image not stored", append([]any{"path", path}, observability.StoreErrorAttrs(err)...)...)
		return false, err
	}

	s.metrics.RecordIngest(time.Since(start), true)
	s.logger.Debug("image stored", "path", path, "caption", doc.Caption)
	return true, nil
}

func (s *Service) describe(ctx context.Context, path string) (vector.Document, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return vector.Document{}, fmt.Errorf("read image: %w", err)
	}
	name := filepath.Base(path)
	img, err := llm.NewImage(name, data)
	if err != nil {
		return vector.Document{}, err
	}

	caption, err := s.captioner.Caption(ctx, img)
	if err != nil {
		return vector.Document{}, fmt.Errorf("caption %s: %w", name, err)
	}
	vec, err := llm.EmbedOne(ctx, s.embedder, caption)
	if err != nil {
		return vector.Document{}, fmt.Errorf("embed caption of %s: %w", name, err)
	}
	return vector.Document{Name: name, Caption: caption, Vector: vec}, nil
}

func (s *Service) add(ctx context.Context, doc vector.Document) error {
	ctx, span := observability.StartStoreSpan(ctx, s.backend, "add")
	defer span.End()
	err := s.store.Add(ctx, doc)
	observability.RecordError(span, err)
	return err
}

// ListImages returns the .jpg and .jpeg files directly inside dir, sorted by
// name. Subdirectories are not descended into and matching is
// case-sensitive.
func (s *Service) ListImages(dir string) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("list dataset %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ok, err := doublestar.Match(ImagePattern, e.Name())
		if err != nil {
			return nil, err
		}
		if ok {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}

// StoreDataset stores every image in dir and returns the paths the store
// rejected. A store failure is recorded and the batch continues; any other
// failure stops the batch and is returned with the paths collected so far.
func (s *Service) StoreDataset(ctx context.Context, dir string) ([]string, error) {
	paths, err := s.ListImages(dir)
	if err != nil {
		return nil, err
	}
	s.logger.Info("storing dataset", "dir", dir, "images", len(paths))

	notStored := []string{}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return notStored, err
		}
		stored, err := s.StoreImage(ctx, p)
		if stored {
			continue
		}
		if err != nil && !vector.IsStoreError(err) {
			return notStored, fmt.Errorf("store %s: %w", p, err)
		}
		notStored = append(notStored, p)
	}

	s.logger.Info("dataset stored", "dir", dir, "stored", len(paths)-len(notStored), "not_stored", len(notStored))
	return notStored, nil
}

// SearchByText embeds text and returns up to size of the closest images.
// The text is embedded as given; only the empty string is rejected. A store
// failure is logged and returned with an empty, non-nil slice.
func (s *Service) SearchByText(ctx context.Context, text string, size int) ([]vector.Hit, error) {
	if text == "" {
		return []vector.Hit{}, ErrEmptyQuery
	}
	ctx, span := observability.StartSearchSpan(ctx, size)
	defer span.End()
	start := time.Now()

	vec, err := llm.EmbedOne(ctx, s.embedder, text)
	if err != nil {
		observability.RecordError(span, err)
		return []vector.Hit{}, fmt.Errorf("embed query: %w", err)
	}

	storeCtx, storeSpan := observability.StartStoreSpan(ctx, s.backend, "search")
	hits, err := s.store.Search(storeCtx, vec, size)
	observability.RecordError(storeSpan, err)
	storeSpan.End()
	if err != nil {
		observability.RecordError(span, err)
		s.metrics.RecordStoreError(err)
		s.logger.Error("search failed", observability.StoreErrorAttrs(err)...)
		return []vector.Hit{}, err
	}
	if hits == nil {
		hits = []vector.Hit{}
	}

	s.metrics.RecordSearch(time.Since(start), hits)
	observability.RecordSearchResult(span, hits)
	return hits, nil
}
