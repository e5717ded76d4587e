package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/efebarandurmaz/imagesearch/internal/imagesearch"
	"github.com/efebarandurmaz/imagesearch/internal/observability"
	"github.com/efebarandurmaz/imagesearch/internal/vector"
)

// Search sizes accepted by the API.
const (
	DefaultSearchSize = 10
	MaxSearchSize     = 30
)

// Searcher is the part of imagesearch.Service the API needs.
type Searcher interface {
	SearchByText(ctx context.Context, text string, size int) ([]vector.Hit, error)
	StoreImage(ctx context.Context, path string) (bool, error)
}

// SearchResponse is returned by GET /api/search. Error holds the store
// error kind when the search could not run.
type SearchResponse struct {
	Query string       `json:"query"`
	Hits  []vector.Hit `json:"hits"`
	Error string       `json:"error,omitempty"`
}

// StoreRequest is the body of POST /api/images.
type StoreRequest struct {
	Path string `json:"path"`
}

// StoreResponse is returned by POST /api/images.
type StoreResponse struct {
	Stored bool   `json:"stored"`
	Error  string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// API serves search and ingest over JSON.
type API struct {
	svc        Searcher
	datasetDir string
	logger     *slog.Logger
}

// errOutsideDataset rejects ingest paths that leave the dataset directory.
var errOutsideDataset = errors.New("path is outside the dataset directory")

// NewAPI creates the JSON API for svc. POST /api/images only accepts images
// under datasetDir; relative paths are resolved against it.
func NewAPI(svc Searcher, datasetDir string, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if datasetDir == "" {
		datasetDir = "."
	}
	return &API{svc: svc, datasetDir: datasetDir, logger: logger}
}

// datasetPath resolves p inside the dataset directory.
func (a *API) datasetPath(p string) (string, error) {
	root, err := filepath.Abs(a.datasetDir)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideDataset
	}
	return p, nil
}

// Register adds the API routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/search", a.handleSearch)
	mux.HandleFunc("POST /api/images", a.handleStore)
}

// ClampSize limits a requested result count to [1, MaxSearchSize].
func ClampSize(n int) int {
	switch {
	case n < 1:
		return 1
	case n > MaxSearchSize:
		return MaxSearchSize
	}
	return n
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")

	size := DefaultSearchSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "size must be an integer"})
			return
		}
		size = ClampSize(n)
	}

	hits, err := a.svc.SearchByText(r.Context(), q, size)
	switch {
	case errors.Is(err, imagesearch.ErrEmptyQuery):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Query is empty."})
		return
	case vector.IsStoreError(err):
		kind, _ := vector.KindOf(err)
		writeJSON(w, http.StatusOK, SearchResponse{Query: q, Hits: []vector.Hit{}, Error: kind.String()})
		return
	case err != nil:
		a.logger.Error("search failed", "query", q, "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	if hits == nil {
		hits = []vector.Hit{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Query: q, Hits: hits})
}

func (a *API) handleStore(w http.ResponseWriter, r *http.Request) {
	var req StoreRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "path is required"})
		return
	}

	path, err := a.datasetPath(req.Path)
	if err != nil {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
		return
	}

	stored, err := a.svc.StoreImage(r.Context(), path)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, StoreResponse{Stored: stored})
	case vector.IsStoreError(err):
		kind, _ := vector.KindOf(err)
		writeJSON(w, http.StatusOK, StoreResponse{Stored: false, Error: kind.String()})
	case errors.Is(err, fs.ErrNotExist):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		a.logger.Error("store image failed", append([]any{"path", path}, observability.StoreErrorAttrs(err)...)...)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}
