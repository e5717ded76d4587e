// Package vector defines the image document model, the store contract shared by
// every backend, and the cosine ranking used to order search hits.
package vector

import (
	"context"
	"errors"
	"fmt"
)

const (
	// DefaultDimensions is the length of every stored caption embedding.
	DefaultDimensions = 768

	// DefaultCollection is the collection (or table) holding image documents.
	DefaultCollection = "images"
)

// Document is one stored image: its file name, the generated caption and the
// embedding of that caption.
type Document struct {
	Name    string
	Caption string
	Vector  []float32
}

// Hit is a single ranked search result. The embedding is never returned.
type Hit struct {
	Name    string  `json:"name"`
	Caption string  `json:"caption"`
	Score   float64 `json:"score"`
}

// Store persists image documents and ranks them against a query vector.
type Store interface {
	// EnsureSchema creates the backing collection if it does not exist yet.
	// It is idempotent and never migrates an existing collection.
	EnsureSchema(ctx context.Context) error
	// Add writes doc as a new record.
	Add(ctx context.Context, doc Document) error
	// Search returns at most size hits ordered by descending score.
	Search(ctx context.Context, query []float32, size int) ([]Hit, error)
	// Ping reports whether the backing engine is reachable.
	Ping(ctx context.Context) error
	// Close releases resources.
	Close() error
}

// Validate checks that doc has every field populated and a vector of the
// configured dimensionality.
func Validate(doc Document, dims int) error {
	switch {
	case doc.Name == "":
		return fmt.Errorf("%w: missing name", ErrInvalidDocument)
	case doc.Caption == "":
		return fmt.Errorf("%w: missing caption", ErrInvalidDocument)
	case len(doc.Vector) == 0:
		return fmt.Errorf("%w: missing vector", ErrInvalidDocument)
	case len(doc.Vector) != dims:
		return fmt.Errorf("%w: vector has %d dimensions, want %d", ErrSchemaMismatch, len(doc.Vector), dims)
	case magnitude(doc.Vector) == 0:
		return fmt.Errorf("%w: zero-magnitude vector", ErrInvalidDocument)
	}
	return nil
}

// CheckQuery validates a query vector against the configured dimensionality.
func CheckQuery(query []float32, dims int) error {
	if len(query) != dims {
		return fmt.Errorf("%w: query has %d dimensions, want %d", ErrSchemaMismatch, len(query), dims)
	}
	return nil
}

// AddError classifies a validation failure from Validate for the add operation.
func AddError(err error) error {
	if errors.Is(err, ErrSchemaMismatch) {
		return NewError(KindSchemaMismatch, "add", err)
	}
	return NewError(KindInvalidDocument, "add", err)
}
