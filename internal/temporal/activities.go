package temporal

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/efebarandurmaz/imagesearch/internal/vector"
)

// Ingester is the part of imagesearch.Service the activities need.
type Ingester interface {
	ListImages(dir string) ([]string, error)
	StoreImage(ctx context.Context, path string) (bool, error)
}

// StoreResult is the outcome of one StoreImageActivity.
type StoreResult struct {
	Path      string
	Stored    bool
	ErrorKind string
}

// Dependencies holds shared resources injected into activities.
type Dependencies struct {
	Ingester Ingester
}

var deps *Dependencies

// SetDependencies injects shared resources (called during worker setup).
func SetDependencies(d *Dependencies) {
	deps = d
}

var errNoDependencies = errors.New("temporal: activity dependencies not set")

func ListImagesActivity(ctx context.Context, dir string) ([]string, error) {
	if deps == nil || deps.Ingester == nil {
		return nil, errNoDependencies
	}
	paths, err := deps.Ingester.ListImages(dir)
	if err != nil {
		return nil, err
	}
	activity.GetLogger(ctx).Info("dataset listed", "dir", dir, "images", len(paths))
	return paths, nil
}

// StoreImageActivity stores one image. A store rejection is a normal result
// with Stored false; read and model failures are returned as non-retryable
// errors.
func StoreImageActivity(ctx context.Context, path string) (StoreResult, error) {
	if deps == nil || deps.Ingester == nil {
		return StoreResult{}, errNoDependencies
	}

	stored, err := deps.Ingester.StoreImage(ctx, path)
	if err == nil {
		return StoreResult{Path: path, Stored: stored}, nil
	}
	if kind, ok := vector.KindOf(err); ok {
		return StoreResult{Path: path, Stored: false, ErrorKind: kind.String()}, nil
	}
	return StoreResult{}, temporal.NewNonRetryableApplicationError(err.Error(), "StoreImageFailed", err)
}
