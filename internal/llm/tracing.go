package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/efebarandurmaz/imagesearch/internal/observability"
)

// TracingProvider records a span and request metrics for every call.
type TracingProvider struct {
	inner   Provider
	metrics *observability.SearchMetrics
}

// WithTracing wraps p. A nil metrics set falls back to the global one.
func WithTracing(p Provider, m *observability.SearchMetrics) Provider {
	if p == nil {
		return nil
	}
	if m == nil {
		m = observability.Metrics()
	}
	return &TracingProvider{inner: p, metrics: m}
}

// Name returns the underlying provider name.
func (t *TracingProvider) Name() string { return t.inner.Name() }

// Caption traces the inner Caption call.
func (t *TracingProvider) Caption(ctx context.Context, img *Image) (string, error) {
	ctx, span := observability.StartModelSpan(ctx, "caption", t.inner.Name())
	defer span.End()
	if img != nil {
		span.SetAttributes(
			attribute.String("image.name", img.Name),
			attribute.String("image.media_type", img.MediaType),
			attribute.Int("image.bytes", len(img.Data)),
		)
	}

	start := time.Now()
	caption, err := t.inner.Caption(ctx, img)
	t.metrics.RecordModelRequest(time.Since(start), err)
	observability.RecordError(span, err)
	span.SetAttributes(attribute.Int("caption.length", len(caption)))
	return caption, err
}

// Embed traces the inner Embed call.
func (t *TracingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := observability.StartModelSpan(ctx, "embed", t.inner.Name())
	defer span.End()
	span.SetAttributes(attribute.Int("embed.inputs", len(texts)))

	start := time.Now()
	vecs, err := t.inner.Embed(ctx, texts)
	t.metrics.RecordModelRequest(time.Since(start), err)
	observability.RecordError(span, err)
	if len(vecs) > 0 {
		span.SetAttributes(attribute.Int("embed.dimensions", len(vecs[0])))
	}
	return vecs, err
}
