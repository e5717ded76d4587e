// Package observability provides OpenTelemetry tracing, Prometheus-text
// metrics and slog setup for imagesearch.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/efebarandurmaz/imagesearch/internal/vector"
)

// TracerName names every span this module starts.
const TracerName = "github.com/efebarandurmaz/imagesearch"

// TracingConfig configures span export. An empty OTLPEndpoint keeps the
// global no-op provider, so spans cost nothing unless an exporter is set.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // OTLP gRPC, e.g. "localhost:4317"
	SampleRate     float64 // fraction of root spans kept, 0 to 1
}

// DefaultTracingConfig is used when InitTracing gets nil.
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		ServiceName:    "imagesearch",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

// TracerProvider owns the SDK provider when export is enabled.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing installs a global tracer provider exporting to
// cfg.OTLPEndpoint over insecure gRPC.
func InitTracing(ctx context.Context, cfg *TracingConfig) (*TracerProvider, error) {
	if cfg == nil {
		cfg = DefaultTracingConfig()
	}
	if cfg.OTLPEndpoint == "" {
		return &TracerProvider{tracer: otel.Tracer(TracerName)}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter %s: %w", cfg.OTLPEndpoint, err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(samplerFor(cfg.SampleRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return &TracerProvider{provider: provider, tracer: provider.Tracer(TracerName)}, nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Shutdown flushes pending spans. It is a no-op without an exporter.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

func (tp *TracerProvider) Tracer() trace.Tracer { return tp.tracer }

// Span kinds recorded under imagesearch.span.kind.
const (
	SpanKindModel  = "model"
	SpanKindStore  = "store"
	SpanKindIngest = "ingest"
	SpanKindSearch = "search"
)

// StartModelSpan starts a span for a caption or embedding call.
func StartModelSpan(ctx context.Context, op, provider string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "model."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("imagesearch.span.kind", SpanKindModel),
			attribute.String("model.provider", provider),
			attribute.String("model.op", op),
		),
	)
}

// StartStoreSpan starts a span for a document store call.
func StartStoreSpan(ctx context.Context, backend, op string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("imagesearch.span.kind", SpanKindStore),
			attribute.String("store.backend", backend),
		),
	)
}

// StartIngestSpan starts a span covering one image ingest.
func StartIngestSpan(ctx context.Context, path string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "ingest.image",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("imagesearch.span.kind", SpanKindIngest),
			attribute.String("image.path", path),
		),
	)
}

// StartSearchSpan starts a span covering one text query.
func StartSearchSpan(ctx context.Context, size int) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "search.text",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("imagesearch.span.kind", SpanKindSearch),
			attribute.Int("search.size", size),
		),
	)
}

// RecordSearchResult records the number of hits and the best score.
func RecordSearchResult(span trace.Span, hits []vector.Hit) {
	span.SetAttributes(attribute.Int("search.hits", len(hits)))
	if len(hits) > 0 {
		span.SetAttributes(attribute.Float64("search.top_score", hits[0].Score))
	}
}

// RecordError records an error on a span. Store errors also carry their kind.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	if kind, ok := vector.KindOf(err); ok {
		span.SetAttributes(attribute.String("store.error_kind", kind.String()))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
