package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/efebarandurmaz/imagesearch/internal/vector"
)

func TestDefaultTracingConfig(t *testing.T) {
	cfg := DefaultTracingConfig()
	if cfg.ServiceName != "imagesearch" {
		t.Fatalf("expected service name 'imagesearch', got %s", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Fatalf("expected sample rate 1.0, got %f", cfg.SampleRate)
	}
}

func TestInitTracing_NoEndpoint(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracing(ctx, &TracingConfig{ServiceName: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp.Tracer() == nil {
		t.Fatal("expected non-nil tracer")
	}
	if err := tp.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestInitTracing_NilConfig(t *testing.T) {
	tp, err := InitTracing(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp == nil {
		t.Fatal("expected non-nil tracer provider")
	}
}

func TestSpans(t *testing.T) {
	ctx := context.Background()

	ctx, ingest := StartIngestSpan(ctx, "dataset/a.jpg")
	mctx, model := StartModelSpan(ctx, "caption", "openai")
	if mctx == nil {
		t.Fatal("expected context")
	}
	model.End()

	_, store := StartStoreSpan(ctx, "sqlite", "add")
	RecordError(store, vector.NewError(vector.KindSchemaMismatch, "add", errors.New("bad width")))
	store.End()
	ingest.End()

	_, search := StartSearchSpan(context.Background(), 10)
	RecordSearchResult(search, []vector.Hit{{Name: "a.jpg", Score: 2}})
	RecordSearchResult(search, nil)
	RecordError(search, nil)
	search.End()
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.5, "TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		if got := samplerFor(tt.rate).Description(); got != tt.want {
			t.Errorf("samplerFor(%v) = %s, want %s", tt.rate, got, tt.want)
		}
	}
}

func TestSpans_Attributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartStoreSpan(context.Background(), "qdrant", "search")
	RecordError(span, vector.NewError(vector.KindConnectionUnavailable, "search", errors.New("refused")))
	span.End()

	_, search := StartSearchSpan(context.Background(), 5)
	RecordSearchResult(search, []vector.Hit{{Name: "a.jpg", Score: 1.75}})
	search.End()

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(ended))
	}

	attrs := func(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
		m := make(map[attribute.Key]attribute.Value)
		for _, kv := range s.Attributes() {
			m[kv.Key] = kv.Value
		}
		return m
	}

	store := ended[0]
	if store.Name() != "store.search" {
		t.Errorf("unexpected span name %q", store.Name())
	}
	if store.Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", store.Status().Code)
	}
	if got := attrs(store)["store.error_kind"].AsString(); got != vector.KindConnectionUnavailable.String() {
		t.Errorf("expected error kind attribute, got %q", got)
	}

	sa := attrs(ended[1])
	if sa["search.size"].AsInt64() != 5 || sa["search.hits"].AsInt64() != 1 || sa["search.top_score"].AsFloat64() != 1.75 {
		t.Errorf("unexpected search attributes %v", sa)
	}
}
