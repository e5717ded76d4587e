package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

func status(code int, body string) error {
	return &StatusError{Provider: "test", Code: code, Body: body}
}

func fastRetry(max int) *RetryConfig {
	return &RetryConfig{
		MaxRetries: max,
		RetryDelay: 10 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Timeout:    5 * time.Second,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	if cfg.MaxRetries != 3 {
		t.Errorf("expected 3 max retries, got %d", cfg.MaxRetries)
	}
	if cfg.RetryDelay != time.Second {
		t.Errorf("expected 1 second retry delay, got %v", cfg.RetryDelay)
	}
	if cfg.MaxDelay != 30*time.Second {
		t.Errorf("expected 30 second max delay, got %v", cfg.MaxDelay)
	}
	if cfg.Timeout != 2*time.Minute {
		t.Errorf("expected 2 minute timeout, got %v", cfg.Timeout)
	}
}

func TestNewRetryProvider_NilConfig(t *testing.T) {
	retry := NewRetryProvider(&mockRetryProvider{name: "test"}, nil)

	if retry.config == nil {
		t.Fatal("expected config to be set")
	}
	if retry.config.MaxRetries != 3 {
		t.Errorf("expected default 3 retries, got %d", retry.config.MaxRetries)
	}
	if retry.Name() != "test" {
		t.Errorf("expected 'test', got %s", retry.Name())
	}
}

func TestRetryProvider_Caption_SucceedsFirstTry(t *testing.T) {
	inner := &mockRetryProvider{name: "test", captions: []string{"a dog"}}
	retry := NewRetryProvider(inner, fastRetry(3))

	caption, err := retry.Caption(context.Background(), &Image{Name: "a.jpg"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if caption != "a dog" {
		t.Errorf("expected 'a dog', got %q", caption)
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 call, got %d", inner.calls)
	}
}

func TestRetryProvider_Caption_RetriesOnRetryableError(t *testing.T) {
	inner := &mockRetryProvider{
		name:     "test",
		errors:   []error{status(500, ""), status(503, "")},
		captions: []string{"a dog"},
	}
	retry := NewRetryProvider(inner, fastRetry(3))

	if _, err := retry.Caption(context.Background(), &Image{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("expected 3 calls (2 failures + 1 success), got %d", inner.calls)
	}
}

func TestRetryProvider_Caption_FailsNonRetryableError(t *testing.T) {
	inner := &mockRetryProvider{name: "test", errors: []error{status(401, "bad key")}}
	retry := NewRetryProvider(inner, fastRetry(3))

	_, err := retry.Caption(context.Background(), &Image{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "non-retryable") {
		t.Errorf("expected 'non-retryable' in error, got: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 call (no retries), got %d", inner.calls)
	}
}

func TestRetryProvider_Caption_RespectsMaxRetries(t *testing.T) {
	inner := &mockRetryProvider{
		name:   "test",
		errors: []error{status(500, ""), status(500, ""), status(500, ""), status(500, "")},
	}
	retry := NewRetryProvider(inner, fastRetry(2))

	_, err := retry.Caption(context.Background(), &Image{})
	if err == nil || !strings.Contains(err.Error(), "max retries") {
		t.Errorf("expected 'max retries' in error, got: %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("expected 3 calls (initial + 2 retries), got %d", inner.calls)
	}
}

func TestRetryProvider_RespectsContextCancellation(t *testing.T) {
	inner := &mockRetryProvider{name: "test", errors: []error{status(500, "")}}
	retry := NewRetryProvider(inner, &RetryConfig{
		MaxRetries: 3,
		RetryDelay: 100 * time.Millisecond,
		MaxDelay:   time.Second,
		Timeout:    5 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := retry.Caption(ctx, &Image{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestRetryProvider_Embed_FollowsRetryLogic(t *testing.T) {
	inner := &mockRetryProvider{
		name:           "test",
		embedErrors:    []error{status(503, "")},
		embedResponses: [][][]float32{{{0.1, 0.2, 0.3}}},
	}
	retry := NewRetryProvider(inner, fastRetry(3))

	embeddings, err := retry.Embed(context.Background(), []string{"test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(embeddings) != 1 {
		t.Fatalf("expected 1 embedding, got %d", len(embeddings))
	}
	if inner.embedCalls != 2 {
		t.Errorf("expected 2 calls (1 failure + 1 success), got %d", inner.embedCalls)
	}
}

func TestRetryProvider_Embed_UnsupportedIsFinal(t *testing.T) {
	inner := &mockRetryProvider{name: "test", embedErrors: []error{ErrEmbeddingUnsupported}}
	retry := NewRetryProvider(inner, fastRetry(3))

	_, err := retry.Embed(context.Background(), []string{"x"})
	if !errors.Is(err, ErrEmbeddingUnsupported) {
		t.Errorf("expected ErrEmbeddingUnsupported, got %v", err)
	}
	if inner.embedCalls != 1 {
		t.Errorf("expected 1 call, got %d", inner.embedCalls)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"rate limited", status(429, "slow down"), true},
		{"daily quota", status(429, "tokens per day exceeded"), false},
		{"daily quota short", status(429, "TPD limit reached"), false},
		{"server error", status(500, ""), true},
		{"bad gateway", status(502, ""), true},
		{"unavailable", fmt.Errorf("caption: %w", status(503, "")), true},
		{"gateway timeout", status(504, ""), true},
		{"not implemented", status(501, ""), false},
		{"request timeout", status(408, ""), true},
		{"bad request", status(400, ""), false},
		{"unauthorized", status(401, ""), false},
		{"forbidden", status(403, ""), false},
		{"not found", status(404, ""), false},
		{"too large", status(413, ""), false},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"unsupported", fmt.Errorf("embed: %w", ErrEmbeddingUnsupported), false},
		{"empty caption", ErrEmptyCaption, false},
		{"plain", errors.New("decode response"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatusError_Message(t *testing.T) {
	err := status(503, "  overloaded \n")
	if err.Error() != "test: 503 Service Unavailable: overloaded" {
		t.Errorf("unexpected message %q", err.Error())
	}

	long := &StatusError{Provider: "p", Code: 500, Body: strings.Repeat("x", 600)}
	if !strings.HasSuffix(long.Error(), "...") {
		t.Error("expected long body to be truncated")
	}
}

func TestBackoff(t *testing.T) {
	cfg := &RetryConfig{RetryDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := backoff(cfg, i+1); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestWrapWithRetry(t *testing.T) {
	if WrapWithRetry(nil, ProviderConfig{}) != nil {
		t.Error("expected nil for nil provider")
	}

	result := WrapWithRetry(&mockRetryProvider{name: "test"}, ProviderConfig{
		Timeout:    3 * time.Minute,
		MaxRetries: 5,
		RetryDelay: 2 * time.Second,
	})
	retry, ok := result.(*RetryProvider)
	if !ok {
		t.Fatalf("expected RetryProvider, got %T", result)
	}
	if retry.config.Timeout != 3*time.Minute {
		t.Errorf("expected 3 minute timeout, got %v", retry.config.Timeout)
	}
	if retry.config.MaxRetries != 5 {
		t.Errorf("expected 5 retries, got %d", retry.config.MaxRetries)
	}
	if retry.config.RetryDelay != 2*time.Second {
		t.Errorf("expected 2s retry delay, got %v", retry.config.RetryDelay)
	}
}

// mockRetryProvider fails with the queued errors, then returns the queued results.
type mockRetryProvider struct {
	name           string
	captions       []string
	errors         []error
	embedResponses [][][]float32
	embedErrors    []error
	calls          int
	embedCalls     int
}

func (m *mockRetryProvider) Name() string { return m.name }

func (m *mockRetryProvider) Caption(ctx context.Context, img *Image) (string, error) {
	m.calls++
	if len(m.errors) > 0 {
		err := m.errors[0]
		m.errors = m.errors[1:]
		return "", err
	}
	if len(m.captions) > 0 {
		c := m.captions[0]
		m.captions = m.captions[1:]
		return c, nil
	}
	return "", fmt.Errorf("mock: no more captions configured")
}

func (m *mockRetryProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.embedCalls++
	if len(m.embedErrors) > 0 {
		err := m.embedErrors[0]
		m.embedErrors = m.embedErrors[1:]
		return nil, err
	}
	if len(m.embedResponses) > 0 {
		resp := m.embedResponses[0]
		m.embedResponses = m.embedResponses[1:]
		return resp, nil
	}
	return nil, fmt.Errorf("mock: no more embed responses configured")
}
