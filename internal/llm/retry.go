package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// RetryConfig configures retry behavior for model calls.
type RetryConfig struct {
	MaxRetries int           // attempts after the first; 0 disables retries
	RetryDelay time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap for the doubled delay
	Timeout    time.Duration // per attempt
}

// DefaultRetryConfig is used when a RetryProvider gets a nil config.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 3,
		RetryDelay: time.Second,
		MaxDelay:   30 * time.Second,
		Timeout:    2 * time.Minute,
	}
}

// RetryProvider bounds each model call with a timeout and repeats calls that
// failed for a temporary reason.
type RetryProvider struct {
	inner  Provider
	config *RetryConfig
}

// NewRetryProvider wraps inner. A nil config means DefaultRetryConfig.
func NewRetryProvider(inner Provider, config *RetryConfig) *RetryProvider {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &RetryProvider{inner: inner, config: config}
}

func (r *RetryProvider) Name() string { return r.inner.Name() }

func (r *RetryProvider) Caption(ctx context.Context, img *Image) (string, error) {
	return withRetry(ctx, r.config, func(ctx context.Context) (string, error) {
		return r.inner.Caption(ctx, img)
	})
}

func (r *RetryProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return withRetry(ctx, r.config, func(ctx context.Context) ([][]float32, error) {
		return r.inner.Embed(ctx, texts)
	})
}

func withRetry[T any](ctx context.Context, cfg *RetryConfig, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var err error

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff(cfg, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		var out T
		out, err = callWithTimeout(ctx, cfg.Timeout, call)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !retryable(err) {
			return zero, fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt >= cfg.MaxRetries {
			break
		}
	}
	return zero, fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, err)
}

func callWithTimeout[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return call(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return call(ctx)
}

// backoff doubles RetryDelay for each attempt after the first, capped at
// MaxDelay.
func backoff(cfg *RetryConfig, attempt int) time.Duration {
	delay := cfg.RetryDelay
	for i := 1; i < attempt && delay < cfg.MaxDelay; i++ {
		delay *= 2
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

func retryable(err error) bool {
	var statusErr *StatusError
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrEmbeddingUnsupported),
		errors.Is(err, ErrEmptyCaption),
		errors.Is(err, ErrEmptyEmbedding):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &statusErr):
		return statusErr.Temporary()
	case errors.As(err, &netErr):
		return true
	}
	return false
}

// WrapWithRetry builds a RetryProvider from provider settings. Timeout and
// RetryDelay fall back to 2m and 1s.
func WrapWithRetry(provider Provider, cfg ProviderConfig) Provider {
	if provider == nil {
		return nil
	}
	rc := DefaultRetryConfig()
	rc.MaxRetries = cfg.MaxRetries
	if cfg.Timeout > 0 {
		rc.Timeout = cfg.Timeout
	}
	if cfg.RetryDelay > 0 {
		rc.RetryDelay = cfg.RetryDelay
	}
	return NewRetryProvider(provider, rc)
}
