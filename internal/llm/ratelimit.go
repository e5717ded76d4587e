package llm

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures client-side rate limiting for providers.
type RateLimitConfig struct {
	// RequestsPerMinute limits the number of API calls per minute (0 = unlimited)
	RequestsPerMinute int
	// BurstSize allows temporary burst above the rate limit
	BurstSize int
}

// DefaultRateLimitConfig returns defaults suitable for free-tier cloud APIs.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         3,
	}
}

// RateLimitProvider wraps a provider with a token-bucket limiter shared by
// caption and embedding calls.
type RateLimitProvider struct {
	inner   Provider
	config  *RateLimitConfig
	limiter *rate.Limiter

	requests atomic.Int64
	waited   atomic.Int64 // nanoseconds spent blocked
}

// NewRateLimitProvider creates a rate-limited provider wrapper.
func NewRateLimitProvider(inner Provider, config *RateLimitConfig) *RateLimitProvider {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	burst := config.BurstSize
	if burst <= 0 {
		burst = 1
	}

	limit := rate.Inf
	if config.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(config.RequestsPerMinute))
	}

	return &RateLimitProvider{
		inner:   inner,
		config:  config,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Name returns the underlying provider name.
func (r *RateLimitProvider) Name() string {
	return r.inner.Name()
}

// Caption waits for capacity and delegates to the inner provider.
func (r *RateLimitProvider) Caption(ctx context.Context, img *Image) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	return r.inner.Caption(ctx, img)
}

// Embed waits for capacity and delegates to the inner provider.
func (r *RateLimitProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Embed(ctx, texts)
}

func (r *RateLimitProvider) wait(ctx context.Context) error {
	start := time.Now()
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	r.waited.Add(int64(time.Since(start)))
	r.requests.Add(1)
	return nil
}

// Stats returns current rate limiting statistics.
func (r *RateLimitProvider) Stats() RateLimitStats {
	return RateLimitStats{
		Requests:        int(r.requests.Load()),
		TotalWait:       time.Duration(r.waited.Load()),
		TokensAvailable: r.limiter.Tokens(),
	}
}

// RateLimitStats contains rate limiting statistics.
type RateLimitStats struct {
	Requests        int
	TotalWait       time.Duration
	TokensAvailable float64
}

// WithRateLimit wraps a provider with rate limiting.
func WithRateLimit(p Provider, config *RateLimitConfig) Provider {
	if p == nil {
		return nil
	}
	return NewRateLimitProvider(p, config)
}
