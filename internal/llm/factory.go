package llm

import (
	"fmt"
	"sort"
	"time"
)

// ProviderConfig holds all configuration needed to create any model provider.
type ProviderConfig struct {
	Provider   string // "anthropic", "openai", "groq", "ollama", "together", "custom", ...
	APIKey     string
	Model      string // caption (vision) model
	BaseURL    string // Override for self-hosted / custom endpoints
	EmbedModel string // Embedding model (OpenAI-compatible providers only)
	Dimensions int    // Requested embedding width
	Prompt     string // Caption prompt, defaults to CaptionPrompt

	// Timeout and retry configuration. MaxRetries 0 disables the retry wrapper.
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration

	// RequestsPerMinute > 0 enables client-side rate limiting.
	RequestsPerMinute int
	Burst             int
}

// DefaultProviderConfig returns a config with sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Provider:   "openai",
		Prompt:     CaptionPrompt,
		Dimensions: 768,
		Timeout:    2 * time.Minute,
		MaxRetries: 0,
		RetryDelay: 1 * time.Second,
	}
}

// ProviderFactory creates Provider instances from config.
type ProviderFactory struct {
	constructors map[string]ProviderConstructor
}

// ProviderConstructor builds a Provider from config.
type ProviderConstructor func(cfg ProviderConfig) (Provider, error)

// NewFactory creates an empty factory.
func NewFactory() *ProviderFactory {
	return &ProviderFactory{
		constructors: make(map[string]ProviderConstructor),
	}
}

// Register adds a provider constructor under the given name.
func (f *ProviderFactory) Register(name string, ctor ProviderConstructor) {
	f.constructors[name] = ctor
}

// Create builds a Provider from config. The result is wrapped with retries
// when MaxRetries > 0 and with rate limiting when RequestsPerMinute > 0.
func (f *ProviderFactory) Create(cfg ProviderConfig) (Provider, error) {
	if cfg.Provider == "" || cfg.Provider == "none" {
		return nil, fmt.Errorf("no model provider configured")
	}

	ctor, ok := f.constructors[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown model provider %q, registered: %v", cfg.Provider, f.Names())
	}

	provider, err := ctor(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.MaxRetries > 0 {
		provider = WrapWithRetry(provider, cfg)
	}
	if cfg.RequestsPerMinute > 0 {
		provider = WithRateLimit(provider, &RateLimitConfig{
			RequestsPerMinute: cfg.RequestsPerMinute,
			BurstSize:         cfg.Burst,
		})
	}
	return provider, nil
}

// Names returns the registered provider names in sorted order.
func (f *ProviderFactory) Names() []string {
	out := make([]string, 0, len(f.constructors))
	for k := range f.constructors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// KnownProviders documents the built-in provider presets.
// For OpenAI-compatible APIs (Groq, vLLM, Ollama, Together, etc.)
// use "openai" provider with a custom base_url.
//
// Presets with default base URLs:
//
//	anthropic  → https://api.anthropic.com/v1
//	openai     → https://api.openai.com/v1
//	groq       → https://api.groq.com/openai/v1
//	ollama     → http://localhost:11434/v1
//	together   → https://api.together.xyz/v1
//	mistral    → https://api.mistral.ai/v1
var KnownProviders = map[string]string{
	"anthropic": "https://api.anthropic.com/v1",
	"openai":    "https://api.openai.com/v1",
	"groq":      "https://api.groq.com/openai/v1",
	"ollama":    "http://localhost:11434/v1",
	"together":  "https://api.together.xyz/v1",
	"mistral":   "https://api.mistral.ai/v1",
}
