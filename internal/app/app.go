// Package app builds the providers, store and service described by a
// config.Config. Both binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/afero"

	"github.com/efebarandurmaz/imagesearch/internal/config"
	"github.com/efebarandurmaz/imagesearch/internal/imagesearch"
	"github.com/efebarandurmaz/imagesearch/internal/llm"
	"github.com/efebarandurmaz/imagesearch/internal/llm/anthropic"
	"github.com/efebarandurmaz/imagesearch/internal/llm/openai"
	"github.com/efebarandurmaz/imagesearch/internal/observability"
	"github.com/efebarandurmaz/imagesearch/internal/results"
	"github.com/efebarandurmaz/imagesearch/internal/vector"
	"github.com/efebarandurmaz/imagesearch/internal/vector/pgvector"
	"github.com/efebarandurmaz/imagesearch/internal/vector/qdrant"
	"github.com/efebarandurmaz/imagesearch/internal/vector/sqlite"
)

// Version is reported by the health endpoint and tracing resource.
const Version = "0.1.0"

// App holds everything a command needs.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *observability.SearchMetrics
	Fs        afero.Fs
	Captioner llm.Provider
	Embedder  llm.Provider
	Store     vector.Store
	Service   *imagesearch.Service
	Exporter  *results.Exporter
	Tracing   *observability.TracerProvider
}

// NewFactory returns a provider factory with the built-in backends. Every
// preset except anthropic speaks the OpenAI API.
func NewFactory() *llm.ProviderFactory {
	factory := llm.NewFactory()
	factory.Register("anthropic", func(c llm.ProviderConfig) (llm.Provider, error) {
		client := anthropic.New(c.APIKey, c.Model, c.BaseURL)
		client.SetPrompt(c.Prompt)
		return client, nil
	})
	for name, url := range llm.KnownProviders {
		if name == "anthropic" {
			continue
		}
		factory.Register(name, openaiConstructor(url))
	}
	factory.Register("custom", openaiConstructor(""))
	return factory
}

func openaiConstructor(defaultURL string) llm.ProviderConstructor {
	return func(c llm.ProviderConfig) (llm.Provider, error) {
		base := c.BaseURL
		if base == "" {
			base = defaultURL
		}
		if base == "" {
			return nil, errors.New("custom provider requires base_url")
		}
		opts := []openai.Option{openai.WithDimensions(c.Dimensions), openai.WithPrompt(c.Prompt)}
		if c.Timeout > 0 {
			opts = append(opts, openai.WithHTTPClient(&http.Client{Timeout: c.Timeout}))
		}
		return openai.New(c.APIKey, c.Model, base, c.EmbedModel, opts...), nil
	}
}

// CaptionProviderConfig maps the caption section onto a provider config.
func CaptionProviderConfig(cfg *config.Config) llm.ProviderConfig {
	return providerConfig(cfg.Caption, cfg.Store.Dimensions, cfg.Caption.Model, "")
}

// EmbeddingProviderConfig maps the resolved embedding section onto a
// provider config.
func EmbeddingProviderConfig(cfg *config.Config) llm.ProviderConfig {
	emb := cfg.ResolveEmbedding()
	return providerConfig(emb, cfg.Store.Dimensions, "", emb.Model)
}

func providerConfig(m config.ModelConfig, dims int, model, embedModel string) llm.ProviderConfig {
	pc := llm.DefaultProviderConfig()
	pc.Provider = m.Provider
	pc.APIKey = m.APIKey
	pc.BaseURL = m.BaseURL
	pc.Model = model
	pc.EmbedModel = embedModel
	pc.Dimensions = dims
	if m.Prompt != "" {
		pc.Prompt = m.Prompt
	}
	if m.Timeout > 0 {
		pc.Timeout = m.Timeout
	}
	pc.MaxRetries = m.MaxRetries
	pc.RequestsPerMinute = m.RequestsPerMinute
	pc.Burst = m.Burst
	return pc
}

// OpenStore connects to the configured backend. It does not create the
// schema.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (vector.Store, error) {
	switch cfg.Backend {
	case "", config.BackendQdrant:
		return qdrant.New(qdrant.Config{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey,
			Collection: cfg.Collection,
			Dimensions: cfg.Dimensions,
		})
	case config.BackendSQLite:
		return sqlite.Open(sqlite.Config{
			Path:       cfg.SQLite.Path,
			Table:      cfg.Collection,
			Dimensions: cfg.Dimensions,
		})
	case config.BackendPgvector:
		return pgvector.New(ctx, pgvector.Config{
			DSN:        cfg.Postgres.DSN,
			Table:      cfg.Collection,
			Dimensions: cfg.Dimensions,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// New wires an App from cfg. Logs go to logw.
func New(ctx context.Context, cfg *config.Config, logw io.Writer) (*App, error) {
	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format}, logw)
	slog.SetDefault(logger)
	metrics := observability.Metrics()

	tp, err := observability.InitTracing(ctx, &observability.TracingConfig{
		ServiceName:    "imagesearch",
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	factory := NewFactory()
	captioner, err := factory.Create(CaptionProviderConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("caption provider: %w", err)
	}
	embedder, err := factory.Create(EmbeddingProviderConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	captioner = llm.WithTracing(captioner, metrics)
	embedder = llm.WithTracing(embedder, metrics)

	store, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	fs := afero.NewOsFs()
	backend := cfg.Store.Backend
	if backend == "" {
		backend = config.BackendQdrant
	}
	svc := imagesearch.New(captioner, embedder, store,
		imagesearch.WithFs(fs),
		imagesearch.WithLogger(logger),
		imagesearch.WithMetrics(metrics),
		imagesearch.WithBackendName(backend),
	)

	exporter := results.NewExporter(fs, cfg.Dataset.Path, cfg.Dataset.ResultsDir)
	exporter.Logger = logger

	logger.Debug("app ready",
		"backend", backend,
		"caption_provider", captioner.Name(),
		"embedding_provider", embedder.Name(),
		"dimensions", cfg.Store.Dimensions)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Fs:        fs,
		Captioner: captioner,
		Embedder:  embedder,
		Store:     store,
		Service:   svc,
		Exporter:  exporter,
		Tracing:   tp,
	}, nil
}

// EnsureSchema creates or verifies the store schema.
func (a *App) EnsureSchema(ctx context.Context) error {
	if err := a.Store.EnsureSchema(ctx); err != nil {
		a.Logger.Error("schema check failed", observability.StoreErrorAttrs(err)...)
		return err
	}
	return nil
}

// Close flushes tracing and closes the store.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.Tracing.Shutdown(ctx), a.Store.Close())
}
