package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Store     StoreConfig    `mapstructure:"store"`
	Caption   ModelConfig    `mapstructure:"caption"`
	Embedding ModelConfig    `mapstructure:"embedding"`
	Dataset   DatasetConfig  `mapstructure:"dataset"`
	Temporal  TemporalConfig `mapstructure:"temporal"`
	Log       LogConfig      `mapstructure:"log"`
	Tracing   TracingConfig  `mapstructure:"tracing"`
	Server    ServerConfig   `mapstructure:"server"`
}

// Supported store backends.
const (
	BackendQdrant   = "qdrant"
	BackendSQLite   = "sqlite"
	BackendPgvector = "pgvector"
)

type StoreConfig struct {
	Backend    string         `mapstructure:"backend"`
	Dimensions int            `mapstructure:"dimensions"`
	Collection string         `mapstructure:"collection"`
	Qdrant     QdrantConfig   `mapstructure:"qdrant"`
	SQLite     SQLiteConfig   `mapstructure:"sqlite"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

type QdrantConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ModelConfig configures one model endpoint. The embedding section inherits
// unset connection fields from the caption section.
type ModelConfig struct {
	Provider          string        `mapstructure:"provider"`
	Model             string        `mapstructure:"model"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Prompt            string        `mapstructure:"prompt"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
}

// ResolveEmbedding returns the embedding config with provider, api key and
// base url taken from the caption config when unset. The model is only
// inherited together with the provider.
func (c *Config) ResolveEmbedding() ModelConfig {
	resolved := c.Embedding
	if resolved.Provider == "" {
		resolved.Provider = c.Caption.Provider
		if resolved.BaseURL == "" {
			resolved.BaseURL = c.Caption.BaseURL
		}
	}
	if resolved.APIKey == "" && resolved.Provider == c.Caption.Provider {
		resolved.APIKey = c.Caption.APIKey
	}
	if resolved.Timeout == 0 {
		resolved.Timeout = c.Caption.Timeout
	}
	return resolved
}

type DatasetConfig struct {
	Path       string `mapstructure:"path"`
	ResultsDir string `mapstructure:"results_dir"`
}

type TemporalConfig struct {
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Backend:    BackendQdrant,
			Dimensions: 768,
			Collection: "images",
			Qdrant:     QdrantConfig{Host: "localhost", Port: 6334},
			SQLite:     SQLiteConfig{Path: "imagesearch.db"},
		},
		Caption: ModelConfig{
			Provider: "ollama",
			Model:    "llava",
			Timeout:  2 * time.Minute,
		},
		Embedding: ModelConfig{
			Model: "nomic-embed-text",
		},
		Dataset: DatasetConfig{
			Path:       "dataset",
			ResultsDir: "search_results",
		},
		Temporal: TemporalConfig{
			Host:      "localhost:7233",
			Namespace: "default",
			TaskQueue: "imagesearch-ingest",
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		Tracing: TracingConfig{Environment: "development", SampleRate: 1.0},
		Server:  ServerConfig{Addr: ":8080", ShutdownTimeout: 15 * time.Second},
	}
}

// providers that run locally and need no api key
var keylessProviders = map[string]bool{"": true, "none": true, "ollama": true}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	if !keylessProviders[c.Caption.Provider] && c.Caption.APIKey == "" && c.Caption.BaseURL == "" {
		warnings = append(warnings, fmt.Sprintf("caption provider '%s' is configured but api_key is empty", c.Caption.Provider))
	}
	emb := c.ResolveEmbedding()
	if !keylessProviders[emb.Provider] && emb.APIKey == "" && emb.BaseURL == "" {
		warnings = append(warnings, fmt.Sprintf("embedding provider '%s' is configured but api_key is empty", emb.Provider))
	}
	if emb.Provider == "anthropic" {
		warnings = append(warnings, "embedding provider 'anthropic' has no embeddings API")
	}

	if c.Store.Dimensions <= 0 {
		warnings = append(warnings, fmt.Sprintf("store dimensions %d must be positive", c.Store.Dimensions))
	}
	switch c.Store.Backend {
	case "", BackendQdrant, BackendSQLite:
	case BackendPgvector:
		if c.Store.Postgres.DSN == "" {
			warnings = append(warnings, "store backend 'pgvector' is configured but postgres.dsn is empty")
		}
	default:
		warnings = append(warnings, fmt.Sprintf("unknown store backend '%s'", c.Store.Backend))
	}

	if c.Caption.MaxRetries < 0 || c.Embedding.MaxRetries < 0 {
		warnings = append(warnings, "max_retries is negative")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		warnings = append(warnings, fmt.Sprintf("tracing sample_rate %.2f is outside [0.0, 1.0]", c.Tracing.SampleRate))
	}

	return warnings
}

// Load reads configuration from file and environment. An empty path uses
// the defaults plus IMAGESEARCH_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())
	v.SetEnvPrefix("IMAGESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if warnings := cfg.Validate(); len(warnings) > 0 {
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
	}

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override values that
// are absent from the file.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.dimensions", d.Store.Dimensions)
	v.SetDefault("store.collection", d.Store.Collection)
	v.SetDefault("store.qdrant.host", d.Store.Qdrant.Host)
	v.SetDefault("store.qdrant.port", d.Store.Qdrant.Port)
	v.SetDefault("store.qdrant.api_key", d.Store.Qdrant.APIKey)
	v.SetDefault("store.sqlite.path", d.Store.SQLite.Path)
	v.SetDefault("store.postgres.dsn", d.Store.Postgres.DSN)

	for _, section := range []struct {
		key string
		m   ModelConfig
	}{{"caption", d.Caption}, {"embedding", d.Embedding}} {
		v.SetDefault(section.key+".provider", section.m.Provider)
		v.SetDefault(section.key+".model", section.m.Model)
		v.SetDefault(section.key+".api_key", section.m.APIKey)
		v.SetDefault(section.key+".base_url", section.m.BaseURL)
		v.SetDefault(section.key+".prompt", section.m.Prompt)
		v.SetDefault(section.key+".timeout", section.m.Timeout)
		v.SetDefault(section.key+".max_retries", section.m.MaxRetries)
		v.SetDefault(section.key+".requests_per_minute", section.m.RequestsPerMinute)
		v.SetDefault(section.key+".burst", section.m.Burst)
	}

	v.SetDefault("dataset.path", d.Dataset.Path)
	v.SetDefault("dataset.results_dir", d.Dataset.ResultsDir)
	v.SetDefault("temporal.host", d.Temporal.Host)
	v.SetDefault("temporal.namespace", d.Temporal.Namespace)
	v.SetDefault("temporal.task_queue", d.Temporal.TaskQueue)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.environment", d.Tracing.Environment)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
}
