package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/dshills/sessionvault/internal/embedder"
	"github.com/dshills/sessionvault/internal/storage"
)

// EnvPrefix prefixes every environment variable, e.g. SESSIONVAULT_DATA_DIR
const EnvPrefix = "SESSIONVAULT"

type Config struct {
	DataDir   string `envconfig:"DATA_DIR" default:"~/.sessionvault"`
	DBFile    string `envconfig:"DB_FILE" default:"sessionvault.db"`
	LegacyDir string `envconfig:"LEGACY_DIR"` // Defaults to <data dir>/sessions
	BackupDir string `envconfig:"BACKUP_DIR"` // Defaults to <data dir>/backups

	CacheSize        int           `envconfig:"CACHE_SIZE" default:"100"`
	AutosaveInterval time.Duration `envconfig:"AUTOSAVE_INTERVAL" default:"5s"`

	EmbeddingsEnabled  bool          `envconfig:"EMBEDDINGS_ENABLED" default:"true"`
	EmbeddingProvider  string        `envconfig:"EMBEDDING_PROVIDER"`
	EmbeddingModel     string        `envconfig:"EMBEDDING_MODEL"`
	EmbeddingTimeout   time.Duration `envconfig:"EMBEDDING_TIMEOUT" default:"30s"`
	EmbeddingCacheSize int           `envconfig:"EMBEDDING_CACHE_SIZE" default:"1000"`
	OpenAIAPIKey       string        `envconfig:"OPENAI_API_KEY"`
	JinaAPIKey         string        `envconfig:"JINA_API_KEY"`
	OllamaURL          string        `envconfig:"OLLAMA_URL"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// Load reads .env if present, then the SESSIONVAULT_ environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot
func (c *Config) Validate() error {
	var errs []error
	if c.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("cache size must be positive, got %d", c.CacheSize))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.LogFormat))
	}
	switch p := strings.ToLower(c.EmbeddingProvider); p {
	case "", embedder.ProviderLocal, embedder.ProviderOpenAI, embedder.ProviderJina, embedder.ProviderOllama:
	default:
		errs = append(errs, fmt.Errorf("unknown embedding provider %q", c.EmbeddingProvider))
	}
	return errors.Join(errs...)
}

// DataPath returns the data directory with a leading ~ expanded
func (c *Config) DataPath() string {
	return expandHome(c.DataDir)
}

// DBPath returns the database file. A DB file of ":memory:" selects an
// in-memory database.
func (c *Config) DBPath() string {
	if c.DBFile == storage.MemoryPath {
		return storage.MemoryPath
	}
	if filepath.IsAbs(c.DBFile) {
		return c.DBFile
	}
	return filepath.Join(c.DataPath(), c.DBFile)
}

func (c *Config) LegacyPath() string {
	if c.LegacyDir != "" {
		return expandHome(c.LegacyDir)
	}
	return filepath.Join(c.DataPath(), "sessions")
}

func (c *Config) BackupPath() string {
	if c.BackupDir != "" {
		return expandHome(c.BackupDir)
	}
	return filepath.Join(c.DataPath(), "backups")
}

// Embedder returns the embedding provider settings
func (c *Config) Embedder() embedder.Config {
	cfg := embedder.Config{
		Provider:     c.EmbeddingProvider,
		Model:        c.EmbeddingModel,
		OpenAIAPIKey: c.OpenAIAPIKey,
		JinaAPIKey:   c.JinaAPIKey,
		CacheSize:    c.EmbeddingCacheSize,
		Timeout:      c.EmbeddingTimeout,
	}
	if embedder.DetectProvider(cfg) == embedder.ProviderOllama {
		cfg.BaseURL = c.OllamaURL
	}
	return cfg
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
