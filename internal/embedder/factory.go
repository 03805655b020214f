package embedder

import (
	"fmt"
	"strings"
	"time"
)

// Config holds embedder configuration
type Config struct {
	// Provider is one of local, openai, jina, ollama. Empty selects a
	// provider from the keys that are present.
	Provider     string
	Model        string
	BaseURL      string
	OpenAIAPIKey string
	JinaAPIKey   string
	CacheSize    int
	Timeout      time.Duration
}

// DetectProvider returns the provider New would use for cfg
// Priority:
// 1. cfg.Provider when set
// 2. Jina when a Jina key is present
// 3. OpenAI when an OpenAI key is present
// 4. local otherwise
func DetectProvider(cfg Config) string {
	if cfg.Provider != "" {
		return strings.ToLower(cfg.Provider)
	}
	if cfg.JinaAPIKey != "" {
		return ProviderJina
	}
	if cfg.OpenAIAPIKey != "" {
		return ProviderOpenAI
	}
	return ProviderLocal
}

// New creates an embedder with explicit configuration
func New(cfg Config) (Embedder, error) {
	cache := NewCache(cfg.CacheSize)
	opts := []Option{WithModel(cfg.Model), WithBaseURL(cfg.BaseURL), WithTimeout(cfg.Timeout)}

	provider := DetectProvider(cfg)
	switch provider {
	case ProviderJina:
		return NewJinaProvider(cfg.JinaAPIKey, cache, opts...)
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg.OpenAIAPIKey, cache, opts...)
	case ProviderOllama:
		return NewOllamaProvider(cache, opts...)
	case ProviderLocal:
		return NewLocalProvider(cache)
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}
