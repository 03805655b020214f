package embedder

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Provider configuration
const (
	ProviderLocal  = "local"
	ProviderOpenAI = "openai"
	ProviderJina   = "jina"
	ProviderOllama = "ollama"

	// Default models
	DefaultLocalModel  = "local-hash-384"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOllamaModel = "nomic-embed-text"

	// Dimensions
	LocalDimension  = 384
	OpenAIDimension = 1536
	JinaDimension   = 1024
	OllamaDimension = 768

	// Endpoints
	DefaultJinaURL   = "https://api.jina.ai/v1/embeddings"
	DefaultOllamaURL = "http://localhost:11434"

	// Batch limits
	DefaultBatchSize = 50
	MaxBatchSize     = 100

	DefaultCacheSize = 10000
	DefaultTimeout   = 30 * time.Second

	// Retry configuration
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0
)

// knownDimensions lists output sizes of models whose dimension differs from
// their provider default
var knownDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
}

// Option customizes a remote provider
type Option func(*remoteOptions)

type remoteOptions struct {
	baseURL    string
	model      string
	dimension  int
	httpClient *http.Client
	retry      RetryConfig
}

// WithBaseURL points the provider at a different endpoint
func WithBaseURL(url string) Option {
	return func(o *remoteOptions) {
		if url != "" {
			o.baseURL = url
		}
	}
}

// WithModel selects the model
func WithModel(model string) Option {
	return func(o *remoteOptions) {
		if model != "" {
			o.model = model
		}
	}
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(o *remoteOptions) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithTimeout sets the HTTP client timeout
func WithTimeout(d time.Duration) Option {
	return func(o *remoteOptions) {
		if d > 0 {
			o.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithRetry replaces the retry policy
func WithRetry(cfg RetryConfig) Option {
	return func(o *remoteOptions) {
		o.retry = cfg
	}
}

func buildOptions(baseURL, model string, dimension int, opts []Option) remoteOptions {
	o := remoteOptions{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		retry:      DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.dimension = dimension
	if d, ok := knownDimensions[o.model]; ok {
		o.dimension = d
	}
	return o
}

// LocalProvider is an offline embedding model based on feature hashing.
// Every word token and every adjacent word pair is hashed with BLAKE3 into
// one of LocalDimension buckets; the bucket counts are mean-pooled and
// L2-normalized. Vectors are non-negative, so cosine similarity between two
// local embeddings lies in [0, 1]. The same text always yields the same
// vector.
type LocalProvider struct {
	model string
	cache *Cache
}

// NewLocalProvider creates the local embedder
func NewLocalProvider(cache *Cache) (*LocalProvider, error) {
	return &LocalProvider{
		model: DefaultLocalModel,
		cache: cache,
	}, nil
}

var localTokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

const bigramWeight = 0.5

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hash := ComputeHash(l.model, req.Text)
	if emb, ok := l.cache.Get(hash); ok {
		return emb, nil
	}

	emb := &Embedding{
		Vector:    hashFeatures(req.Text),
		Dimension: LocalDimension,
		Provider:  ProviderLocal,
		Model:     l.model,
		Hash:      hash,
	}
	l.cache.Set(hash, emb)
	return emb, nil
}

// hashFeatures builds the pooled, normalized feature vector of text
func hashFeatures(text string) []float32 {
	tokens := localTokenPattern.FindAllString(strings.ToLower(text), -1)
	if len(tokens) == 0 {
		// Punctuation-only text still gets a stable non-zero vector
		tokens = []string{strings.TrimSpace(text)}
	}

	vector := make([]float32, LocalDimension)
	features := 0
	for i, tok := range tokens {
		vector[bucket(tok)]++
		features++
		if i > 0 {
			vector[bucket(tokens[i-1]+" "+tok)] += bigramWeight
			features++
		}
	}

	for i := range vector {
		vector[i] /= float32(features)
	}
	return NormalizeVector(vector)
}

func bucket(feature string) int {
	sum := blake3.Sum256([]byte(feature))
	return int(binary.LittleEndian.Uint32(sum[:4]) % LocalDimension)
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		emb, err := l.GenerateEmbedding(ctx, EmbeddingRequest{Text: text, Model: req.Model})
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		embeddings[i] = emb
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      l.model,
	}, nil
}

func (l *LocalProvider) Dimension() int {
	return LocalDimension
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return l.model
}

func (l *LocalProvider) Close() error {
	return nil
}
