package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// JinaProvider implements Embedder using the Jina AI API
type JinaProvider struct {
	apiKey string
	opts   remoteOptions
	cache  *Cache
}

// NewJinaProvider creates a new Jina AI embedder
func NewJinaProvider(apiKey string, cache *Cache, opts ...Option) (*JinaProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: jina API key not set", ErrNoProviderEnabled)
	}

	return &JinaProvider{
		apiKey: apiKey,
		opts:   buildOptions(DefaultJinaURL, DefaultJinaModel, JinaDimension, opts),
		cache:  cache,
	}, nil
}

func (j *JinaProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return singleFromBatch(ctx, j, req)
}

func (j *JinaProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}
	if len(req.Texts) > MaxBatchSize {
		return nil, fmt.Errorf("%w: max %d texts allowed", ErrBatchTooLarge, MaxBatchSize)
	}

	model := req.Model
	if model == "" {
		model = j.opts.model
	}

	embeddings, err := cachedBatch(j.cache, model, req.Texts, func(missing []string) ([]*Embedding, error) {
		return retryWithBackoff(ctx, j.opts.retry, func() ([]*Embedding, error) {
			return j.callAPI(ctx, missing, model)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderJina,
		Model:      model,
	}, nil
}

func (j *JinaProvider) callAPI(ctx context.Context, texts []string, model string) ([]*Embedding, error) {
	reqBody := map[string]interface{}{
		"input": texts,
		"model": model,
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Model string `json:"model"`
	}
	if err := postJSON(ctx, j.opts.httpClient, j.opts.baseURL, j.apiKey, reqBody, &apiResp); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(texts))
	for _, data := range apiResp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, fmt.Errorf("response index %d out of range", data.Index)
		}
		embeddings[data.Index] = &Embedding{
			Vector:    data.Embedding,
			Dimension: len(data.Embedding),
			Provider:  ProviderJina,
			Model:     model,
		}
	}
	return compact(embeddings, len(texts))
}

func (j *JinaProvider) Dimension() int {
	return j.opts.dimension
}

func (j *JinaProvider) Provider() string {
	return ProviderJina
}

func (j *JinaProvider) Model() string {
	return j.opts.model
}

func (j *JinaProvider) Close() error {
	j.opts.httpClient.CloseIdleConnections()
	return nil
}

// OpenAIProvider implements Embedder using the OpenAI embeddings API through
// the go-openai client
type OpenAIProvider struct {
	client *openai.Client
	opts   remoteOptions
	cache  *Cache
}

// NewOpenAIProvider creates a new OpenAI embedder
func NewOpenAIProvider(apiKey string, cache *Cache, opts ...Option) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai API key not set", ErrNoProviderEnabled)
	}

	o := buildOptions("", DefaultOpenAIModel, OpenAIDimension, opts)
	cfg := openai.DefaultConfig(apiKey)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	cfg.HTTPClient = o.httpClient

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		opts:   o,
		cache:  cache,
	}, nil
}

func (o *OpenAIProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return singleFromBatch(ctx, o, req)
}

func (o *OpenAIProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}
	if len(req.Texts) > MaxBatchSize {
		return nil, fmt.Errorf("%w: max %d texts allowed", ErrBatchTooLarge, MaxBatchSize)
	}

	model := req.Model
	if model == "" {
		model = o.opts.model
	}

	embeddings, err := cachedBatch(o.cache, model, req.Texts, func(missing []string) ([]*Embedding, error) {
		return retryWithBackoff(ctx, o.opts.retry, func() ([]*Embedding, error) {
			return o.callAPI(ctx, missing, model)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderOpenAI,
		Model:      model,
	}, nil
}

func (o *OpenAIProvider) callAPI(ctx context.Context, texts []string, model string) ([]*Embedding, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && isPermanentStatus(apiErr.HTTPStatusCode) {
			return nil, permanent(err)
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) && isPermanentStatus(reqErr.HTTPStatusCode) {
			return nil, permanent(err)
		}
		return nil, err
	}

	embeddings := make([]*Embedding, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, fmt.Errorf("response index %d out of range", data.Index)
		}
		embeddings[data.Index] = &Embedding{
			Vector:    data.Embedding,
			Dimension: len(data.Embedding),
			Provider:  ProviderOpenAI,
			Model:     model,
		}
	}
	return compact(embeddings, len(texts))
}

func (o *OpenAIProvider) Dimension() int {
	return o.opts.dimension
}

func (o *OpenAIProvider) Provider() string {
	return ProviderOpenAI
}

func (o *OpenAIProvider) Model() string {
	return o.opts.model
}

func (o *OpenAIProvider) Close() error {
	o.opts.httpClient.CloseIdleConnections()
	return nil
}

// OllamaProvider implements Embedder using a local Ollama server
type OllamaProvider struct {
	opts  remoteOptions
	cache *Cache
}

// NewOllamaProvider creates an Ollama embedder. No API key is needed.
func NewOllamaProvider(cache *Cache, opts ...Option) (*OllamaProvider, error) {
	o := buildOptions(DefaultOllamaURL, DefaultOllamaModel, OllamaDimension, opts)
	o.baseURL = strings.TrimRight(o.baseURL, "/")
	return &OllamaProvider{opts: o, cache: cache}, nil
}

func (p *OllamaProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return singleFromBatch(ctx, p, req)
}

// GenerateBatch embeds texts one request at a time; the Ollama embeddings
// endpoint takes a single prompt
func (p *OllamaProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.opts.model
	}

	embeddings, err := cachedBatch(p.cache, model, req.Texts, func(missing []string) ([]*Embedding, error) {
		out := make([]*Embedding, 0, len(missing))
		for _, text := range missing {
			emb, err := retryWithBackoff(ctx, p.opts.retry, func() (*Embedding, error) {
				return p.callAPI(ctx, text, model)
			})
			if err != nil {
				return nil, err
			}
			out = append(out, emb)
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderOllama,
		Model:      model,
	}, nil
}

func (p *OllamaProvider) callAPI(ctx context.Context, text, model string) (*Embedding, error) {
	reqBody := struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}{Model: model, Prompt: text}

	var result struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := postJSON(ctx, p.opts.httpClient, p.opts.baseURL+"/api/embeddings", "", reqBody, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}

	vector := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		vector[i] = float32(v)
	}
	return &Embedding{
		Vector:    vector,
		Dimension: len(vector),
		Provider:  ProviderOllama,
		Model:     model,
	}, nil
}

func (p *OllamaProvider) Dimension() int {
	return p.opts.dimension
}

func (p *OllamaProvider) Provider() string {
	return ProviderOllama
}

func (p *OllamaProvider) Model() string {
	return p.opts.model
}

func (p *OllamaProvider) Close() error {
	p.opts.httpClient.CloseIdleConnections()
	return nil
}

// singleFromBatch embeds one text through the provider's batch path so the
// cache and retry logic live in one place
func singleFromBatch(ctx context.Context, e Embedder, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	resp, err := e.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}, Model: req.Model})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", ErrProviderFailed)
	}
	return resp.Embeddings[0], nil
}

// postJSON sends body as JSON and decodes a 200 response into out. Client
// errors other than 429 are marked permanent so they are not retried.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("api error %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
		if isPermanentStatus(resp.StatusCode) {
			return permanent(err)
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isPermanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}

// compact checks that every slot of a batch response was filled
func compact(embeddings []*Embedding, want int) ([]*Embedding, error) {
	for i, emb := range embeddings {
		if emb == nil {
			return nil, fmt.Errorf("no embedding returned for text %d of %d", i, want)
		}
	}
	return embeddings, nil
}
