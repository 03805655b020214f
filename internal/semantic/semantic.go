package semantic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/sessionvault/internal/embedder"
	"github.com/dshills/sessionvault/internal/storage"
	"github.com/dshills/sessionvault/pkg/types"
)

// Semantic search errors
var (
	ErrNotInitialized = errors.New("semantic search not initialized")
	ErrNoResolver     = errors.New("resolver is required")
)

const (
	DefaultThreshold   = 0.5
	DefaultLimit       = 10
	DefaultInitTimeout = 30 * time.Second
	DefaultConcurrency = 4

	warmupText = "warm up"
)

// EmbeddingStore is the part of the relational store the semantic layer
// reads and writes
type EmbeddingStore interface {
	SaveEmbedding(ctx context.Context, e *types.Embedding) error
	ListEmbeddings(ctx context.Context, filter storage.EmbeddingFilter) ([]*types.Embedding, error)
}

// Loader constructs the embedding model. It is called until it succeeds
// once.
type Loader func(ctx context.Context) (embedder.Embedder, error)

// Options configures a Searcher
type Options struct {
	InitTimeout time.Duration // Bounds model loading and warm-up
	Concurrency int           // Parallel embeddings in EmbedBatch
	Logger      *slog.Logger
}

// Searcher embeds text and ranks stored embeddings by cosine similarity
type Searcher struct {
	store  EmbeddingStore
	loader Loader
	opts   Options
	logger *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	emb   embedder.Embedder
}

// New creates a Searcher. The model is not loaded until Initialize.
func New(store EmbeddingStore, loader Loader, opts Options) *Searcher {
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Searcher{
		store:  store,
		loader: loader,
		opts:   opts,
		logger: logger,
	}
}

// Initialize loads the model once. Concurrent callers wait for the same
// load. A failed load is returned to every waiting caller and the next call
// tries again.
func (s *Searcher) Initialize(ctx context.Context) error {
	if s.current() != nil {
		return nil
	}

	ch := s.group.DoChan("load", func() (interface{}, error) {
		if emb := s.current(); emb != nil {
			return emb, nil
		}
		if s.loader == nil {
			return nil, fmt.Errorf("%w: no model loader", ErrNotInitialized)
		}

		// The load is shared, so one caller's cancellation must not fail
		// the others
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.InitTimeout)
		defer cancel()

		start := time.Now()
		emb, err := s.loader(loadCtx)
		if err != nil {
			return nil, fmt.Errorf("load embedding model: %w", err)
		}
		if _, err := emb.GenerateEmbedding(loadCtx, embedder.EmbeddingRequest{Text: warmupText}); err != nil {
			_ = emb.Close()
			return nil, fmt.Errorf("warm up embedding model: %w", err)
		}

		s.mu.Lock()
		s.emb = emb
		s.mu.Unlock()

		s.logger.Info("embedding model loaded",
			"provider", emb.Provider(), "model", emb.Model(),
			"dimension", emb.Dimension(), "duration", time.Since(start))
		return emb, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Searcher) current() embedder.Embedder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emb
}

// Available reports whether the model is loaded
func (s *Searcher) Available() bool {
	return s.current() != nil
}

// Model returns the loaded model name, or "" before Initialize succeeds
func (s *Searcher) Model() string {
	if emb := s.current(); emb != nil {
		return emb.Model()
	}
	return ""
}

// Dimension returns the loaded model's vector size, or 0
func (s *Searcher) Dimension() int {
	if emb := s.current(); emb != nil {
		return emb.Dimension()
	}
	return 0
}

// Embed returns the L2-normalized embedding of text. Text is embedded as
// given; callers that need chunking do it themselves.
func (s *Searcher) Embed(ctx context.Context, text string) ([]float32, error) {
	emb := s.current()
	if emb == nil {
		return nil, ErrNotInitialized
	}
	result, err := emb.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
	if err != nil {
		return nil, err
	}
	return embedder.NormalizeVector(result.Vector), nil
}

// BatchResult is the outcome for one text of EmbedBatch. Exactly one of
// Vector and Err is set.
type BatchResult struct {
	Vector []float32
	Err    error
}

// EmbedBatch embeds every text independently. A failure is recorded on its
// own item and does not stop the others.
func (s *Searcher) EmbedBatch(ctx context.Context, texts []string) ([]BatchResult, error) {
	if !s.Available() {
		return nil, ErrNotInitialized
	}

	results := make([]BatchResult, len(texts))
	g := new(errgroup.Group)
	g.SetLimit(s.opts.Concurrency)
	for i, text := range texts {
		g.Go(func() error {
			vector, err := s.Embed(ctx, text)
			results[i] = BatchResult{Vector: vector, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		s.logger.Warn("batch embedding had failures", "failed", failed, "total", len(texts))
	}
	return results, nil
}

// SaveEmbedding embeds text and stores the vector for the given source,
// replacing any earlier embedding of that source. It returns the id of the
// stored embedding.
func (s *Searcher) SaveEmbedding(ctx context.Context, sourceType types.SourceType, sourceID, text string) (string, error) {
	vector, err := s.Embed(ctx, text)
	if err != nil {
		return "", err
	}
	return s.SaveVector(ctx, sourceType, sourceID, vector)
}

// SaveVector stores an already computed vector, typically one returned by
// EmbedBatch, for the given source
func (s *Searcher) SaveVector(ctx context.Context, sourceType types.SourceType, sourceID string, vector []float32) (string, error) {
	if !s.Available() {
		return "", ErrNotInitialized
	}
	e := &types.Embedding{
		SourceType: sourceType,
		SourceID:   sourceID,
		Vector:     vector,
		Dimension:  len(vector),
		Model:      s.Model(),
	}
	if err := s.store.SaveEmbedding(ctx, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// Close releases the model
func (s *Searcher) Close() error {
	s.mu.Lock()
	emb := s.emb
	s.emb = nil
	s.mu.Unlock()
	if emb == nil {
		return nil
	}
	return emb.Close()
}

// SearchOptions narrows SearchSimilar. A zero Threshold or Limit selects the
// default. Threshold -1 keeps every candidate.
type SearchOptions struct {
	Threshold   float64
	Limit       int
	ProjectPath string
}

// Match is a record ranked by similarity to a query
type Match[T any] struct {
	Record      T
	Score       float64
	EmbeddingID string
}

type candidate struct {
	embedding *types.Embedding
	score     float64
}

// SearchSimilar embeds query and ranks every stored embedding of sourceType
// made by the loaded model. Candidates below the threshold are removed, the
// rest sorted by descending similarity and cut to the limit, then resolved
// to records in that order. resolve loads the record an embedding belongs
// to; returning storage.ErrNotFound drops the candidate.
func SearchSimilar[T any](ctx context.Context, s *Searcher, query string, sourceType types.SourceType,
	resolve func(ctx context.Context, sourceID string) (T, error), opts SearchOptions) ([]Match[T], error) {

	if resolve == nil {
		return nil, ErrNoResolver
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}

	queryVector, err := s.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	stored, err := s.store.ListEmbeddings(ctx, storage.EmbeddingFilter{
		SourceType:  sourceType,
		Model:       s.Model(),
		ProjectPath: opts.ProjectPath,
	})
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}

	candidates := make([]candidate, 0, len(stored))
	for _, e := range stored {
		if len(e.Vector) != len(queryVector) {
			continue
		}
		score := CosineSimilarity(queryVector, e.Vector)
		if score < opts.Threshold {
			continue
		}
		candidates = append(candidates, candidate{embedding: e, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}

	matches := make([]Match[T], 0, len(candidates))
	for _, c := range candidates {
		record, err := resolve(ctx, c.embedding.SourceID)
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("dropping stale embedding",
				"source_type", sourceType, "source_id", c.embedding.SourceID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s %s: %w", sourceType, c.embedding.SourceID, err)
		}
		matches = append(matches, Match[T]{Record: record, Score: c.score, EmbeddingID: c.embedding.ID})
	}
	return matches, nil
}

// CosineSimilarity returns the cosine of the angle between a and b. Vectors
// of different length or with zero magnitude score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
