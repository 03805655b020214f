package embedder

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeHash(t *testing.T) {
	h1 := ComputeHash("m", "hello")
	assert.Len(t, h1, 64)
	assert.Equal(t, h1, ComputeHash("m", "hello"))
	assert.NotEqual(t, h1, ComputeHash("m", "hello!"))
	assert.NotEqual(t, h1, ComputeHash("other", "hello"))
	// The separator keeps model and text boundaries distinct
	assert.NotEqual(t, ComputeHash("ab", "c"), ComputeHash("a", "bc"))
}

func TestValidateRequest(t *testing.T) {
	assert.ErrorIs(t, ValidateRequest(EmbeddingRequest{}), ErrEmptyText)
	assert.NoError(t, ValidateRequest(EmbeddingRequest{Text: "x"}))

	assert.ErrorIs(t, ValidateBatchRequest(BatchEmbeddingRequest{}), ErrInvalidInput)
	err := ValidateBatchRequest(BatchEmbeddingRequest{Texts: []string{"a", ""}})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "index 1")
	assert.NoError(t, ValidateBatchRequest(BatchEmbeddingRequest{Texts: []string{"a", "b"}}))
}

func TestCache(t *testing.T) {
	t.Run("copies on the way in and out", func(t *testing.T) {
		cache := NewCache(3)
		_, ok := cache.Get("missing")
		assert.False(t, ok)

		emb := &Embedding{Vector: []float32{1, 2, 3}, Dimension: 3, Hash: "h1"}
		cache.Set("h1", emb)
		emb.Vector[0] = 99

		got, ok := cache.Get("h1")
		require.True(t, ok)
		assert.Equal(t, float32(1), got.Vector[0])

		got.Vector[1] = 42
		again, _ := cache.Get("h1")
		assert.Equal(t, float32(2), again.Vector[1])
	})

	t.Run("evicts least recently used", func(t *testing.T) {
		cache := NewCache(2)
		cache.Set("a", &Embedding{Hash: "a"})
		cache.Set("b", &Embedding{Hash: "b"})
		_, _ = cache.Get("a")
		cache.Set("c", &Embedding{Hash: "c"})

		assert.Equal(t, 2, cache.Size())
		_, ok := cache.Get("b")
		assert.False(t, ok)
		_, ok = cache.Get("a")
		assert.True(t, ok)
	})

	t.Run("clear", func(t *testing.T) {
		cache := NewCache(10)
		cache.Set("a", &Embedding{})
		cache.Clear()
		assert.Equal(t, 0, cache.Size())
	})

	t.Run("nil cache is a no-op", func(t *testing.T) {
		var cache *Cache
		cache.Set("a", &Embedding{})
		_, ok := cache.Get("a")
		assert.False(t, ok)
		assert.Equal(t, 0, cache.Size())
	})

	t.Run("concurrent access", func(t *testing.T) {
		cache := NewCache(100)
		var wg sync.WaitGroup
		for g := 0; g < 10; g++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					hash := ComputeHash("m", fmt.Sprintf("%d-%d", id, j))
					cache.Set(hash, &Embedding{Vector: []float32{float32(id)}, Hash: hash})
					cache.Get(hash)
				}
			}(g)
		}
		wg.Wait()
		assert.Equal(t, 100, cache.Size())
	})
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (norm(a) * norm(b))
}

func TestLocalProvider(t *testing.T) {
	provider, err := NewLocalProvider(NewCache(10))
	require.NoError(t, err)
	defer provider.Close()
	ctx := context.Background()

	assert.Equal(t, ProviderLocal, provider.Provider())
	assert.Equal(t, LocalDimension, provider.Dimension())
	assert.Equal(t, DefaultLocalModel, provider.Model())

	t.Run("deterministic unit vectors", func(t *testing.T) {
		a, err := provider.GenerateEmbedding(ctx, EmbeddingRequest{Text: "React hooks tutorial"})
		require.NoError(t, err)
		assert.Len(t, a.Vector, LocalDimension)
		assert.InDelta(t, 1.0, norm(a.Vector), 1e-5)
		for _, x := range a.Vector {
			assert.GreaterOrEqual(t, x, float32(0))
		}

		// A fresh provider without cache yields the same vector
		fresh, _ := NewLocalProvider(nil)
		b, err := fresh.GenerateEmbedding(ctx, EmbeddingRequest{Text: "React hooks tutorial"})
		require.NoError(t, err)
		assert.Equal(t, a.Vector, b.Vector)
	})

	t.Run("similar text scores higher", func(t *testing.T) {
		query, _ := provider.GenerateEmbedding(ctx, EmbeddingRequest{Text: "React hooks"})
		related, _ := provider.GenerateEmbedding(ctx, EmbeddingRequest{Text: "A tutorial on React hooks"})
		unrelated, _ := provider.GenerateEmbedding(ctx, EmbeddingRequest{Text: "Postgres vacuum tuning"})

		assert.Greater(t, cosine(query.Vector, related.Vector), 0.5)
		assert.Greater(t, cosine(query.Vector, related.Vector), cosine(query.Vector, unrelated.Vector))
	})

	t.Run("case insensitive", func(t *testing.T) {
		a, _ := provider.GenerateEmbedding(ctx, EmbeddingRequest{Text: "Hello World"})
		b, _ := provider.GenerateEmbedding(ctx, EmbeddingRequest{Text: "hello world"})
		assert.Equal(t, a.Vector, b.Vector)
	})

	t.Run("punctuation only", func(t *testing.T) {
		emb, err := provider.GenerateEmbedding(ctx, EmbeddingRequest{Text: "?!"})
		require.NoError(t, err)
		assert.InDelta(t, 1.0, norm(emb.Vector), 1e-5)
	})

	t.Run("empty text", func(t *testing.T) {
		_, err := provider.GenerateEmbedding(ctx, EmbeddingRequest{Text: ""})
		assert.ErrorIs(t, err, ErrEmptyText)
	})

	t.Run("batch", func(t *testing.T) {
		resp, err := provider.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"one", "two"}})
		require.NoError(t, err)
		require.Len(t, resp.Embeddings, 2)
		assert.NotEqual(t, resp.Embeddings[0].Vector, resp.Embeddings[1].Vector)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := provider.GenerateEmbedding(cctx, EmbeddingRequest{Text: "uncached text"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestNormalizeVector(t *testing.T) {
	v := NormalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	assert.Equal(t, zero, NormalizeVector(zero))
}
