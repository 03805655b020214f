// Package embedder turns text into vector embeddings for semantic recall of
// session messages, code index entries and project context.
//
// Four providers are available: an offline feature-hashing model (local),
// OpenAI, Jina AI and a self-hosted Ollama server. All of them share an LRU
// cache keyed by a BLAKE3 hash of model and text, so a text that was embedded
// once is never sent to a remote API again while it stays cached.
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{Provider: "local"})
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	result, err := emb.GenerateEmbedding(ctx, embedder.EmbeddingRequest{
//	    Text: "how do I configure the websocket proxy?",
//	})
//
// # Provider Selection
//
// New picks a provider from Config:
//
//  1. Config.Provider when set
//  2. Jina AI when JinaAPIKey is set
//  3. OpenAI when OpenAIAPIKey is set
//  4. the local model otherwise
//
// Remote providers accept functional options (WithBaseURL, WithModel,
// WithTimeout, WithHTTPClient, WithRetry), which also make them testable
// against an httptest server.
//
// # Local Model
//
// The local model needs no network. Word tokens and adjacent word pairs are
// hashed into 384 buckets and the result is mean-pooled and L2-normalized.
// It captures lexical overlap, not meaning, but it is deterministic and is
// always available.
//
// # Error Handling
//
// Remote calls are retried with exponential backoff. Client errors other
// than 429 are not retried:
//
//	_, err := emb.GenerateBatch(ctx, req)
//	if errors.Is(err, embedder.ErrProviderFailed) {
//	    // remote provider unavailable
//	}
//
// Remote providers return vectors as the API produced them. Callers that
// compare vectors by cosine similarity normalize them first.
package embedder
