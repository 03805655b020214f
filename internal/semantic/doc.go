// Package semantic ranks stored embeddings by similarity to a query.
//
// A Searcher owns the embedding model. The model is loaded on the first
// Initialize call; concurrent callers share that load, and a failed load is
// retried by the next call, so the rest of the system can keep running on
// full-text search in the meantime.
//
// Search is a brute-force cosine scan over every embedding of one source
// type made by the loaded model:
//
//	matches, err := semantic.SearchSimilar(ctx, searcher, "websocket proxy",
//	    types.SourceChat, store.GetMessageByKey, semantic.SearchOptions{Limit: 5})
//
// The threshold is applied before the limit. The resolver turns source ids
// back into records; a storage.ErrNotFound from it drops the match.
package semantic
