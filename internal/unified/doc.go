// Package unified is the single entry point collaborators use to store and
// find session data.
//
// A Store composes the relational store with the semantic layer:
//
//   - Sessions, contexts and code index entries are cached in three
//     independent LRU caches. Reads are served from cache and read through on
//     a miss; writes go to the database first and then update the cache;
//     deletes evict. Values are copied on the way in and out, so callers can
//     never change a cached record.
//   - After a record is saved, an embedding is computed and attached when
//     embeddings are enabled and the model is loaded. A failed embedding
//     leaves the record saved without one and is retried the next time the
//     record is read, or by BackfillEmbeddings.
//   - Searches use semantic ranking when asked and available. Any failure on
//     that path is logged and the search is answered by full-text instead.
//
// The lifecycle is Uninitialized, Initializing, Ready, Closed. Only a Ready
// store accepts operations:
//
//	u, err := unified.New(store, searcher, unified.Options{EnableEmbeddings: true})
//	if err != nil {
//	    return err
//	}
//	if err := u.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer u.Close()
//
//	err = u.AppendMessage(ctx, sessionID, &types.ChatMessage{
//	    Role:    types.RoleUser,
//	    Content: "How do I configure the proxy?",
//	}, unified.SaveOptions{})
//
// Writes made inside Transaction bypass the caches, which are purged when
// the transaction commits.
package unified
