package unified

import (
	"context"
	"fmt"

	"github.com/dshills/sessionvault/internal/storage"
	"github.com/dshills/sessionvault/pkg/types"
)

// Project context

// SaveContext stores a context with the current time as its update time
// and, unless it already has one, attaches an embedding of its content
func (u *Store) SaveContext(ctx context.Context, c *types.ProjectContext, opts SaveOptions) error {
	release, err := u.enter()
	if err != nil {
		return err
	}
	defer release()

	c.UpdatedAt = types.Now()
	u.syncMu.Lock()
	if err := u.store.SaveContext(ctx, c); err != nil {
		u.contexts.Remove(c.ID)
		u.syncMu.Unlock()
		return err
	}
	u.contexts.Add(c.ID, c.Clone())
	u.syncMu.Unlock()

	if u.shouldEmbed(opts) && !c.HasEmbedding() {
		u.attachContextEmbedding(ctx, c)
	}
	return nil
}

// GetContext returns a context by id. A context stored without an
// embedding, because the model was unavailable or the save skipped it, gets
// one now when embeddings are on.
func (u *Store) GetContext(ctx context.Context, id string) (*types.ProjectContext, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	c, err := u.cachedContext(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.HasEmbedding() && u.embeddingsOn() {
		u.attachContextEmbedding(ctx, c)
	}
	return c, nil
}

// PeekContext returns a context by id without attaching a missing embedding
func (u *Store) PeekContext(ctx context.Context, id string) (*types.ProjectContext, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return u.cachedContext(ctx, id)
}

// cachedContext returns a copy of the context from cache, reading it
// through from the store on a miss
func (u *Store) cachedContext(ctx context.Context, id string) (*types.ProjectContext, error) {
	if c, ok := u.contexts.Get(id); ok {
		return c.Clone(), nil
	}
	u.syncMu.Lock()
	defer u.syncMu.Unlock()
	c, err := u.store.GetContext(ctx, id)
	if err != nil {
		return nil, err
	}
	u.contexts.Add(id, c.Clone())
	return c, nil
}

func (u *Store) ListContexts(ctx context.Context, filter storage.ContextFilter) ([]*types.ProjectContext, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return u.store.ListContexts(ctx, filter)
}

func (u *Store) DeleteContext(ctx context.Context, id string) error {
	release, err := u.enter()
	if err != nil {
		return err
	}
	defer release()

	u.syncMu.Lock()
	defer u.syncMu.Unlock()
	if err := u.store.DeleteContext(ctx, id); err != nil {
		return err
	}
	u.contexts.Remove(id)
	u.pending.remove(types.SourceContext, id)
	return nil
}

// Code index

// SaveCodeIndex stores one entry, stamped with the current time, and
// attaches its embedding
func (u *Store) SaveCodeIndex(ctx context.Context, e *types.CodeIndexEntry, opts SaveOptions) error {
	release, err := u.enter()
	if err != nil {
		return err
	}
	defer release()

	e.UpdatedAt = types.Now()
	u.syncMu.Lock()
	if err := u.store.SaveCodeIndex(ctx, e); err != nil {
		u.code.Remove(e.ID)
		u.syncMu.Unlock()
		return err
	}
	u.code.Add(e.ID, e.Clone())
	u.syncMu.Unlock()

	if u.shouldEmbed(opts) && !e.HasEmbedding() {
		u.attachCodeEmbeddings(ctx, []*types.CodeIndexEntry{e})
	}
	return nil
}

// ReplaceFileIndex swaps the code index entries and outgoing edges of one
// file in a single transaction. Old entries, their embeddings and edges
// whose source is the file are removed first.
func (u *Store) ReplaceFileIndex(ctx context.Context, projectPath, filePath string,
	entries []*types.CodeIndexEntry, edges []*types.KnowledgeEdge, opts SaveOptions) error {

	release, err := u.enter()
	if err != nil {
		return err
	}
	defer release()

	// The old embeddings go with the old entries
	now := types.Now()
	for _, e := range entries {
		e.ProjectPath = projectPath
		e.FilePath = filePath
		e.EmbeddingID = nil
		e.UpdatedAt = now
	}

	u.syncMu.Lock()
	err = u.store.Transaction(ctx, func(tx storage.Tx) error {
		if _, err := tx.DeleteCodeIndexByFile(ctx, projectPath, filePath); err != nil {
			return err
		}
		old, err := tx.ListEdges(ctx, storage.EdgeFilter{ProjectPath: projectPath, SourceID: filePath})
		if err != nil {
			return err
		}
		for _, edge := range old {
			if err := tx.DeleteEdge(ctx, edge.ID); err != nil {
				return err
			}
		}
		for _, e := range entries {
			if err := tx.SaveCodeIndex(ctx, e); err != nil {
				return fmt.Errorf("symbol %s: %w", e.SymbolName, err)
			}
		}
		for _, edge := range edges {
			edge.ProjectPath = projectPath
			if err := tx.SaveEdge(ctx, edge); err != nil {
				return fmt.Errorf("edge %s -> %s: %w", edge.SourceID, edge.TargetID, err)
			}
		}
		return nil
	})
	u.evictFile(projectPath, filePath)
	if err == nil {
		for _, e := range entries {
			u.code.Add(e.ID, e.Clone())
		}
	}
	u.syncMu.Unlock()
	if err != nil {
		return err
	}

	if u.shouldEmbed(opts) {
		var missing []*types.CodeIndexEntry
		for _, e := range entries {
			if !e.HasEmbedding() {
				missing = append(missing, e)
			}
		}
		u.attachCodeEmbeddings(ctx, missing)
	}
	return nil
}

// GetCodeIndex returns an entry by id, retrying its embedding if an earlier
// attempt failed
func (u *Store) GetCodeIndex(ctx context.Context, id string) (*types.CodeIndexEntry, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	e, ok := u.code.Get(id)
	if ok {
		e = e.Clone()
	} else {
		u.syncMu.Lock()
		e, err = u.store.GetCodeIndex(ctx, id)
		if err != nil {
			u.syncMu.Unlock()
			return nil, err
		}
		u.code.Add(id, e.Clone())
		u.syncMu.Unlock()
	}

	if !e.HasEmbedding() && u.embeddingsOn() {
		u.attachCodeEmbeddings(ctx, []*types.CodeIndexEntry{e})
	}
	return e, nil
}

func (u *Store) ListCodeIndex(ctx context.Context, filter storage.CodeIndexFilter) ([]*types.CodeIndexEntry, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return u.store.ListCodeIndex(ctx, filter)
}

func (u *Store) DeleteCodeIndex(ctx context.Context, id string) error {
	release, err := u.enter()
	if err != nil {
		return err
	}
	defer release()

	u.syncMu.Lock()
	defer u.syncMu.Unlock()
	if err := u.store.DeleteCodeIndex(ctx, id); err != nil {
		return err
	}
	u.code.Remove(id)
	u.pending.remove(types.SourceCode, id)
	return nil
}

// DeleteCodeIndexByFile removes every entry of a file and returns how many
// were removed
func (u *Store) DeleteCodeIndexByFile(ctx context.Context, projectPath, filePath string) (int, error) {
	release, err := u.enter()
	if err != nil {
		return 0, err
	}
	defer release()

	u.syncMu.Lock()
	defer u.syncMu.Unlock()
	removed, err := u.store.DeleteCodeIndexByFile(ctx, projectPath, filePath)
	if err != nil {
		return 0, err
	}
	u.evictFile(projectPath, filePath)
	return removed, nil
}

// evictFile drops cached entries of one file. The caller holds syncMu.
func (u *Store) evictFile(projectPath, filePath string) {
	for _, id := range u.code.Keys() {
		e, ok := u.code.Peek(id)
		if ok && e.ProjectPath == projectPath && e.FilePath == filePath {
			u.code.Remove(id)
			u.pending.remove(types.SourceCode, id)
		}
	}
}

// Knowledge graph

func (u *Store) SaveEdge(ctx context.Context, e *types.KnowledgeEdge) error {
	release, err := u.enter()
	if err != nil {
		return err
	}
	defer release()
	return u.store.SaveEdge(ctx, e)
}

func (u *Store) GetEdge(ctx context.Context, id string) (*types.KnowledgeEdge, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return u.store.GetEdge(ctx, id)
}

func (u *Store) ListEdges(ctx context.Context, filter storage.EdgeFilter) ([]*types.KnowledgeEdge, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return u.store.ListEdges(ctx, filter)
}

func (u *Store) DeleteEdge(ctx context.Context, id string) error {
	release, err := u.enter()
	if err != nil {
		return err
	}
	defer release()
	return u.store.DeleteEdge(ctx, id)
}

// Neighbors returns every edge of a project that starts or ends at
// entityID. A self-loop is returned once.
func (u *Store) Neighbors(ctx context.Context, projectPath, entityID string) ([]*types.KnowledgeEdge, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	outgoing, err := u.store.ListEdges(ctx, storage.EdgeFilter{ProjectPath: projectPath, SourceID: entityID})
	if err != nil {
		return nil, err
	}
	incoming, err := u.store.ListEdges(ctx, storage.EdgeFilter{ProjectPath: projectPath, TargetID: entityID})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(outgoing))
	edges := make([]*types.KnowledgeEdge, 0, len(outgoing)+len(incoming))
	for _, e := range append(outgoing, incoming...) {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		edges = append(edges, e)
	}
	return edges, nil
}
