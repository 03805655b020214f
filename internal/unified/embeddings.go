package unified

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/sessionvault/internal/storage"
	"github.com/dshills/sessionvault/pkg/types"
)

// SaveOptions controls the embedding step of a save
type SaveOptions struct {
	SkipEmbedding bool
}

type pendingKey struct {
	source types.SourceType
	id     string
}

// pendingSet counts records whose embedding failed in this process. Reads
// retry any record without an embedding, so the set only feeds Stats.
type pendingSet struct {
	mu   sync.Mutex
	keys map[pendingKey]struct{}
}

func newPendingSet() *pendingSet {
	return &pendingSet{keys: make(map[pendingKey]struct{})}
}

func (p *pendingSet) add(source types.SourceType, id string) {
	p.mu.Lock()
	p.keys[pendingKey{source, id}] = struct{}{}
	p.mu.Unlock()
}

func (p *pendingSet) remove(source types.SourceType, id string) {
	p.mu.Lock()
	delete(p.keys, pendingKey{source, id})
	p.mu.Unlock()
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

func (p *pendingSet) clear() {
	p.mu.Lock()
	p.keys = make(map[pendingKey]struct{})
	p.mu.Unlock()
}

// embeddingsOn reports whether records get embeddings and semantic search
// can run
func (u *Store) embeddingsOn() bool {
	return u.opts.EnableEmbeddings && u.semanticAvailable()
}

func (u *Store) shouldEmbed(opts SaveOptions) bool {
	return !opts.SkipEmbedding && u.embeddingsOn()
}

// embedFailed logs a failed embedding and queues the record for a retry.
// The record itself stays saved.
func (u *Store) embedFailed(source types.SourceType, id string, err error) {
	u.pending.add(source, id)
	u.logger.Warn("embedding failed, will retry on next access",
		"source_type", source, "source_id", id, "error", err)
}

// attachContextEmbedding embeds c and re-saves it with the reference
func (u *Store) attachContextEmbedding(ctx context.Context, c *types.ProjectContext) {
	embeddingID, err := u.semantic.SaveEmbedding(ctx, types.SourceContext, c.ID, c.Content)
	if err != nil {
		u.embedFailed(types.SourceContext, c.ID, err)
		return
	}

	u.syncMu.Lock()
	defer u.syncMu.Unlock()
	c.EmbeddingID = &embeddingID
	if err := u.store.SaveContext(ctx, c); err != nil {
		c.EmbeddingID = nil
		u.embedFailed(types.SourceContext, c.ID, err)
		return
	}
	u.contexts.Add(c.ID, c.Clone())
	u.pending.remove(types.SourceContext, c.ID)
}

// attachCodeEmbeddings embeds entries in one batch and re-saves each with
// its reference. Entries that fail are queued for retry.
func (u *Store) attachCodeEmbeddings(ctx context.Context, entries []*types.CodeIndexEntry) {
	if len(entries) == 0 {
		return
	}
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.EmbeddingText()
	}
	results, err := u.semantic.EmbedBatch(ctx, texts)
	if err != nil {
		for _, e := range entries {
			u.embedFailed(types.SourceCode, e.ID, err)
		}
		return
	}

	for i, e := range entries {
		if results[i].Err != nil {
			u.embedFailed(types.SourceCode, e.ID, results[i].Err)
			continue
		}
		embeddingID, err := u.semantic.SaveVector(ctx, types.SourceCode, e.ID, results[i].Vector)
		if err != nil {
			u.embedFailed(types.SourceCode, e.ID, err)
			continue
		}

		u.syncMu.Lock()
		e.EmbeddingID = &embeddingID
		if err := u.store.SaveCodeIndex(ctx, e); err != nil {
			e.EmbeddingID = nil
			u.embedFailed(types.SourceCode, e.ID, err)
		} else {
			u.code.Add(e.ID, e.Clone())
			u.pending.remove(types.SourceCode, e.ID)
		}
		u.syncMu.Unlock()
	}
}

// attachMessageEmbeddings embeds the messages of one session that have no
// embedding yet and refreshes the cached session. It returns how many
// messages got an embedding.
func (u *Store) attachMessageEmbeddings(ctx context.Context, sessionID string, messages []*types.ChatMessage) int {
	var missing []*types.ChatMessage
	for _, m := range messages {
		if !m.HasEmbedding() {
			missing = append(missing, m)
		}
	}
	if len(missing) == 0 {
		return 0
	}

	texts := make([]string, len(missing))
	for i, m := range missing {
		texts[i] = m.Content
	}
	results, err := u.semantic.EmbedBatch(ctx, texts)
	if err != nil {
		for _, m := range missing {
			u.embedFailed(types.SourceChat, m.Key(), err)
		}
		return 0
	}

	attached := 0
	for i, m := range missing {
		if results[i].Err != nil {
			u.embedFailed(types.SourceChat, m.Key(), results[i].Err)
			continue
		}
		embeddingID, err := u.semantic.SaveVector(ctx, types.SourceChat, m.Key(), results[i].Vector)
		if err != nil {
			u.embedFailed(types.SourceChat, m.Key(), err)
			continue
		}
		m.EmbeddingID = &embeddingID
		if err := u.store.SaveMessage(ctx, m); err != nil {
			m.EmbeddingID = nil
			u.embedFailed(types.SourceChat, m.Key(), err)
			continue
		}
		u.pending.remove(types.SourceChat, m.Key())
		attached++
	}

	if attached > 0 {
		if err := u.refreshSession(ctx, sessionID); err != nil {
			u.sessions.Remove(sessionID)
		}
	}
	return attached
}

// BackfillEmbeddings embeds every stored context, message and code index
// entry that has no embedding, including records saved by an earlier
// process while the model was unavailable. It returns how many records were
// embedded.
func (u *Store) BackfillEmbeddings(ctx context.Context) (int, error) {
	release, err := u.enter()
	if err != nil {
		return 0, err
	}
	defer release()

	if !u.ensureSemantic(ctx) {
		return 0, fmt.Errorf("%w: semantic search unavailable", ErrNotReady)
	}

	embedded := 0

	contexts, err := u.store.ListContexts(ctx, storage.ContextFilter{})
	if err != nil {
		return embedded, err
	}
	for _, c := range contexts {
		if err := ctx.Err(); err != nil {
			return embedded, err
		}
		if c.HasEmbedding() {
			continue
		}
		u.attachContextEmbedding(ctx, c)
		if c.HasEmbedding() {
			embedded++
		}
	}

	entries, err := u.store.ListCodeIndex(ctx, storage.CodeIndexFilter{})
	if err != nil {
		return embedded, err
	}
	var missing []*types.CodeIndexEntry
	for _, e := range entries {
		if !e.HasEmbedding() {
			missing = append(missing, e)
		}
	}
	u.attachCodeEmbeddings(ctx, missing)
	for _, e := range missing {
		if e.HasEmbedding() {
			embedded++
		}
	}

	sessions, err := u.store.ListSessions(ctx, storage.SessionFilter{})
	if err != nil {
		return embedded, err
	}
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return embedded, err
		}
		messages, err := u.store.ListMessages(ctx, s.ID)
		if err != nil {
			return embedded, err
		}
		embedded += u.attachMessageEmbeddings(ctx, s.ID, messages)
	}

	if err := ctx.Err(); err != nil {
		return embedded, err
	}
	u.logger.Info("embedding backfill finished", "embedded", embedded, "pending", u.pending.len())
	return embedded, nil
}

// embedMissingMessages embeds the messages of a loaded session that have
// none and returns the refreshed session when anything changed
func (u *Store) embedMissingMessages(ctx context.Context, s *types.Session) *types.Session {
	if !u.embeddingsOn() {
		return s
	}
	var missing []*types.ChatMessage
	for i := range s.Messages {
		if m := &s.Messages[i]; !m.HasEmbedding() {
			missing = append(missing, m)
		}
	}
	if len(missing) == 0 {
		return s
	}
	if u.attachMessageEmbeddings(ctx, s.ID, missing) == 0 {
		return s
	}
	if fresh, ok := u.sessions.Get(s.ID); ok {
		return fresh.Clone()
	}
	return s
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
