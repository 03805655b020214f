package unified

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/sessionvault/internal/embedder"
	"github.com/dshills/sessionvault/internal/semantic"
	"github.com/dshills/sessionvault/internal/storage"
	"github.com/dshills/sessionvault/pkg/types"
)

// flakyEmbedder wraps the local model and fails while failing is set
type flakyEmbedder struct {
	embedder.Embedder
	failing atomic.Bool
}

func (f *flakyEmbedder) GenerateEmbedding(ctx context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	if f.failing.Load() {
		return nil, errors.New("model offline")
	}
	return f.Embedder.GenerateEmbedding(ctx, req)
}

func openStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Options{Path: storage.MemoryPath, AutosaveInterval: -1})
	require.NoError(t, err)
	return store
}

func setupUnified(t *testing.T, embeddings bool) (*Store, *flakyEmbedder) {
	t.Helper()
	store := openStore(t)

	local, err := embedder.NewLocalProvider(embedder.NewCache(100))
	require.NoError(t, err)
	flaky := &flakyEmbedder{Embedder: local}
	searcher := semantic.New(store, func(ctx context.Context) (embedder.Embedder, error) {
		return flaky, nil
	}, semantic.Options{})

	u, err := New(store, searcher, Options{CacheSize: 10, EnableEmbeddings: embeddings})
	require.NoError(t, err)
	require.NoError(t, u.Initialize(context.Background()))
	t.Cleanup(func() { _ = u.Close() })
	return u, flaky
}

func s1() *types.Session {
	return (&types.LegacySession{
		ID:    "s1",
		Title: "Test",
		Messages: []types.LegacyMessage{
			{ID: "m1", Role: "user", Content: "Hello", Timestamp: 1000},
		},
		CreatedAt: 1000,
		UpdatedAt: 1000,
	}).ToSession()
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	u, err := New(openStore(t), nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, u.State())

	_, err = u.LoadSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, u.Initialize(ctx))
	assert.Equal(t, StateReady, u.State())
	require.NoError(t, u.Initialize(ctx))

	require.NoError(t, u.Close())
	assert.Equal(t, StateClosed, u.State())
	require.NoError(t, u.Close())

	_, err = u.LoadSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, u.SaveSession(ctx, s1(), SaveOptions{}), ErrClosed)
	assert.ErrorIs(t, u.Initialize(ctx), ErrClosed)

	_, err = New(nil, nil, Options{})
	assert.Error(t, err)
}

func TestSessionScenario(t *testing.T) {
	u, _ := setupUnified(t, false)
	ctx := context.Background()

	s := s1()
	require.NoError(t, u.SaveSession(ctx, s, SaveOptions{}))

	loaded, err := u.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
	assert.Equal(t, "Test", loaded.Title)
	assert.Equal(t, 1, loaded.MessageCount)
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, types.RoleUser, loaded.Messages[0].Role)
	assert.Equal(t, int64(1000), types.ToMillis(loaded.Messages[0].CreatedAt))

	hits, err := u.SearchChatHistory(ctx, "Hello", "", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].Record.ID)
	assert.Equal(t, "s1", hits[0].Record.SessionID)
	assert.GreaterOrEqual(t, hits[0].Score, 0.0)
	assert.Equal(t, ModeFullText, hits[0].Mode)

	require.NoError(t, u.DeleteSession(ctx, "s1"))
	_, err = u.LoadSession(ctx, "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionRoundTrip(t *testing.T) {
	u, _ := setupUnified(t, true)
	ctx := context.Background()

	tokens := 12
	s := &types.Session{
		ChatSession: types.ChatSession{ID: "rt", Title: "Round trip", ProjectPath: "/proj", Summary: "sum"},
		Messages: []types.ChatMessage{
			{ID: "a", Role: types.RoleUser, Content: "first question", CreatedAt: types.FromMillis(2000)},
			{ID: "b", Role: types.RoleAssistant, Content: "an answer", TokenCount: &tokens, Model: "m",
				Metadata: &types.MessageMetadata{Extra: map[string]any{"k": "v"}}, CreatedAt: types.FromMillis(2000)},
			{ID: "c", Role: types.RoleSystem, Content: "note", CreatedAt: types.FromMillis(3000)},
		},
	}
	require.NoError(t, u.SaveSession(ctx, s, SaveOptions{}))
	for _, m := range s.Messages {
		assert.True(t, m.HasEmbedding(), "message %s", m.ID)
		assert.Equal(t, "/proj", m.ProjectPath)
	}

	loaded, err := u.LoadSession(ctx, "rt")
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
	assert.Equal(t, []string{"a", "b", "c"}, []string{loaded.Messages[0].ID, loaded.Messages[1].ID, loaded.Messages[2].ID})

	// Mutating a loaded session does not reach the cache
	loaded.Messages[0].Content = "changed"
	loaded.Title = "changed"
	again, err := u.LoadSession(ctx, "rt")
	require.NoError(t, err)
	assert.Equal(t, "first question", again.Messages[0].Content)
	assert.Equal(t, "Round trip", again.Title)
}

func TestIdempotentSave(t *testing.T) {
	u, _ := setupUnified(t, false)
	ctx := context.Background()

	require.NoError(t, u.SaveSession(ctx, s1(), SaveOptions{}))
	require.NoError(t, u.SaveSession(ctx, s1(), SaveOptions{}))

	sessions, err := u.ListSessions(ctx, storage.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].MessageCount)

	c := &types.ProjectContext{ID: "c1", ProjectPath: "/p", Type: types.ContextFile, Content: "v1"}
	require.NoError(t, u.SaveContext(ctx, c, SaveOptions{}))
	require.NoError(t, u.SaveContext(ctx, c, SaveOptions{}))
	contexts, err := u.ListContexts(ctx, storage.ContextFilter{ProjectPath: "/p"})
	require.NoError(t, err)
	assert.Len(t, contexts, 1)
}

func TestCacheCoherence(t *testing.T) {
	u, _ := setupUnified(t, false)
	ctx := context.Background()

	require.NoError(t, u.SaveContext(ctx, &types.ProjectContext{ID: "x", ProjectPath: "/p", Type: types.ContextConfig, Content: "v1"}, SaveOptions{}))
	got, err := u.GetContext(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Content)

	require.NoError(t, u.SaveContext(ctx, &types.ProjectContext{ID: "x", ProjectPath: "/p", Type: types.ContextConfig, Content: "v2"}, SaveOptions{}))
	got, err = u.GetContext(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)

	got.Content = "local edit"
	got, err = u.GetContext(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)

	require.NoError(t, u.DeleteContext(ctx, "x"))
	_, err = u.GetContext(ctx, "x")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// A failed save evicts rather than caching the rejected value
	require.NoError(t, u.SaveContext(ctx, &types.ProjectContext{ID: "y", ProjectPath: "/p", Type: types.ContextFile, Content: "ok"}, SaveOptions{}))
	err = u.SaveContext(ctx, &types.ProjectContext{ID: "y", ProjectPath: "/p", Type: "bogus", Content: "bad"}, SaveOptions{})
	assert.ErrorIs(t, err, types.ErrInvalidContextType)
	got, err = u.GetContext(ctx, "y")
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Content)
}

func TestAppendMessage(t *testing.T) {
	u, _ := setupUnified(t, false)
	ctx := context.Background()

	first := &types.ChatMessage{Role: types.RoleUser, Content: "How do I configure the proxy?\nDetails follow", ProjectPath: "/web"}
	require.NoError(t, u.AppendMessage(ctx, "new", first, SaveOptions{}))
	assert.NotEmpty(t, first.ID)

	s, err := u.LoadSession(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "How do I configure the proxy?", s.Title)
	assert.Equal(t, "/web", s.ProjectPath)
	assert.Equal(t, 1, s.MessageCount)
	created := s.UpdatedAt

	second := &types.ChatMessage{Role: types.RoleAssistant, Content: "Set the upstream.", CreatedAt: created.Add(time.Second)}
	require.NoError(t, u.AppendMessage(ctx, "new", second, SaveOptions{}))
	assert.Equal(t, "/web", second.ProjectPath)

	s, err = u.LoadSession(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, 2, s.MessageCount)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, second.ID, s.Messages[1].ID)
	assert.False(t, s.UpdatedAt.Before(second.CreatedAt))

	// An invalid message leaves nothing behind
	err = u.AppendMessage(ctx, "other", &types.ChatMessage{Role: "robot", Content: "x"}, SaveOptions{})
	assert.ErrorIs(t, err, types.ErrInvalidRole)
	_, err = u.LoadSession(ctx, "other")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, u.AppendMessage(ctx, "", &types.ChatMessage{Role: types.RoleUser, Content: "x"}, SaveOptions{}), types.ErrMissingSession)
}

func TestUpdateSessionTitle(t *testing.T) {
	u, _ := setupUnified(t, false)
	ctx := context.Background()

	require.NoError(t, u.SaveSession(ctx, s1(), SaveOptions{}))
	_, err := u.LoadSession(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, u.UpdateSessionTitle(ctx, "s1", "Renamed"))
	s, err := u.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", s.Title)
	assert.Greater(t, types.ToMillis(s.UpdatedAt), int64(1000))
	assert.Len(t, s.Messages, 1)

	assert.ErrorIs(t, u.UpdateSessionTitle(ctx, "missing", "x"), storage.ErrNotFound)
}

func TestEmbeddingAttach(t *testing.T) {
	u, flaky := setupUnified(t, true)
	ctx := context.Background()

	c := &types.ProjectContext{ID: "c1", ProjectPath: "/p", Type: types.ContextDependency, Content: "uses gorilla websocket"}
	require.NoError(t, u.SaveContext(ctx, c, SaveOptions{}))
	require.True(t, c.HasEmbedding())
	got, err := u.GetContext(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c.EmbeddingID, got.EmbeddingID)

	skipped := &types.ProjectContext{ID: "c2", ProjectPath: "/p", Type: types.ContextFile, Content: "no vector"}
	require.NoError(t, u.SaveContext(ctx, skipped, SaveOptions{SkipEmbedding: true}))
	assert.False(t, skipped.HasEmbedding())

	t.Run("failure is not escalated and is retried on read", func(t *testing.T) {
		flaky.failing.Store(true)
		c := &types.ProjectContext{ID: "c3", ProjectPath: "/p", Type: types.ContextFile, Content: "flaky content"}
		require.NoError(t, u.SaveContext(ctx, c, SaveOptions{}))
		assert.False(t, c.HasEmbedding())

		got, err := u.GetContext(ctx, "c3")
		require.NoError(t, err)
		assert.False(t, got.HasEmbedding())

		stats, err := u.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.PendingEmbeddings)

		flaky.failing.Store(false)
		got, err = u.GetContext(ctx, "c3")
		require.NoError(t, err)
		assert.True(t, got.HasEmbedding())

		stats, err = u.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.PendingEmbeddings)
	})

	t.Run("message embedding retried on load", func(t *testing.T) {
		flaky.failing.Store(true)
		m := &types.ChatMessage{ID: "fm", Role: types.RoleUser, Content: "embed me later"}
		require.NoError(t, u.AppendMessage(ctx, "fs", m, SaveOptions{}))
		assert.False(t, m.HasEmbedding())

		flaky.failing.Store(false)
		s, err := u.LoadSession(ctx, "fs")
		require.NoError(t, err)
		require.Len(t, s.Messages, 1)
		assert.True(t, s.Messages[0].HasEmbedding())
	})

	t.Run("backfill", func(t *testing.T) {
		n, err := u.BackfillEmbeddings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n) // c2

		got, err := u.GetContext(ctx, "c2")
		require.NoError(t, err)
		assert.True(t, got.HasEmbedding())
	})
}

func TestBackfillRequiresSemantic(t *testing.T) {
	u, _ := setupUnified(t, false)
	_, err := u.BackfillEmbeddings(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSemanticSearch(t *testing.T) {
	u, flaky := setupUnified(t, true)
	ctx := context.Background()

	require.NoError(t, u.SaveSession(ctx, &types.Session{
		ChatSession: types.ChatSession{ID: "fe", Title: "Frontend", ProjectPath: "/app"},
		Messages: []types.ChatMessage{
			{ID: "r", Role: types.RoleUser, Content: "React hooks guide"},
			{ID: "p", Role: types.RoleUser, Content: "Postgres vacuum tuning"},
		},
	}, SaveOptions{}))

	hits, err := u.SearchChatHistory(ctx, "React hooks", "/app", SearchOptions{UseSemantic: true})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "r", hits[0].Record.ID)
	assert.Equal(t, ModeSemantic, hits[0].Mode)
	for _, h := range hits {
		assert.GreaterOrEqual(t, h.Score, semantic.DefaultThreshold)
	}

	t.Run("falls back to full-text when semantic search fails", func(t *testing.T) {
		flaky.failing.Store(true)
		defer flaky.failing.Store(false)

		hits, err := u.SearchChatHistory(ctx, "vacuum", "/app", SearchOptions{UseSemantic: true})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "p", hits[0].Record.ID)
		assert.Equal(t, ModeFullText, hits[0].Mode)
	})

	t.Run("full-text when not requested", func(t *testing.T) {
		hits, err := u.SearchChatHistory(ctx, "hooks", "", SearchOptions{})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, ModeFullText, hits[0].Mode)
	})

	t.Run("contexts", func(t *testing.T) {
		require.NoError(t, u.SaveContext(ctx, &types.ProjectContext{
			ID: "ctx-react", ProjectPath: "/app", Type: types.ContextDependency, Content: "React hooks",
		}, SaveOptions{}))
		hits, err := u.SearchContexts(ctx, "React hooks", "/app", SearchOptions{})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "ctx-react", hits[0].Record.ID)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	})
}

func TestSemanticUnavailable(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	searcher := semantic.New(store, func(ctx context.Context) (embedder.Embedder, error) {
		return nil, errors.New("no model")
	}, semantic.Options{})

	u, err := New(store, searcher, Options{EnableEmbeddings: true})
	require.NoError(t, err)
	require.NoError(t, u.Initialize(ctx))
	defer u.Close()

	c := &types.ProjectContext{ID: "c", ProjectPath: "/p", Type: types.ContextFile, Content: "React"}
	require.NoError(t, u.SaveContext(ctx, c, SaveOptions{}))
	assert.False(t, c.HasEmbedding())

	require.NoError(t, u.SaveSession(ctx, s1(), SaveOptions{}))
	hits, err := u.SearchChatHistory(ctx, "Hello", "", SearchOptions{UseSemantic: true})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, ModeFullText, hits[0].Mode)

	contexts, err := u.SearchContexts(ctx, "React", "", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, contexts)

	stats, err := u.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, stats.SemanticAvailable)
}

func TestCodeIndex(t *testing.T) {
	u, _ := setupUnified(t, true)
	ctx := context.Background()

	entries := []*types.CodeIndexEntry{
		{ID: "f1", SymbolName: "ParseConfig", SymbolType: types.KindFunction, Signature: "func ParseConfig(path string) (*Config, error)"},
		{ID: "t1", SymbolName: "Config", SymbolType: types.KindClass, DocComment: "Config holds proxy settings"},
	}
	edges := []*types.KnowledgeEdge{
		{SourceType: "file", SourceID: "config.go", Relation: types.RelationImports, TargetID: "os"},
	}
	require.NoError(t, u.ReplaceFileIndex(ctx, "/proj", "config.go", entries, edges, SaveOptions{}))
	for _, e := range entries {
		assert.True(t, e.HasEmbedding())
	}

	got, err := u.GetCodeIndex(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "config.go", got.FilePath)
	assert.Equal(t, "/proj", got.ProjectPath)

	hits, err := u.SearchCode(ctx, "ParseConfig", "/proj", SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "f1", hits[0].Record.ID)

	semanticHits, err := u.SearchCode(ctx, "ParseConfig", "/proj", SearchOptions{UseSemantic: true, Threshold: 0.3})
	require.NoError(t, err)
	require.NotEmpty(t, semanticHits)
	assert.Equal(t, ModeSemantic, semanticHits[0].Mode)
	assert.Equal(t, "f1", semanticHits[0].Record.ID)

	// Reindexing the file replaces entries and edges
	require.NoError(t, u.ReplaceFileIndex(ctx, "/proj", "config.go", []*types.CodeIndexEntry{
		{ID: "f2", SymbolName: "LoadConfig", SymbolType: types.KindFunction},
	}, []*types.KnowledgeEdge{
		{SourceType: "file", SourceID: "config.go", Relation: types.RelationImports, TargetID: "io"},
	}, SaveOptions{}))

	_, err = u.GetCodeIndex(ctx, "f1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	list, err := u.ListCodeIndex(ctx, storage.CodeIndexFilter{ProjectPath: "/proj"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "LoadConfig", list[0].SymbolName)

	out, err := u.ListEdges(ctx, storage.EdgeFilter{ProjectPath: "/proj", SourceID: "config.go"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "io", out[0].TargetID)

	removed, err := u.DeleteCodeIndexByFile(ctx, "/proj", "config.go")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = u.GetCodeIndex(ctx, "f2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	single := &types.CodeIndexEntry{ID: "v1", ProjectPath: "/proj", FilePath: "vars.go", SymbolName: "Version", SymbolType: types.KindVariable}
	require.NoError(t, u.SaveCodeIndex(ctx, single, SaveOptions{}))
	assert.True(t, single.HasEmbedding())
	require.NoError(t, u.DeleteCodeIndex(ctx, "v1"))
	_, err = u.GetCodeIndex(ctx, "v1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNeighbors(t *testing.T) {
	u, _ := setupUnified(t, false)
	ctx := context.Background()

	for _, e := range []*types.KnowledgeEdge{
		{ID: "ab", ProjectPath: "/p", SourceType: "file", SourceID: "a.go", Relation: types.RelationImports, TargetID: "b.go"},
		{ID: "ba", ProjectPath: "/p", SourceType: "file", SourceID: "b.go", Relation: types.RelationImports, TargetID: "a.go"},
		{ID: "aa", ProjectPath: "/p", SourceType: "file", SourceID: "a.go", Relation: types.RelationRelated, TargetID: "a.go"},
		{ID: "cd", ProjectPath: "/p", SourceType: "file", SourceID: "c.go", Relation: types.RelationUses, TargetID: "d.go"},
	} {
		require.NoError(t, u.SaveEdge(ctx, e))
	}

	edges, err := u.Neighbors(ctx, "/p", "a.go")
	require.NoError(t, err)
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{"ab", "ba", "aa"}, ids)

	got, err := u.GetEdge(ctx, "cd")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Weight)

	require.NoError(t, u.DeleteEdge(ctx, "cd"))
	_, err = u.GetEdge(ctx, "cd")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransactionPurgesCaches(t *testing.T) {
	u, _ := setupUnified(t, false)
	ctx := context.Background()

	require.NoError(t, u.SaveContext(ctx, &types.ProjectContext{ID: "c", ProjectPath: "/p", Type: types.ContextFile, Content: "old"}, SaveOptions{}))
	_, err := u.GetContext(ctx, "c")
	require.NoError(t, err)

	err = u.Transaction(ctx, func(tx storage.Tx) error {
		return tx.SaveContext(ctx, &types.ProjectContext{ID: "c", ProjectPath: "/p", Type: types.ContextFile, Content: "new"})
	})
	require.NoError(t, err)

	got, err := u.GetContext(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Content)

	boom := errors.New("boom")
	err = u.Transaction(ctx, func(tx storage.Tx) error {
		if err := tx.SaveContext(ctx, &types.ProjectContext{ID: "c", ProjectPath: "/p", Type: types.ContextFile, Content: "lost"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, err = u.GetContext(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Content)
}

func TestExportImport(t *testing.T) {
	u, _ := setupUnified(t, false)
	ctx := context.Background()

	require.NoError(t, u.SaveSession(ctx, s1(), SaveOptions{}))
	exported, err := u.ExportSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, &types.LegacySession{
		ID:        "s1",
		Title:     "Test",
		Messages:  []types.LegacyMessage{{ID: "m1", Role: "user", Content: "Hello", Timestamp: 1000}},
		CreatedAt: 1000,
		UpdatedAt: 1000,
	}, exported)

	exported.ID = "copy"
	exported.Messages[0].ID = "m1-copy"
	imported, err := u.ImportSession(ctx, exported, SaveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "copy", imported.ID)

	loaded, err := u.LoadSession(ctx, "copy")
	require.NoError(t, err)
	assert.Equal(t, "Hello", loaded.Messages[0].Content)

	_, err = u.ImportSession(ctx, &types.LegacySession{}, SaveOptions{})
	assert.ErrorIs(t, err, types.ErrMissingID)
}

func TestStats(t *testing.T) {
	u, _ := setupUnified(t, true)
	ctx := context.Background()

	require.NoError(t, u.SaveSession(ctx, s1(), SaveOptions{}))
	_, err := u.LoadSession(ctx, "s1")
	require.NoError(t, err)

	stats, err := u.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateReady, stats.State)
	assert.Equal(t, 1, stats.Storage.Sessions)
	assert.Equal(t, 1, stats.Storage.Messages)
	assert.Equal(t, 1, stats.Storage.Embeddings)
	assert.Equal(t, 1, stats.CachedSessions)
	assert.True(t, stats.SemanticAvailable)
	assert.Equal(t, embedder.DefaultLocalModel, stats.EmbeddingModel)
	assert.True(t, stats.Storage.InMemory)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, defaultSessionTitle, deriveTitle("   "))
	assert.Equal(t, "Short", deriveTitle("Short\nmore"))
	long := "This first line is definitely longer than the sixty rune limit for titles"
	title := deriveTitle(long)
	assert.True(t, len([]rune(title)) <= maxDerivedTitle+3)
	assert.Contains(t, title, "...")
}

func TestSameMessageIDInTwoSessions(t *testing.T) {
	u, _ := setupUnified(t, true)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		require.NoError(t, u.SaveSession(ctx, &types.Session{
			ChatSession: types.ChatSession{ID: id, Title: id, ProjectPath: "/p"},
			Messages:    []types.ChatMessage{{ID: "m1", Role: types.RoleUser, Content: "React hooks in " + id}},
		}, SaveOptions{}))
	}

	var embeddingIDs []string
	for _, id := range []string{"s1", "s2"} {
		s, err := u.LoadSession(ctx, id)
		require.NoError(t, err)
		require.Len(t, s.Messages, 1)
		assert.Equal(t, "React hooks in "+id, s.Messages[0].Content)
		require.True(t, s.Messages[0].HasEmbedding())
		embeddingIDs = append(embeddingIDs, *s.Messages[0].EmbeddingID)
	}
	assert.NotEqual(t, embeddingIDs[0], embeddingIDs[1])

	hits, err := u.SearchChatHistory(ctx, "React hooks", "/p", SearchOptions{UseSemantic: true, Threshold: -1})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	sessions := []string{hits[0].Record.SessionID, hits[1].Record.SessionID}
	assert.ElementsMatch(t, []string{"s1", "s2"}, sessions)

	require.NoError(t, u.DeleteSession(ctx, "s1"))
	hits, err = u.SearchChatHistory(ctx, "React hooks", "/p", SearchOptions{UseSemantic: true, Threshold: -1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "s2", hits[0].Record.SessionID)
	assert.Equal(t, ModeSemantic, hits[0].Mode)
}

// openFileStore opens an orchestrator over a database file with a model
// that fails while failing is set
func openFileStore(t *testing.T, path string, failing bool) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Options{Path: path, AutosaveInterval: -1})
	require.NoError(t, err)
	require.False(t, store.InMemory())

	local, err := embedder.NewLocalProvider(embedder.NewCache(100))
	require.NoError(t, err)
	flaky := &flakyEmbedder{Embedder: local}
	flaky.failing.Store(failing)
	searcher := semantic.New(store, func(ctx context.Context) (embedder.Embedder, error) {
		return flaky, nil
	}, semantic.Options{})

	u, err := New(store, searcher, Options{EnableEmbeddings: true, SemanticRetryInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, u.Initialize(ctx))
	return u
}

func TestEmbeddingsAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")

	u := openFileStore(t, path, true)
	stats, err := u.Stats(ctx)
	require.NoError(t, err)
	require.False(t, stats.SemanticAvailable)

	c := &types.ProjectContext{ID: "c1", ProjectPath: "/p", Type: types.ContextDependency, Content: "uses gorilla websocket"}
	require.NoError(t, u.SaveContext(ctx, c, SaveOptions{}))
	assert.False(t, c.HasEmbedding())
	require.NoError(t, u.AppendMessage(ctx, "s1", &types.ChatMessage{ID: "m1", Role: types.RoleUser, Content: "websocket reconnect"}, SaveOptions{}))
	require.NoError(t, u.SaveCodeIndex(ctx, &types.CodeIndexEntry{
		ID: "f1", ProjectPath: "/p", SymbolName: "Dial", SymbolType: types.KindFunction,
	}, SaveOptions{}))
	require.NoError(t, u.Close())

	u = openFileStore(t, path, false)
	defer u.Close()

	got, err := u.GetContext(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.HasEmbedding())

	hits, err := u.SearchContexts(ctx, "uses gorilla websocket", "/p", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c1", hits[0].Record.ID)

	s, err := u.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, s.Messages, 1)
	assert.True(t, s.Messages[0].HasEmbedding())

	// The code entry was not read since the restart, backfill picks it up
	n, err := u.BackfillEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	entry, err := u.GetCodeIndex(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, entry.HasEmbedding())
}

func TestResaveRefreshesUpdatedAt(t *testing.T) {
	u, _ := setupUnified(t, false)
	ctx := context.Background()

	c := &types.ProjectContext{ID: "c1", ProjectPath: "/p", Type: types.ContextFile, Content: "v1"}
	require.NoError(t, u.SaveContext(ctx, c, SaveOptions{}))
	first := c.UpdatedAt

	time.Sleep(5 * time.Millisecond)
	c.Content = "v2"
	require.NoError(t, u.SaveContext(ctx, c, SaveOptions{}))
	assert.True(t, c.UpdatedAt.After(first))

	require.NoError(t, u.Transaction(ctx, func(tx storage.Tx) error { return nil })) // drop caches
	stored, err := u.GetContext(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "v2", stored.Content)
	assert.True(t, stored.UpdatedAt.After(first))

	e := &types.CodeIndexEntry{ID: "f1", ProjectPath: "/p", SymbolName: "Run", SymbolType: types.KindFunction}
	require.NoError(t, u.SaveCodeIndex(ctx, e, SaveOptions{}))
	firstEntry := e.UpdatedAt
	time.Sleep(5 * time.Millisecond)
	e.Signature = "func Run() error"
	require.NoError(t, u.SaveCodeIndex(ctx, e, SaveOptions{}))
	assert.True(t, e.UpdatedAt.After(firstEntry))

	// A session keeps the given times when new and moves on when saved again
	s := s1()
	require.NoError(t, u.SaveSession(ctx, s, SaveOptions{}))
	assert.Equal(t, int64(1000), types.ToMillis(s.UpdatedAt))
	s.Title = "Renamed"
	require.NoError(t, u.SaveSession(ctx, s, SaveOptions{}))
	assert.Greater(t, types.ToMillis(s.UpdatedAt), int64(1000))
	assert.Equal(t, int64(1000), types.ToMillis(s.CreatedAt))

	// Imports keep their times
	imported, err := u.ImportSession(ctx, &types.LegacySession{ID: "old", Title: "Old", CreatedAt: 500, UpdatedAt: 700}, SaveOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(700), types.ToMillis(imported.UpdatedAt))
}

func TestSemanticReloadAfterStartupFailure(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	local, err := embedder.NewLocalProvider(embedder.NewCache(100))
	require.NoError(t, err)

	var (
		loads atomic.Int32
		ready atomic.Bool
	)
	searcher := semantic.New(store, func(ctx context.Context) (embedder.Embedder, error) {
		loads.Add(1)
		if !ready.Load() {
			return nil, errors.New("model not downloaded")
		}
		return local, nil
	}, semantic.Options{})

	u, err := New(store, searcher, Options{EnableEmbeddings: true, SemanticRetryInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, u.Initialize(ctx))
	defer u.Close()
	require.Equal(t, int32(1), loads.Load())

	require.NoError(t, u.SaveSession(ctx, s1(), SaveOptions{}))

	// The first semantic request after the failure reloads the model
	hits, err := u.SearchChatHistory(ctx, "Hello", "", SearchOptions{UseSemantic: true})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, ModeFullText, hits[0].Mode)
	assert.Equal(t, int32(2), loads.Load())

	// Within the retry interval nothing is reloaded
	ready.Store(true)
	_, err = u.SearchChatHistory(ctx, "Hello", "", SearchOptions{UseSemantic: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())

	u.retryMu.Lock()
	u.nextRetry = time.Time{}
	u.retryMu.Unlock()

	_, err = u.SearchChatHistory(ctx, "Hello", "", SearchOptions{UseSemantic: true})
	require.NoError(t, err)
	assert.Equal(t, int32(3), loads.Load())

	stats, err := u.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.SemanticAvailable)

	// The message saved while the model was missing is embedded on load
	s, err := u.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, s.Messages[0].HasEmbedding())

	hits, err = u.SearchChatHistory(ctx, "Hello", "", SearchOptions{UseSemantic: true})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, ModeSemantic, hits[0].Mode)
}

func TestSearchBlankQuery(t *testing.T) {
	u, _ := setupUnified(t, false)
	ctx := context.Background()

	_, err := u.SearchChatHistory(ctx, "   ", "", SearchOptions{})
	assert.ErrorIs(t, err, storage.ErrEmptyQuery)
	_, err = u.SearchCode(ctx, "", "", SearchOptions{})
	assert.ErrorIs(t, err, storage.ErrEmptyQuery)
}
