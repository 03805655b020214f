package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/sessionvault/internal/embedder"
	"github.com/dshills/sessionvault/internal/indexer"
	"github.com/dshills/sessionvault/internal/semantic"
	"github.com/dshills/sessionvault/internal/storage"
	"github.com/dshills/sessionvault/internal/unified"
)

type toolHandler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Options{Path: storage.MemoryPath, AutosaveInterval: -1})
	require.NoError(t, err)

	searcher := semantic.New(store, func(ctx context.Context) (embedder.Embedder, error) {
		return embedder.NewLocalProvider(embedder.NewCache(200))
	}, semantic.Options{})
	u, err := unified.New(store, searcher, unified.Options{EnableEmbeddings: true})
	require.NoError(t, err)
	require.NoError(t, u.Initialize(ctx))
	t.Cleanup(func() { _ = u.Close() })

	return NewServer(u, indexer.New(u, nil), nil)
}

func call(t *testing.T, h toolHandler, args map[string]interface{}) (map[string]interface{}, error) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	result, err := h(context.Background(), req)
	if err != nil {
		return nil, err
	}
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out, nil
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	var mcpErr *MCPError
	require.True(t, errors.As(err, &mcpErr), "expected MCPError, got %v", err)
	assert.Equal(t, code, mcpErr.Code)
}

func fixturesPath(t *testing.T) string {
	t.Helper()
	abs, err := filepath.Abs(filepath.Join("..", "indexer", "testdata", "fixtures"))
	require.NoError(t, err)
	return abs
}

func TestServer_Initialization(t *testing.T) {
	s := newTestServer(t)
	assert.NotNil(t, s.mcp)
	assert.NotNil(t, s.store)
	assert.NotNil(t, s.indexer)
	assert.NotNil(t, s.logger)
}

func TestSessionTools(t *testing.T) {
	s := newTestServer(t)

	first, err := call(t, s.handleAppendMessage, map[string]interface{}{
		"content":      "how do I deploy the kubernetes cluster",
		"project_path": "/work/infra",
	})
	require.NoError(t, err)
	sessionID, _ := first["session_id"].(string)
	require.NotEmpty(t, sessionID)
	assert.NotEmpty(t, first["message_id"])

	_, err = call(t, s.handleAppendMessage, map[string]interface{}{
		"session_id": sessionID,
		"role":       "assistant",
		"content":    "run the apply script from the infra directory",
		"model":      "test-model",
	})
	require.NoError(t, err)

	t.Run("load session", func(t *testing.T) {
		out, err := call(t, s.handleLoadSession, map[string]interface{}{"session_id": sessionID})
		require.NoError(t, err)
		assert.Equal(t, sessionID, out["id"])
		messages, ok := out["messages"].([]interface{})
		require.True(t, ok)
		require.Len(t, messages, 2)
		assert.Equal(t, "user", messages[0].(map[string]interface{})["role"])
		assert.Equal(t, "assistant", messages[1].(map[string]interface{})["role"])
	})

	t.Run("list sessions", func(t *testing.T) {
		out, err := call(t, s.handleListSessions, map[string]interface{}{"project_path": "/work/infra"})
		require.NoError(t, err)
		sessions := out["sessions"].([]interface{})
		require.Len(t, sessions, 1)
		assert.Equal(t, float64(2), sessions[0].(map[string]interface{})["message_count"])
	})

	t.Run("full-text history search", func(t *testing.T) {
		out, err := call(t, s.handleSearchChatHistory, map[string]interface{}{
			"query":    "kubernetes",
			"semantic": false,
		})
		require.NoError(t, err)
		results := out["results"].([]interface{})
		require.Len(t, results, 1)
		hit := results[0].(map[string]interface{})
		assert.Equal(t, sessionID, hit["session_id"])
		assert.Equal(t, "fulltext", hit["mode"])
	})

	t.Run("delete session", func(t *testing.T) {
		_, err := call(t, s.handleDeleteSession, map[string]interface{}{"session_id": sessionID})
		require.NoError(t, err)

		_, err = call(t, s.handleLoadSession, map[string]interface{}{"session_id": sessionID})
		requireCode(t, err, ErrorCodeNotFound)
	})
}

func TestAppendMessage_Validation(t *testing.T) {
	s := newTestServer(t)

	_, err := call(t, s.handleAppendMessage, map[string]interface{}{"content": "  "})
	requireCode(t, err, ErrorCodeInvalidParams)

	_, err = call(t, s.handleAppendMessage, map[string]interface{}{"content": "hi", "role": "robot"})
	requireCode(t, err, ErrorCodeInvalidParams)
}

func TestContextTools(t *testing.T) {
	s := newTestServer(t)
	content := "retry policy for the outbound http client"

	out, err := call(t, s.handleSaveContext, map[string]interface{}{
		"project_path": "/work/api",
		"type":         "config",
		"content":      content,
		"tags":         []interface{}{"http", "retry"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, out["id"])
	assert.Equal(t, true, out["embedded"])

	found, err := call(t, s.handleSearchContexts, map[string]interface{}{
		"query":        content,
		"project_path": "/work/api",
	})
	require.NoError(t, err)
	results := found["results"].([]interface{})
	require.NotEmpty(t, results)
	assert.Equal(t, out["id"], results[0].(map[string]interface{})["id"])

	_, err = call(t, s.handleSaveContext, map[string]interface{}{
		"project_path": "/work/api",
		"type":         "notes",
		"content":      content,
	})
	requireCode(t, err, ErrorCodeInvalidParams)
}

func TestCodeTools(t *testing.T) {
	s := newTestServer(t)
	root := fixturesPath(t)

	out, err := call(t, s.handleIndexProject, map[string]interface{}{"path": root})
	require.NoError(t, err)
	assert.Equal(t, true, out["indexed"])
	assert.Greater(t, out["files_indexed"].(float64), float64(0))
	assert.Greater(t, out["symbols_extracted"].(float64), float64(0))

	t.Run("full-text symbol search", func(t *testing.T) {
		found, err := call(t, s.handleSearchCode, map[string]interface{}{
			"path":     root,
			"query":    "UserRepository",
			"semantic": false,
		})
		require.NoError(t, err)
		results := found["results"].([]interface{})
		require.NotEmpty(t, results)

		var names []string
		for _, r := range results {
			names = append(names, r.(map[string]interface{})["symbol"].(string))
		}
		assert.Contains(t, names, "UserRepository")
	})

	t.Run("kind filter", func(t *testing.T) {
		found, err := call(t, s.handleSearchCode, map[string]interface{}{
			"path":         root,
			"query":        "user",
			"symbol_types": []interface{}{"interface"},
		})
		require.NoError(t, err)
		for _, r := range found["results"].([]interface{}) {
			assert.Equal(t, "interface", r.(map[string]interface{})["kind"])
		}

		_, err = call(t, s.handleSearchCode, map[string]interface{}{
			"query":        "user",
			"symbol_types": []interface{}{"module"},
		})
		requireCode(t, err, ErrorCodeInvalidParams)
	})

	t.Run("neighbors", func(t *testing.T) {
		found, err := call(t, s.handleGetNeighbors, map[string]interface{}{
			"path":      root,
			"entity_id": "sample_simple.go",
		})
		require.NoError(t, err)
		var targets []string
		for _, e := range found["edges"].([]interface{}) {
			edge := e.(map[string]interface{})
			assert.Equal(t, "imports", edge["relation"])
			targets = append(targets, edge["target"].(string))
		}
		assert.Contains(t, targets, "context")
		assert.Contains(t, targets, "fmt")
	})

	t.Run("status", func(t *testing.T) {
		status, err := call(t, s.handleGetStatus, nil)
		require.NoError(t, err)
		assert.Equal(t, "ready", status["state"])
		records := status["records"].(map[string]interface{})
		assert.Greater(t, records["code_entries"].(float64), float64(0))
		embeddings := status["embeddings"].(map[string]interface{})
		assert.Equal(t, true, embeddings["available"])
	})
}

func TestIndexProject_InvalidPath(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		path string
	}{
		{"relative", "relative/path"},
		{"missing", filepath.Join(t.TempDir(), "missing")},
		{"no go files", t.TempDir()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call(t, s.handleIndexProject, map[string]interface{}{"path": tt.path})
			requireCode(t, err, ErrorCodeInvalidParams)
		})
	}

	_, err := call(t, s.handleIndexProject, map[string]interface{}{})
	requireCode(t, err, ErrorCodeInvalidParams)
}

func TestSearchArguments(t *testing.T) {
	s := newTestServer(t)

	_, err := call(t, s.handleSearchChatHistory, map[string]interface{}{"query": "   "})
	requireCode(t, err, ErrorCodeEmptyQuery)

	_, err = call(t, s.handleSearchCode, map[string]interface{}{"query": "x", "limit": float64(0)})
	requireCode(t, err, ErrorCodeInvalidParams)

	_, err = call(t, s.handleSearchCode, map[string]interface{}{"query": "x", "limit": float64(MaxLimit + 1)})
	requireCode(t, err, ErrorCodeInvalidParams)
}

func TestClosedStore(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.store.Close())

	_, err := call(t, s.handleGetStatus, nil)
	requireCode(t, err, ErrorCodeNotReady)

	_, err = call(t, s.handleListSessions, nil)
	requireCode(t, err, ErrorCodeNotReady)
}

func TestGetStringSlice(t *testing.T) {
	args := map[string]interface{}{
		"mixed": []interface{}{"a", 1, "b"},
		"typed": []string{"c"},
		"wrong": "d",
	}
	assert.Equal(t, []string{"a", "b"}, getStringSlice(args, "mixed"))
	assert.Equal(t, []string{"c"}, getStringSlice(args, "typed"))
	assert.Nil(t, getStringSlice(args, "wrong"))
	assert.Nil(t, getStringSlice(args, "missing"))
}
