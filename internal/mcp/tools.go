package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/sessionvault/internal/indexer"
	"github.com/dshills/sessionvault/internal/storage"
	"github.com/dshills/sessionvault/internal/unified"
	"github.com/dshills/sessionvault/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeNotFound           = -32001 // Requested record does not exist
	ErrorCodeIndexingInProgress = -32002 // Another indexing operation is already running
	ErrorCodeNotReady           = -32003 // Store is not initialized or already closed
	ErrorCodeEmptyQuery         = -32004 // Query parameter is empty
)

// Result limits
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

func (s *Server) handleAppendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	content := getStringDefault(args, "content", "")
	if strings.TrimSpace(content) == "" {
		return nil, missingParam("content")
	}
	role := types.Role(getStringDefault(args, "role", string(types.RoleUser)))
	if !role.Valid() {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid role", map[string]interface{}{
			"param":   "role",
			"value":   role,
			"allowed": []string{"user", "assistant", "system"},
		})
	}

	sessionID := getStringDefault(args, "session_id", "")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	msg := &types.ChatMessage{
		ProjectPath: getStringDefault(args, "project_path", ""),
		Role:        role,
		Content:     content,
		Model:       getStringDefault(args, "model", ""),
	}
	if err := s.store.AppendMessage(ctx, sessionID, msg, unified.SaveOptions{}); err != nil {
		return nil, s.toMCPError("append message", err)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"session_id": sessionID,
		"message_id": msg.ID,
		"created_at": msg.CreatedAt.Format(time.RFC3339Nano),
	})), nil
}

func (s *Server) handleLoadSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	id := getStringDefault(args, "session_id", "")
	if id == "" {
		return nil, missingParam("session_id")
	}

	session, err := s.store.ExportSession(ctx, id)
	if err != nil {
		return nil, s.toMCPError("load session", err)
	}
	return mcp.NewToolResultText(formatJSON(session)), nil
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	limit, err := limitArg(args)
	if err != nil {
		return nil, err
	}

	sessions, err := s.store.ListSessions(ctx, storage.SessionFilter{
		ProjectPath: getStringDefault(args, "project_path", ""),
		Limit:       limit,
	})
	if err != nil {
		return nil, s.toMCPError("list sessions", err)
	}

	out := make([]map[string]interface{}, len(sessions))
	for i, cs := range sessions {
		out[i] = map[string]interface{}{
			"id":            cs.ID,
			"title":         cs.Title,
			"project_path":  cs.ProjectPath,
			"message_count": cs.MessageCount,
			"updated_at":    cs.UpdatedAt.Format(time.RFC3339),
		}
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{"sessions": out})), nil
}

func (s *Server) handleDeleteSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	id := getStringDefault(args, "session_id", "")
	if id == "" {
		return nil, missingParam("session_id")
	}
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return nil, s.toMCPError("delete session", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{"deleted": id})), nil
}

func (s *Server) handleSearchChatHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	query, err := queryArg(args)
	if err != nil {
		return nil, err
	}
	limit, err := limitArg(args)
	if err != nil {
		return nil, err
	}

	hits, err := s.store.SearchChatHistory(ctx, query, getStringDefault(args, "project_path", ""), unified.SearchOptions{
		UseSemantic: getBoolDefault(args, "semantic", true),
		Limit:       limit,
		Threshold:   getFloatDefault(args, "threshold", 0),
	})
	if err != nil {
		return nil, s.toMCPError("search chat history", err)
	}

	results := make([]map[string]interface{}, len(hits))
	for i, h := range hits {
		results[i] = map[string]interface{}{
			"session_id": h.Record.SessionID,
			"message_id": h.Record.ID,
			"role":       h.Record.Role,
			"content":    h.Record.Content,
			"score":      h.Score,
			"mode":       h.Mode,
			"created_at": h.Record.CreatedAt.Format(time.RFC3339),
		}
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{"query": query, "results": results})), nil
}

func (s *Server) handleSaveContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	projectPath := getStringDefault(args, "project_path", "")
	if projectPath == "" {
		return nil, missingParam("project_path")
	}
	content := getStringDefault(args, "content", "")
	if content == "" {
		return nil, missingParam("content")
	}
	ctxType := types.ContextType(getStringDefault(args, "type", ""))
	if !ctxType.Valid() {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid context type", map[string]interface{}{
			"param":   "type",
			"value":   ctxType,
			"allowed": []string{"file", "symbol", "dependency", "config"},
		})
	}

	c := &types.ProjectContext{
		ID:          getStringDefault(args, "id", ""),
		ProjectPath: projectPath,
		Type:        ctxType,
		Content:     content,
	}
	filePath := getStringDefault(args, "file_path", "")
	tags := getStringSlice(args, "tags")
	if filePath != "" || len(tags) > 0 {
		c.Metadata = &types.ContextMetadata{FilePath: filePath, Tags: tags}
	}
	if err := s.store.SaveContext(ctx, c, unified.SaveOptions{}); err != nil {
		return nil, s.toMCPError("save context", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"id":       c.ID,
		"embedded": c.HasEmbedding(),
	})), nil
}

func (s *Server) handleSearchContexts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	query, err := queryArg(args)
	if err != nil {
		return nil, err
	}
	limit, err := limitArg(args)
	if err != nil {
		return nil, err
	}

	hits, err := s.store.SearchContexts(ctx, query, getStringDefault(args, "project_path", ""), unified.SearchOptions{
		UseSemantic: true,
		Limit:       limit,
	})
	if err != nil {
		return nil, s.toMCPError("search contexts", err)
	}

	results := make([]map[string]interface{}, len(hits))
	for i, h := range hits {
		results[i] = map[string]interface{}{
			"id":           h.Record.ID,
			"project_path": h.Record.ProjectPath,
			"type":         h.Record.Type,
			"content":      h.Record.Content,
			"score":        h.Score,
		}
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{"query": query, "results": results})), nil
}

func (s *Server) handleIndexProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	path := getStringDefault(args, "path", "")
	if path == "" {
		return nil, missingParam("path")
	}
	if err := validatePath(path); err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid path", map[string]interface{}{
			"param":  "path",
			"reason": err.Error(),
		})
	}

	config := &indexer.Config{
		IncludeTests:  getBoolDefault(args, "include_tests", true),
		IncludeVendor: getBoolDefault(args, "include_vendor", false),
		Force:         getBoolDefault(args, "force_reindex", false),
	}
	stats, err := s.indexer.IndexProject(ctx, path, config)
	if err != nil {
		return nil, s.toMCPError("indexing failed", err)
	}

	response := map[string]interface{}{
		"indexed":           true,
		"files_indexed":     stats.FilesIndexed,
		"files_skipped":     stats.FilesSkipped,
		"files_failed":      stats.FilesFailed,
		"files_removed":     stats.FilesRemoved,
		"symbols_extracted": stats.SymbolsExtracted,
		"edges_created":     stats.EdgesCreated,
		"duration_ms":       stats.Duration.Milliseconds(),
	}
	if errorCount := len(stats.ErrorMessages); errorCount > 0 {
		if errorCount > 5 {
			response["errors"] = stats.ErrorMessages[:5]
			response["error_count"] = errorCount
		} else {
			response["errors"] = stats.ErrorMessages
		}
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

func (s *Server) handleSearchCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	query, err := queryArg(args)
	if err != nil {
		return nil, err
	}
	limit, err := limitArg(args)
	if err != nil {
		return nil, err
	}

	kinds := make(map[types.SymbolKind]bool)
	for _, k := range getStringSlice(args, "symbol_types") {
		kind := types.SymbolKind(k)
		if !kind.Valid() {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid symbol type", map[string]interface{}{
				"param": "symbol_types",
				"value": k,
			})
		}
		kinds[kind] = true
	}

	projectPath := getStringDefault(args, "path", "")
	if projectPath != "" {
		if abs, err := filepath.Abs(projectPath); err == nil {
			projectPath = abs
		}
	}

	// Filtering by kind happens after ranking, so fetch enough to fill the limit
	fetch := limit
	if len(kinds) > 0 {
		fetch = MaxLimit
	}
	hits, err := s.store.SearchCode(ctx, query, projectPath, unified.SearchOptions{
		UseSemantic: getBoolDefault(args, "semantic", true),
		Limit:       fetch,
	})
	if err != nil {
		return nil, s.toMCPError("search code", err)
	}

	results := make([]map[string]interface{}, 0, limit)
	for _, h := range hits {
		if len(kinds) > 0 && !kinds[h.Record.SymbolType] {
			continue
		}
		if len(results) == limit {
			break
		}
		r := map[string]interface{}{
			"symbol":       h.Record.SymbolName,
			"kind":         h.Record.SymbolType,
			"file":         h.Record.FilePath,
			"project_path": h.Record.ProjectPath,
			"signature":    h.Record.Signature,
			"score":        h.Score,
			"mode":         h.Mode,
		}
		if h.Record.Lines != nil {
			r["start_line"] = h.Record.Lines.Start
			r["end_line"] = h.Record.Lines.End
		}
		if h.Record.DocComment != "" {
			r["doc"] = h.Record.DocComment
		}
		results = append(results, r)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{"query": query, "results": results})), nil
}

func (s *Server) handleGetNeighbors(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	path := getStringDefault(args, "path", "")
	if path == "" {
		return nil, missingParam("path")
	}
	entityID := getStringDefault(args, "entity_id", "")
	if entityID == "" {
		return nil, missingParam("entity_id")
	}

	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	edges, err := s.store.Neighbors(ctx, path, entityID)
	if err != nil {
		return nil, s.toMCPError("get neighbors", err)
	}

	out := make([]map[string]interface{}, len(edges))
	for i, e := range edges {
		out[i] = map[string]interface{}{
			"source":   e.SourceID,
			"relation": e.Relation,
			"target":   e.TargetID,
			"weight":   e.Weight,
		}
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{"entity_id": entityID, "edges": out})), nil
}

func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, s.toMCPError("failed to get status", err)
	}

	response := map[string]interface{}{
		"state": stats.State.String(),
		"database": map[string]interface{}{
			"path":           stats.Storage.Path,
			"in_memory":      stats.Storage.InMemory,
			"schema_version": stats.Storage.SchemaVersion,
			"size_mb":        fmt.Sprintf("%.2f", float64(stats.Storage.SizeBytes)/(1024*1024)),
		},
		"records": map[string]interface{}{
			"sessions":     stats.Storage.Sessions,
			"messages":     stats.Storage.Messages,
			"contexts":     stats.Storage.Contexts,
			"code_entries": stats.Storage.CodeEntries,
			"edges":        stats.Storage.Edges,
			"embeddings":   stats.Storage.Embeddings,
		},
		"cache": map[string]interface{}{
			"sessions":     stats.CachedSessions,
			"contexts":     stats.CachedContexts,
			"code_entries": stats.CachedCodeEntries,
		},
		"embeddings": map[string]interface{}{
			"available": stats.SemanticAvailable,
			"model":     stats.EmbeddingModel,
			"pending":   stats.PendingEmbeddings,
		},
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// toMCPError maps store and indexer errors onto MCP error codes
func (s *Server) toMCPError(op string, err error) error {
	data := map[string]interface{}{"error": err.Error()}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return newMCPError(ErrorCodeNotFound, op+": not found", data)
	case errors.Is(err, unified.ErrNotReady), errors.Is(err, unified.ErrClosed):
		return newMCPError(ErrorCodeNotReady, op+": store unavailable", data)
	case errors.Is(err, indexer.ErrIndexingInProgress):
		return newMCPError(ErrorCodeIndexingInProgress, op+": indexing in progress", data)
	case isValidationError(err):
		return newMCPError(ErrorCodeInvalidParams, op+": invalid record", data)
	default:
		s.logger.Error("tool call failed", "op", op, "error", err)
		return newMCPError(ErrorCodeInternalError, op, data)
	}
}

func isValidationError(err error) bool {
	for _, target := range []error{
		types.ErrMissingID, types.ErrMissingSession, types.ErrInvalidContextType,
		types.ErrInvalidRole, types.ErrInvalidSymbolKind, types.ErrInvalidRelation,
		types.ErrInvalidSourceType, types.ErrDimensionMismatch, types.ErrEmptyVector,
		types.ErrInvalidLineRange,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

func missingParam(name string) error {
	return newMCPError(ErrorCodeInvalidParams, name+" parameter is required", map[string]interface{}{
		"param":  name,
		"reason": "missing or empty",
	})
}

func queryArg(args map[string]interface{}) (string, error) {
	query := strings.TrimSpace(getStringDefault(args, "query", ""))
	if query == "" {
		return "", newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}
	return query, nil
}

func limitArg(args map[string]interface{}) (int, error) {
	limit := getIntDefault(args, "limit", DefaultLimit)
	if limit < 1 || limit > MaxLimit {
		return 0, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}
	return limit, nil
}

// validatePath checks if a path exists and is accessible
func validatePath(path string) error {
	if !filepath.IsAbs(path) {
		return ErrPathNotAbsolute
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return ErrPathNotFound
	}
	if err != nil {
		return ErrPathNotReadable
	}
	if !info.IsDir() {
		return ErrNotDirectory
	}

	hasGoFiles := false
	errFound := errors.New("found")
	_ = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(p, ".go") {
			hasGoFiles = true
			return errFound
		}
		return nil
	})
	if !hasGoFiles {
		return ErrNoGoFiles
	}
	return nil
}

// formatJSON formats a value as indented JSON
func formatJSON(data interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

func getFloatDefault(args map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := args[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

func getStringSlice(args map[string]interface{}, key string) []string {
	var out []string
	switch val := args[key].(type) {
	case []string:
		out = append(out, val...)
	case []interface{}:
		for _, v := range val {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// Validation errors

var (
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrPathNotFound    = errors.New("path does not exist")
	ErrPathNotReadable = errors.New("path is not readable")
	ErrNotDirectory    = errors.New("path is not a directory")
	ErrNoGoFiles       = errors.New("directory does not contain Go files")
)
