package mcp

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/sessionvault/internal/indexer"
	"github.com/dshills/sessionvault/internal/unified"
)

const (
	// ServerName is the MCP server name
	ServerName = "sessionvault"
	// ServerVersion is the current server version
	ServerVersion = "0.3.0"
)

// Server exposes the unified store as MCP tools
type Server struct {
	mcp     *server.MCPServer
	store   *unified.Store
	indexer *indexer.Indexer
	logger  *slog.Logger
}

// NewServer creates an MCP server over an initialized store. The caller
// keeps ownership of the store and closes it after Serve returns.
func NewServer(store *unified.Store, idx *indexer.Indexer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		mcp:     server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false)),
		store:   store,
		indexer: idx,
		logger:  logger,
	}
	s.registerTools()
	return s
}

// Serve runs the MCP server on stdio and blocks until stdin closes or ctx
// is cancelled
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("MCP server ready, listening on stdio", "name", ServerName, "version", ServerVersion)
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(appendMessageTool(), s.handleAppendMessage)
	s.mcp.AddTool(loadSessionTool(), s.handleLoadSession)
	s.mcp.AddTool(listSessionsTool(), s.handleListSessions)
	s.mcp.AddTool(deleteSessionTool(), s.handleDeleteSession)
	s.mcp.AddTool(searchChatHistoryTool(), s.handleSearchChatHistory)

	s.mcp.AddTool(saveContextTool(), s.handleSaveContext)
	s.mcp.AddTool(searchContextsTool(), s.handleSearchContexts)

	s.mcp.AddTool(indexProjectTool(), s.handleIndexProject)
	s.mcp.AddTool(searchCodeTool(), s.handleSearchCode)
	s.mcp.AddTool(getNeighborsTool(), s.handleGetNeighbors)

	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
}
