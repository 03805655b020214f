// Package mcp exposes the session store as a Model Context Protocol server.
//
// The server speaks JSON-RPC 2.0 over stdio and registers these tools:
//   - append_message, load_session, list_sessions, delete_session:
//     conversation storage
//   - search_chat_history: semantic or full-text search over past messages
//   - save_context, search_contexts: free-form project context
//   - index_project, search_code, get_neighbors: Go code index and the
//     import graph built from it
//   - get_status: record counts, cache usage and embedding availability
//
// # Usage
//
// The server is started by the serve command:
//
//	sessionvault serve
//
// A typical exchange stores a message and later finds it again:
//
//	{"name": "append_message", "arguments": {"content": "use pgx for postgres", "project_path": "/src/api"}}
//	{"name": "search_chat_history", "arguments": {"query": "postgres driver", "limit": 5}}
//
// Search results carry a "mode" field of "semantic" or "fulltext". Semantic
// search falls back to full-text when the embedding model is unavailable.
//
// # Errors
//
// Handlers return *MCPError values with JSON-RPC error codes:
//
//	-32602  invalid parameters, including records that fail validation
//	-32603  internal error
//	-32001  record not found
//	-32002  indexing already in progress
//	-32003  store not initialized or closed
//	-32004  empty query
//
// # Concurrency
//
// Tool calls may run concurrently. The store serializes writes and only one
// index_project run is allowed at a time.
package mcp
