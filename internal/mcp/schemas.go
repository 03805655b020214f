package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func limitProp() map[string]interface{} {
	return map[string]interface{}{
		"type":        "integer",
		"description": "Maximum number of results to return (1-100)",
		"default":     DefaultLimit,
		"minimum":     1,
		"maximum":     MaxLimit,
	}
}

func semanticProp() map[string]interface{} {
	return map[string]interface{}{
		"type":        "boolean",
		"description": "Rank by embedding similarity when available; falls back to full-text search",
		"default":     true,
	}
}

func appendMessageTool() mcp.Tool {
	return mcp.Tool{
		Name:        "append_message",
		Description: "Append a message to a chat session, creating the session on its first message",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id":   stringProp("Session to append to. A new session is created when omitted"),
				"content":      stringProp("Message text"),
				"project_path": stringProp("Project the conversation belongs to"),
				"role": map[string]interface{}{
					"type":        "string",
					"description": "Author of the message",
					"enum":        []string{"user", "assistant", "system"},
					"default":     "user",
				},
				"model": stringProp("Model that produced an assistant message"),
			},
			Required: []string{"content"},
		},
	}
}

func loadSessionTool() mcp.Tool {
	return mcp.Tool{
		Name:        "load_session",
		Description: "Load a chat session with all of its messages",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": stringProp("Session id"),
			},
			Required: []string{"session_id"},
		},
	}
}

func listSessionsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_sessions",
		Description: "List chat sessions, most recently updated first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"project_path": stringProp("Only sessions of this project"),
				"limit":        limitProp(),
			},
		},
	}
}

func deleteSessionTool() mcp.Tool {
	return mcp.Tool{
		Name:        "delete_session",
		Description: "Delete a chat session and its messages",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": stringProp("Session id"),
			},
			Required: []string{"session_id"},
		},
	}
}

func searchChatHistoryTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_chat_history",
		Description: "Search past chat messages by meaning or keywords",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query":        stringProp("Search query"),
				"project_path": stringProp("Only messages of this project"),
				"limit":        limitProp(),
				"semantic":     semanticProp(),
				"threshold": map[string]interface{}{
					"type":        "number",
					"description": "Minimum similarity for semantic results (0.0-1.0)",
					"minimum":     0.0,
					"maximum":     1.0,
				},
			},
			Required: []string{"query"},
		},
	}
}

func saveContextTool() mcp.Tool {
	return mcp.Tool{
		Name:        "save_context",
		Description: "Store a piece of project context so it can be found later",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"id":           stringProp("Context id. Saving an existing id replaces it"),
				"project_path": stringProp("Project the context belongs to"),
				"content":      stringProp("Context text"),
				"type": map[string]interface{}{
					"type":        "string",
					"description": "Kind of context",
					"enum":        []string{"file", "symbol", "dependency", "config"},
				},
				"file_path": stringProp("File the context describes"),
				"tags": map[string]interface{}{
					"type":        "array",
					"description": "Free-form labels",
					"items":       map[string]interface{}{"type": "string"},
				},
			},
			Required: []string{"project_path", "content", "type"},
		},
	}
}

func searchContextsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_contexts",
		Description: "Find stored project context similar to a query. Requires embeddings",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query":        stringProp("Search query"),
				"project_path": stringProp("Only context of this project"),
				"limit":        limitProp(),
			},
			Required: []string{"query"},
		},
	}
}

func indexProjectTool() mcp.Tool {
	return mcp.Tool{
		Name:        "index_project",
		Description: "Index a Go project so its symbols can be searched",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": stringProp("Absolute path to Go project root (must contain .go files)"),
				"force_reindex": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, re-index all files ignoring file hashes",
					"default":     false,
				},
				"include_tests": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, index *_test.go files",
					"default":     true,
				},
				"include_vendor": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, index vendor/ directory",
					"default":     false,
				},
			},
			Required: []string{"path"},
		},
	}
}

func searchCodeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_code",
		Description: "Search indexed code symbols with natural language or keyword queries",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path":     stringProp("Absolute path to indexed Go project"),
				"query":    stringProp("Search query (natural language or keywords)"),
				"limit":    limitProp(),
				"semantic": semanticProp(),
				"symbol_types": map[string]interface{}{
					"type":        "array",
					"description": "Only these symbol kinds",
					"items": map[string]interface{}{
						"type": "string",
						"enum": []string{"function", "class", "variable", "interface", "type"},
					},
				},
			},
			Required: []string{"query"},
		},
	}
}

func getNeighborsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_neighbors",
		Description: "List knowledge graph edges that start or end at an entity, such as a file's imports",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path":      stringProp("Absolute path to the project"),
				"entity_id": stringProp("Entity id, e.g. a project-relative file path or an import path"),
			},
			Required: []string{"path", "entity_id"},
		},
	}
}

func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report store contents, cache usage and embedding availability",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
