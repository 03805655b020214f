package storage

import (
	"context"

	"github.com/dshills/sessionvault/pkg/types"
)

// Repository defines the record operations shared by the store and its
// transactions
type Repository interface {
	// Project context operations
	SaveContext(ctx context.Context, c *types.ProjectContext) error
	GetContext(ctx context.Context, id string) (*types.ProjectContext, error)
	ListContexts(ctx context.Context, filter ContextFilter) ([]*types.ProjectContext, error)
	DeleteContext(ctx context.Context, id string) error

	// Chat session operations
	SaveSession(ctx context.Context, s *types.ChatSession) error
	GetSession(ctx context.Context, id string) (*types.ChatSession, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*types.ChatSession, error)
	DeleteSession(ctx context.Context, id string) error

	// Chat message operations
	SaveMessage(ctx context.Context, m *types.ChatMessage) error
	GetMessage(ctx context.Context, sessionID, id string) (*types.ChatMessage, error)
	GetMessageByKey(ctx context.Context, key string) (*types.ChatMessage, error)
	ListMessages(ctx context.Context, sessionID string) ([]*types.ChatMessage, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)

	// Code index operations
	SaveCodeIndex(ctx context.Context, e *types.CodeIndexEntry) error
	GetCodeIndex(ctx context.Context, id string) (*types.CodeIndexEntry, error)
	ListCodeIndex(ctx context.Context, filter CodeIndexFilter) ([]*types.CodeIndexEntry, error)
	DeleteCodeIndex(ctx context.Context, id string) error
	DeleteCodeIndexByFile(ctx context.Context, projectPath, filePath string) (int, error)

	// Knowledge graph operations
	SaveEdge(ctx context.Context, e *types.KnowledgeEdge) error
	GetEdge(ctx context.Context, id string) (*types.KnowledgeEdge, error)
	ListEdges(ctx context.Context, filter EdgeFilter) ([]*types.KnowledgeEdge, error)
	DeleteEdge(ctx context.Context, id string) error

	// Embedding operations
	SaveEmbedding(ctx context.Context, e *types.Embedding) error
	GetEmbedding(ctx context.Context, id string) (*types.Embedding, error)
	GetEmbeddingBySource(ctx context.Context, sourceType types.SourceType, sourceID string) (*types.Embedding, error)
	ListEmbeddings(ctx context.Context, filter EmbeddingFilter) ([]*types.Embedding, error)
	DeleteEmbeddingsBySource(ctx context.Context, sourceType types.SourceType, sourceIDs ...string) error

	// Full-text search operations
	SearchMessages(ctx context.Context, query FullTextQuery) ([]MessageMatch, error)
	SearchCode(ctx context.Context, query FullTextQuery) ([]CodeMatch, error)
	SearchFullText(ctx context.Context, query FullTextQuery) (*FullTextResults, error)

	// Key-value metadata
	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
}

// Storage defines the interface for persisting and querying session data
type Storage interface {
	Repository

	// Transaction runs fn inside a transaction. It commits when fn returns
	// nil and rolls back otherwise, returning fn's error.
	Transaction(ctx context.Context, fn func(tx Tx) error) error
	BeginTx(ctx context.Context) (Tx, error)

	// Flush persists pending writes if there are any
	Flush(ctx context.Context) error
	Stats(ctx context.Context) (*Stats, error)
	InMemory() bool
	Close() error
}

// Tx represents a database transaction
type Tx interface {
	Repository
	Commit() error
	Rollback() error
}

// ContextFilter narrows ListContexts. Empty fields match everything.
type ContextFilter struct {
	ProjectPath string
	Type        types.ContextType
	Limit       int
}

// SessionFilter narrows ListSessions
type SessionFilter struct {
	ProjectPath string
	Limit       int
}

// CodeIndexFilter narrows ListCodeIndex
type CodeIndexFilter struct {
	ProjectPath string
	FilePath    string
	SymbolName  string
	SymbolType  types.SymbolKind
	Limit       int
}

// EdgeFilter narrows ListEdges
type EdgeFilter struct {
	ProjectPath string
	SourceID    string
	TargetID    string
	Relation    types.RelationType
	Limit       int
}

// EmbeddingFilter narrows ListEmbeddings. ProjectPath restricts embeddings
// to sources that belong to the project.
type EmbeddingFilter struct {
	SourceType  types.SourceType
	Model       string
	ProjectPath string
}

// FullTextQuery contains parameters for full-text search
type FullTextQuery struct {
	Query       string
	ProjectPath string // Optional
	Limit       int
}

// MessageMatch is a chat message matched by full-text search
type MessageMatch struct {
	Message *types.ChatMessage
	Score   float64 // Normalized to [0, 1), higher is better
}

// CodeMatch is a code index entry matched by full-text search
type CodeMatch struct {
	Entry *types.CodeIndexEntry
	Score float64 // Normalized to [0, 1), higher is better
}

// FullTextResults groups full-text matches across the indexed tables
type FullTextResults struct {
	Messages []MessageMatch
	Code     []CodeMatch
}

// Stats contains row counts and file information for the store
type Stats struct {
	Path          string
	InMemory      bool
	SchemaVersion string
	Sessions      int
	Messages      int
	Contexts      int
	CodeEntries   int
	Edges         int
	Embeddings    int
	SizeBytes     int64
}
