package types

import (
	"strings"
	"time"
)

// ContextType classifies a unit of project knowledge
type ContextType string

const (
	ContextFile       ContextType = "file"
	ContextSymbol     ContextType = "symbol"
	ContextDependency ContextType = "dependency"
	ContextConfig     ContextType = "config"
)

// Valid reports whether t is one of the known context types
func (t ContextType) Valid() bool {
	switch t {
	case ContextFile, ContextSymbol, ContextDependency, ContextConfig:
		return true
	}
	return false
}

// Role identifies the author of a chat message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// SymbolKind represents the type of an indexed code symbol
type SymbolKind string

const (
	KindFunction  SymbolKind = "function"
	KindClass     SymbolKind = "class"
	KindVariable  SymbolKind = "variable"
	KindInterface SymbolKind = "interface"
	KindType      SymbolKind = "type"
)

// Valid reports whether k is one of the known symbol kinds
func (k SymbolKind) Valid() bool {
	switch k {
	case KindFunction, KindClass, KindVariable, KindInterface, KindType:
		return true
	}
	return false
}

// RelationType is the label of a knowledge graph edge
type RelationType string

const (
	RelationImports    RelationType = "imports"
	RelationCalls      RelationType = "calls"
	RelationExtends    RelationType = "extends"
	RelationImplements RelationType = "implements"
	RelationUses       RelationType = "uses"
	RelationRelated    RelationType = "related"
)

// Valid reports whether r is one of the known relation types
func (r RelationType) Valid() bool {
	switch r {
	case RelationImports, RelationCalls, RelationExtends, RelationImplements, RelationUses, RelationRelated:
		return true
	}
	return false
}

// SourceType identifies which record kind an embedding belongs to
type SourceType string

const (
	SourceCode    SourceType = "code"
	SourceChat    SourceType = "chat"
	SourceDoc     SourceType = "doc"
	SourceContext SourceType = "context"
)

// Valid reports whether s is one of the known source types
func (s SourceType) Valid() bool {
	switch s {
	case SourceCode, SourceChat, SourceDoc, SourceContext:
		return true
	}
	return false
}

// ProjectContext is a unit of project knowledge such as a file excerpt,
// a dependency note or a config flag.
type ProjectContext struct {
	ID          string
	ProjectPath string
	Type        ContextType
	Content     string
	Metadata    *ContextMetadata // Nullable
	EmbeddingID *string          // Nullable
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChatSession is one conversation. MessageCount is derived from the stored
// messages whenever the session is read.
type ChatSession struct {
	ID           string
	Title        string
	ProjectPath  string
	Summary      string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChatMessage is one message of a session. It is immutable once written
// except for embedding back-fill.
type ChatMessage struct {
	ID          string
	SessionID   string
	ProjectPath string
	Role        Role
	Content     string
	TokenCount  *int // Nullable
	Model       string
	Metadata    *MessageMetadata // Nullable
	EmbeddingID *string          // Nullable
	CreatedAt   time.Time
}

// LineRange is an inclusive span of source lines
type LineRange struct {
	Start int
	End   int
}

// CodeIndexEntry is one symbol extracted from a project file
type CodeIndexEntry struct {
	ID          string
	FilePath    string
	ProjectPath string
	SymbolName  string
	SymbolType  SymbolKind
	Lines       *LineRange // Nullable
	Signature   string
	DocComment  string
	References  []string
	EmbeddingID *string // Nullable
	UpdatedAt   time.Time
}

// KnowledgeEdge is a directed, weighted edge between two entities of a
// project. Edges are keyed by entity id, so cycles are valid data.
type KnowledgeEdge struct {
	ID          string
	ProjectPath string
	SourceType  string // Entity type of the source, e.g. "file"
	SourceID    string
	Relation    RelationType
	TargetID    string
	Weight      float64
	Metadata    *EdgeMetadata // Nullable
	CreatedAt   time.Time
}

// Embedding is a fixed-dimension vector tied to exactly one source record
type Embedding struct {
	ID         string
	SourceType SourceType
	SourceID   string
	Vector     []float32
	Dimension  int
	Model      string
	CreatedAt  time.Time
}

// Session is a chat session together with its ordered messages
type Session struct {
	ChatSession
	Messages []ChatMessage
}

// HasEmbedding reports whether the context has an attached embedding
func (c *ProjectContext) HasEmbedding() bool { return c.EmbeddingID != nil }

// HasEmbedding reports whether the message has an attached embedding
func (m *ChatMessage) HasEmbedding() bool { return m.EmbeddingID != nil }

// MessageKeySep separates the session id from the message id in a message
// key. Session ids may not contain it.
const MessageKeySep = "\x1f"

// Key returns the store-wide identity of the message. Message ids are only
// unique within their session, so chat embeddings are keyed by this value.
func (m *ChatMessage) Key() string { return MessageKey(m.SessionID, m.ID) }

// MessageKey joins a session id and a message id into a message key
func MessageKey(sessionID, messageID string) string {
	return sessionID + MessageKeySep + messageID
}

// SplitMessageKey reverses MessageKey
func SplitMessageKey(key string) (sessionID, messageID string, ok bool) {
	sessionID, messageID, ok = strings.Cut(key, MessageKeySep)
	if !ok || sessionID == "" || messageID == "" {
		return "", "", false
	}
	return sessionID, messageID, true
}

// HasEmbedding reports whether the entry has an attached embedding
func (e *CodeIndexEntry) HasEmbedding() bool { return e.EmbeddingID != nil }

// EmbeddingText returns the text that represents the entry for semantic search
func (e *CodeIndexEntry) EmbeddingText() string {
	text := e.SymbolName
	if e.Signature != "" {
		text += "\n" + e.Signature
	}
	if e.DocComment != "" {
		text += "\n" + e.DocComment
	}
	return text
}
