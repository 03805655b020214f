// Package types provides the record definitions shared by every layer of
// sessionvault.
//
// # Record Kinds
//
// Six record kinds are persisted, each identified by an opaque string id:
//
//   - ProjectContext: a file excerpt, dependency note or config flag
//   - ChatSession: one conversation (MessageCount is derived on read)
//   - ChatMessage: one message, ordered within its session by CreatedAt
//   - CodeIndexEntry: one extracted code symbol
//   - KnowledgeEdge: a directed, weighted edge between two project entities
//   - Embedding: a vector tied to exactly one (SourceType, SourceID)
//
// Closed sets (ContextType, Role, SymbolKind, RelationType, SourceType) are
// string types with a Valid method, and every record has a Validate method
// that the store calls before writing.
//
// # Optional Fields
//
// Optional references are pointers: a nil EmbeddingID means the record has no
// embedding yet, not a dangling foreign key.
//
//	msg := types.ChatMessage{
//	    ID:        "m1",
//	    SessionID: "s1",
//	    Role:      types.RoleUser,
//	    Content:   "Hello",
//	    CreatedAt: types.FromMillis(1000),
//	}
//
// # Metadata
//
// Structured metadata is typed per record kind (ContextMetadata,
// MessageMetadata, EdgeMetadata). Free-form data goes into the Extra map.
// EncodeMetadata and DecodeMetadata convert to and from the JSON text stored
// in the database.
//
// # Legacy Interchange Format
//
// LegacySession is the one-JSON-file-per-session shape used by the previous
// flat-file store and by export/import:
//
//	{"id":"s1","title":"Test","messages":[{"id":"m1","role":"user","content":"Hello","timestamp":1000}],"createdAt":1000,"updatedAt":1000}
package types
