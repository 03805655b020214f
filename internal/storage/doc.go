// Package storage provides SQLite-based persistence for session data.
//
// The storage layer manages:
//   - Project context records
//   - Chat sessions and their message history
//   - Code index entries
//   - Knowledge graph edges
//   - Vector embeddings
//   - Full-text search indexes
//   - Key-value metadata, including the schema version
//
// # Database Schema
//
// Tables:
//   - metadata: key-value settings, schema_version among them
//   - project_context: file excerpts, dependency notes, config flags
//   - chat_sessions: one row per conversation
//   - chat_history: messages, cascaded on session delete
//   - code_index: extracted symbols
//   - knowledge_graph: directed weighted edges
//   - embeddings: one vector per (source_type, source_id)
//   - chat_history_fts, code_index_fts: FTS5 external-content indexes
//     kept in sync by triggers
//
// Timestamps are stored as epoch milliseconds and read back in UTC.
//
// # Basic Usage
//
//	db, err := storage.Open(ctx, storage.Options{
//	    Path:   "~/.sessionvault/vault.db",
//	    Logger: logger,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	err = db.SaveSession(ctx, &types.ChatSession{ID: "s1", Title: "Refactor"})
//
// If the file cannot be opened, fails PRAGMA quick_check, or fails to
// migrate, Open logs a warning and continues on an empty in-memory
// database. InMemory reports when that happened. A schema written by a newer
// binary is the one hard failure (ErrSchemaTooNew).
//
// # Transactions
//
//	err := db.Transaction(ctx, func(tx storage.Tx) error {
//	    if err := tx.SaveSession(ctx, session); err != nil {
//	        return err
//	    }
//	    return tx.SaveMessage(ctx, message)
//	})
//
// The database uses a single connection, so code inside fn must use tx and
// never the store itself.
//
// # Full-Text Search
//
// Query text is split into word tokens, each quoted, and OR-ed together.
// Results are ordered by bm25 and mapped to a score in [0, 1):
//
//	matches, err := db.SearchMessages(ctx, storage.FullTextQuery{
//	    Query:       "react hooks",
//	    ProjectPath: "/work/app",
//	})
//
// # Durability
//
// Every write marks the store dirty. A background ticker checkpoints the
// write-ahead log when the store is dirty; Flush does the same on demand
// and Close flushes one final time.
//
// # Build Tags
//
// Pure Go Build (default):
//
//   - Uses modernc.org/sqlite driver
//
//   - No C compiler needed
//
//     CGO_ENABLED=0 go build ./...
//
// CGO Build (sqlite_cgo tag):
//
//   - Uses github.com/mattn/go-sqlite3 driver
//
//   - Requires C compiler and the sqlite_fts5 tag
//
//     CGO_ENABLED=1 go build -tags "sqlite_cgo,sqlite_fts5" ./...
package storage
