package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.2.0"

	// schemaVersionKey is the metadata key holding the applied schema version
	schemaVersionKey = "schema_version"
)

// ErrSchemaTooNew is returned when the database was written by a newer
// binary. Migrations are forward-only, so there is no way to open it.
var ErrSchemaTooNew = errors.New("database schema is newer than this binary")

// Migration represents a forward-only database schema migration
type Migration struct {
	Version string
	Up      string
}

// AllMigrations contains all database migrations in order
var AllMigrations = []Migration{
	{Version: "1.0.0", Up: migrationV1Up},
	{Version: "1.1.0", Up: migrationV1_1Up},
	{Version: "1.2.0", Up: migrationV1_2Up},
}

const metadataTable = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
`

const migrationV1Up = `
-- Embeddings table: one vector per (source_type, source_id)
CREATE TABLE IF NOT EXISTS embeddings (
    id TEXT PRIMARY KEY,
    source_type TEXT NOT NULL CHECK (source_type IN ('code', 'chat', 'doc', 'context')),
    source_id TEXT NOT NULL,
    vector BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    model TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE(source_type, source_id)
);

CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(source_type, model);

-- Project context table
CREATE TABLE IF NOT EXISTS project_context (
    id TEXT PRIMARY KEY,
    project_path TEXT NOT NULL,
    context_type TEXT NOT NULL CHECK (context_type IN ('file', 'symbol', 'dependency', 'config')),
    content TEXT NOT NULL,
    metadata TEXT,
    embedding_id TEXT REFERENCES embeddings(id) ON DELETE SET NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_context_project ON project_context(project_path, context_type);

-- Chat sessions table
CREATE TABLE IF NOT EXISTS chat_sessions (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    project_path TEXT,
    summary TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_project ON chat_sessions(project_path);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON chat_sessions(updated_at);

-- Chat history table. seq is the stable rowid used by the FTS index.
CREATE TABLE IF NOT EXISTS chat_history (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
    project_path TEXT,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    content TEXT NOT NULL,
    token_count INTEGER,
    model TEXT,
    metadata TEXT,
    embedding_id TEXT REFERENCES embeddings(id) ON DELETE SET NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_session ON chat_history(session_id);
CREATE INDEX IF NOT EXISTS idx_history_project ON chat_history(project_path);

-- Full-text search on chat history
CREATE VIRTUAL TABLE IF NOT EXISTS chat_history_fts USING fts5(
    content,
    content='chat_history',
    content_rowid='seq'
);

CREATE TRIGGER IF NOT EXISTS chat_history_ai AFTER INSERT ON chat_history BEGIN
    INSERT INTO chat_history_fts(rowid, content) VALUES (new.seq, new.content);
END;

CREATE TRIGGER IF NOT EXISTS chat_history_ad AFTER DELETE ON chat_history BEGIN
    INSERT INTO chat_history_fts(chat_history_fts, rowid, content) VALUES ('delete', old.seq, old.content);
END;

CREATE TRIGGER IF NOT EXISTS chat_history_au AFTER UPDATE OF content ON chat_history BEGIN
    INSERT INTO chat_history_fts(chat_history_fts, rowid, content) VALUES ('delete', old.seq, old.content);
    INSERT INTO chat_history_fts(rowid, content) VALUES (new.seq, new.content);
END;

-- Code index table
CREATE TABLE IF NOT EXISTS code_index (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    file_path TEXT NOT NULL,
    project_path TEXT NOT NULL,
    symbol_name TEXT NOT NULL,
    symbol_type TEXT NOT NULL CHECK (symbol_type IN ('function', 'class', 'variable', 'interface', 'type')),
    line_start INTEGER,
    line_end INTEGER,
    signature TEXT,
    doc_comment TEXT,
    refs TEXT,
    embedding_id TEXT REFERENCES embeddings(id) ON DELETE SET NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_code_project ON code_index(project_path, symbol_type);
CREATE INDEX IF NOT EXISTS idx_code_file ON code_index(project_path, file_path);
CREATE INDEX IF NOT EXISTS idx_code_name ON code_index(symbol_name);

-- Full-text search on code symbols
CREATE VIRTUAL TABLE IF NOT EXISTS code_index_fts USING fts5(
    symbol_name, signature, doc_comment,
    content='code_index',
    content_rowid='seq'
);

CREATE TRIGGER IF NOT EXISTS code_index_ai AFTER INSERT ON code_index BEGIN
    INSERT INTO code_index_fts(rowid, symbol_name, signature, doc_comment)
    VALUES (new.seq, new.symbol_name, new.signature, new.doc_comment);
END;

CREATE TRIGGER IF NOT EXISTS code_index_ad AFTER DELETE ON code_index BEGIN
    INSERT INTO code_index_fts(code_index_fts, rowid, symbol_name, signature, doc_comment)
    VALUES ('delete', old.seq, old.symbol_name, old.signature, old.doc_comment);
END;

CREATE TRIGGER IF NOT EXISTS code_index_au AFTER UPDATE OF symbol_name, signature, doc_comment ON code_index BEGIN
    INSERT INTO code_index_fts(code_index_fts, rowid, symbol_name, signature, doc_comment)
    VALUES ('delete', old.seq, old.symbol_name, old.signature, old.doc_comment);
    INSERT INTO code_index_fts(rowid, symbol_name, signature, doc_comment)
    VALUES (new.seq, new.symbol_name, new.signature, new.doc_comment);
END;

-- Knowledge graph: plain directed edge list, cycles allowed
CREATE TABLE IF NOT EXISTS knowledge_graph (
    id TEXT PRIMARY KEY,
    project_path TEXT NOT NULL,
    source_type TEXT NOT NULL,
    source_id TEXT NOT NULL,
    relation TEXT NOT NULL CHECK (relation IN ('imports', 'calls', 'extends', 'implements', 'uses', 'related')),
    target_id TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    metadata TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_graph_source ON knowledge_graph(project_path, source_id);
`

const migrationV1_1Up = `
CREATE INDEX IF NOT EXISTS idx_graph_target ON knowledge_graph(project_path, target_id);
CREATE INDEX IF NOT EXISTS idx_graph_relation ON knowledge_graph(relation);
CREATE INDEX IF NOT EXISTS idx_history_session_order ON chat_history(session_id, created_at, seq);
`

// migrationV1_2Up scopes message ids to their session. SQLite cannot drop a
// column constraint, so chat_history is rebuilt. seq values are copied as is,
// which keeps the external-content FTS index valid. Chat embeddings move from
// the bare message id to the message key.
const migrationV1_2Up = `
CREATE TABLE chat_history_v2 (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL,
    session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
    project_path TEXT,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    content TEXT NOT NULL,
    token_count INTEGER,
    model TEXT,
    metadata TEXT,
    embedding_id TEXT REFERENCES embeddings(id) ON DELETE SET NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE(session_id, id)
);

INSERT INTO chat_history_v2
    (seq, id, session_id, project_path, role, content, token_count, model, metadata, embedding_id, created_at, updated_at)
SELECT seq, id, session_id, project_path, role, content, token_count, model, metadata, embedding_id, created_at, updated_at
FROM chat_history;

UPDATE embeddings
SET source_id = (SELECT h.session_id || char(31) || h.id FROM chat_history h WHERE h.id = embeddings.source_id)
WHERE source_type = 'chat'
  AND EXISTS (SELECT 1 FROM chat_history h WHERE h.id = embeddings.source_id);

DROP TABLE chat_history;
ALTER TABLE chat_history_v2 RENAME TO chat_history;

CREATE INDEX IF NOT EXISTS idx_history_project ON chat_history(project_path);
CREATE INDEX IF NOT EXISTS idx_history_session_order ON chat_history(session_id, created_at, seq);

CREATE TRIGGER IF NOT EXISTS chat_history_ai AFTER INSERT ON chat_history BEGIN
    INSERT INTO chat_history_fts(rowid, content) VALUES (new.seq, new.content);
END;

CREATE TRIGGER IF NOT EXISTS chat_history_ad AFTER DELETE ON chat_history BEGIN
    INSERT INTO chat_history_fts(chat_history_fts, rowid, content) VALUES ('delete', old.seq, old.content);
END;

CREATE TRIGGER IF NOT EXISTS chat_history_au AFTER UPDATE OF content ON chat_history BEGIN
    INSERT INTO chat_history_fts(chat_history_fts, rowid, content) VALUES ('delete', old.seq, old.content);
    INSERT INTO chat_history_fts(rowid, content) VALUES (new.seq, new.content);
END;
`

// ApplyMigrations runs all pending migrations. The applied version is kept
// in the metadata table under schema_version.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, metadataTable); err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}

	currentVersion, err := readSchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	latest := semver.MustParse(AllMigrations[len(AllMigrations)-1].Version)
	if currentVersion.GreaterThan(latest) {
		return fmt.Errorf("%w: database %s, binary %s", ErrSchemaTooNew, currentVersion, latest)
	}

	// Run migrations in order
	for _, migration := range AllMigrations {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", migration.Version, err)
		}

		if !currentVersion.LessThan(migrationVersion) {
			continue // Already applied
		}

		if err := applyMigration(ctx, db, migration); err != nil {
			return err
		}
		currentVersion = migrationVersion
	}

	return nil
}

// readSchemaVersion returns the applied schema version, 0.0.0 for a new database
func readSchemaVersion(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	var versionStr string
	err := db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", schemaVersionKey).Scan(&versionStr)
	if err == sql.ErrNoRows || (err == nil && versionStr == "") {
		return semver.MustParse("0.0.0"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}

	version, err := semver.NewVersion(versionStr)
	if err != nil {
		return nil, fmt.Errorf("invalid current schema version %s: %w", versionStr, err)
	}
	return version, nil
}

// applyMigration executes one migration and records it atomically
func applyMigration(ctx context.Context, db *sql.DB, migration Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %s: %w", migration.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
		return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
	}

	now := nowMillis()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO metadata (key, value, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, schemaVersionKey, migration.Version, now, now)
	if err != nil {
		return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
	}

	return tx.Commit()
}
