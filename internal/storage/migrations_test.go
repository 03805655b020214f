package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open(DriverName, MemoryPath)
	require.NoError(t, err)
	// Each connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func storedVersion(t *testing.T, db *sql.DB) string {
	t.Helper()
	var v string
	require.NoError(t, db.QueryRow("SELECT value FROM metadata WHERE key = ?", schemaVersionKey).Scan(&v))
	return v
}

func TestApplyMigrations_FreshDatabase(t *testing.T) {
	db := openRawDB(t)
	ctx := context.Background()

	require.NoError(t, ApplyMigrations(ctx, db))
	assert.Equal(t, CurrentSchemaVersion, storedVersion(t, db))

	tables := []string{
		"metadata", "embeddings", "project_context", "chat_sessions",
		"chat_history", "code_index", "knowledge_graph",
	}
	for _, table := range tables {
		var name string
		err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

// Versions are compared semantically: 1.10.0 is newer than 1.2.0.
func TestApplyMigrations_SemanticVersionOrdering(t *testing.T) {
	tests := []struct {
		name      string
		migration string // Version of the only known migration
		stored    string // Version already recorded in the database
		want      string // "applied", "skipped" or "too new"
	}{
		{"major version difference", "2.0.0", "1.9.9", "applied"},
		{"minor version not lexicographic", "1.10.0", "1.2.0", "applied"},
		{"patch version difference", "1.0.10", "1.0.2", "applied"},
		{"complex version", "1.12.3", "1.9.15", "applied"},
		{"pre-release ordering", "1.0.0-beta", "1.0.0-alpha", "applied"},
		{"equal versions", "1.0.0", "1.0.0", "skipped"},
		{"build metadata ignored", "1.0.0+build.1", "1.0.0+build.2", "skipped"},
		{"pre-release lower than release", "1.0.0-alpha", "1.0.0", "too new"},
		{"database newer than binary", "1.2.0", "1.10.0", "too new"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openRawDB(t)
			ctx := context.Background()

			_, err := db.ExecContext(ctx, metadataTable)
			require.NoError(t, err)
			_, err = db.ExecContext(ctx,
				"INSERT INTO metadata (key, value, created_at, updated_at) VALUES (?, ?, 0, 0)",
				schemaVersionKey, tt.stored)
			require.NoError(t, err)

			original := AllMigrations
			AllMigrations = []Migration{{Version: tt.migration, Up: "SELECT 1"}}
			defer func() { AllMigrations = original }()

			err = ApplyMigrations(ctx, db)
			switch tt.want {
			case "applied":
				require.NoError(t, err)
				assert.Equal(t, tt.migration, storedVersion(t, db))
			case "skipped":
				require.NoError(t, err)
				assert.Equal(t, tt.stored, storedVersion(t, db))
			case "too new":
				assert.ErrorIs(t, err, ErrSchemaTooNew)
				assert.Equal(t, tt.stored, storedVersion(t, db))
			}
		})
	}
}

func TestApplyMigrations_InvalidStoredVersion(t *testing.T) {
	db := openRawDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, metadataTable)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		"INSERT INTO metadata (key, value, created_at, updated_at) VALUES (?, 'invalid-version', 0, 0)",
		schemaVersionKey)
	require.NoError(t, err)

	err = ApplyMigrations(ctx, db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid current schema version")
}

func TestApplyMigrations_EmptyStoredVersionStartsFromZero(t *testing.T) {
	db := openRawDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, metadataTable)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		"INSERT INTO metadata (key, value, created_at, updated_at) VALUES (?, '', 0, 0)",
		schemaVersionKey)
	require.NoError(t, err)

	require.NoError(t, ApplyMigrations(ctx, db))
	assert.Equal(t, CurrentSchemaVersion, storedVersion(t, db))
}

// A 1.1.0 database keeps its messages, full-text index and chat embeddings
// when message ids become session scoped.
func TestApplyMigrations_UpgradeScopesMessageIDs(t *testing.T) {
	db := openRawDB(t)
	ctx := context.Background()

	original := AllMigrations
	defer func() { AllMigrations = original }()
	AllMigrations = original[:2]
	require.NoError(t, ApplyMigrations(ctx, db))
	AllMigrations = original
	require.Equal(t, "1.1.0", storedVersion(t, db))

	_, err := db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, title, created_at, updated_at) VALUES ('s1', 't', 0, 0), ('s2', 't', 0, 0);
		INSERT INTO chat_history (id, session_id, role, content, created_at, updated_at)
		VALUES ('m1', 's1', 'user', 'upgrade keeps searchable text', 1, 1);
		INSERT INTO embeddings (id, source_type, source_id, vector, dimension, model, created_at, updated_at)
		VALUES ('e1', 'chat', 'm1', x'0000803f', 1, 'm', 0, 0);
	`)
	require.NoError(t, err)

	require.NoError(t, ApplyMigrations(ctx, db))
	assert.Equal(t, CurrentSchemaVersion, storedVersion(t, db))

	var sourceID string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT source_id FROM embeddings WHERE id = 'e1'`).Scan(&sourceID))
	assert.Equal(t, "s1\x1fm1", sourceID)

	var hits int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_history_fts WHERE chat_history_fts MATCH 'searchable'`).Scan(&hits))
	assert.Equal(t, 1, hits)

	// The same id is now accepted in another session, and triggers still index it
	_, err = db.ExecContext(ctx, `
		INSERT INTO chat_history (id, session_id, role, content, created_at, updated_at)
		VALUES ('m1', 's2', 'user', 'second searchable copy', 2, 2)`)
	require.NoError(t, err)
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_history_fts WHERE chat_history_fts MATCH 'searchable'`).Scan(&hits))
	assert.Equal(t, 2, hits)

	_, err = db.ExecContext(ctx, `
		INSERT INTO chat_history (id, session_id, role, content, created_at, updated_at)
		VALUES ('m1', 's2', 'user', 'duplicate', 3, 3)`)
	assert.Error(t, err)
}
