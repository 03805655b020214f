package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/dshills/sessionvault/pkg/types"
)

const embeddingColumns = `e.id, e.source_type, e.source_id, e.vector, e.dimension, e.model, e.created_at`

// messageKeyExpr builds types.MessageKey in SQL; char(31) is
// types.MessageKeySep
const messageKeyExpr = `session_id || char(31) || id`

// sourceIDsByProject maps an embedding source type to a query selecting the
// source ids of one project, for project filtering
var sourceIDsByProject = map[types.SourceType]string{
	types.SourceChat:    `SELECT ` + messageKeyExpr + ` FROM chat_history WHERE project_path = ?`,
	types.SourceCode:    `SELECT id FROM code_index WHERE project_path = ?`,
	types.SourceContext: `SELECT id FROM project_context WHERE project_path = ?`,
}

// SaveEmbedding upserts an embedding keyed by (source type, source id). The
// id of the persisted row is written back to e, which differs from e.ID when
// the source already had an embedding.
func (r queries) SaveEmbedding(ctx context.Context, e *types.Embedding) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Dimension == 0 {
		e.Dimension = len(e.Vector)
	}
	if err := e.Validate(); err != nil {
		return err
	}

	createdAt := stamp(e.CreatedAt)
	query := `
		INSERT INTO embeddings (id, source_type, source_id, vector, dimension, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_type, source_id) DO UPDATE SET
			vector = excluded.vector,
			dimension = excluded.dimension,
			model = excluded.model,
			updated_at = excluded.updated_at
		RETURNING id, created_at
	`
	var id string
	err := r.q.QueryRowContext(ctx, query,
		e.ID, string(e.SourceType), e.SourceID, serializeVector(e.Vector), e.Dimension,
		e.Model, createdAt, nowMillis()).Scan(&id, &createdAt)
	if err != nil {
		return fmt.Errorf("failed to save embedding: %w", err)
	}
	r.dirty.Store(true)

	e.ID = id
	e.CreatedAt = types.FromMillis(createdAt)
	return nil
}

func (r queries) GetEmbedding(ctx context.Context, id string) (*types.Embedding, error) {
	e, err := scanEmbedding(r.q.QueryRowContext(ctx, `SELECT `+embeddingColumns+` FROM embeddings e WHERE e.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}
	return e, nil
}

func (r queries) GetEmbeddingBySource(ctx context.Context, sourceType types.SourceType, sourceID string) (*types.Embedding, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+embeddingColumns+` FROM embeddings e WHERE e.source_type = ? AND e.source_id = ?`,
		string(sourceType), sourceID)
	e, err := scanEmbedding(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}
	return e, nil
}

// ListEmbeddings returns every embedding matching the filter. Doc embeddings
// have no owning table, so a project filter excludes them.
func (r queries) ListEmbeddings(ctx context.Context, filter EmbeddingFilter) ([]*types.Embedding, error) {
	var cond conditions
	cond.eq("e.source_type", string(filter.SourceType))
	cond.eq("e.model", filter.Model)

	if filter.ProjectPath != "" {
		if filter.SourceType == "" {
			return nil, fmt.Errorf("project filter requires a source type")
		}
		ids, ok := sourceIDsByProject[filter.SourceType]
		if !ok {
			return nil, nil
		}
		cond.add(`e.source_id IN (`+ids+`)`, filter.ProjectPath)
	}

	rows, err := r.q.QueryContext(ctx, `SELECT `+embeddingColumns+` FROM embeddings e`+cond.where(), cond.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var embeddings []*types.Embedding
	for rows.Next() {
		e, err := scanEmbedding(rows)
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, e)
	}
	return embeddings, rows.Err()
}

// DeleteEmbeddingsBySource removes the embeddings of the given sources.
// Records that referenced them get a NULL embedding id.
func (r queries) DeleteEmbeddingsBySource(ctx context.Context, sourceType types.SourceType, sourceIDs ...string) error {
	if len(sourceIDs) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(sourceIDs)+1)
	args = append(args, string(sourceType))
	for _, id := range sourceIDs {
		args = append(args, id)
	}

	query := `DELETE FROM embeddings WHERE source_type = ? AND source_id IN (` + placeholders(len(sourceIDs)) + `)`
	if _, err := r.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return nil
}

func scanEmbedding(s scanner) (*types.Embedding, error) {
	var (
		e          types.Embedding
		sourceType string
		blob       []byte
		createdAt  int64
	)
	if err := s.Scan(&e.ID, &sourceType, &e.SourceID, &blob, &e.Dimension, &e.Model, &createdAt); err != nil {
		return nil, err
	}
	e.SourceType = types.SourceType(sourceType)
	e.Vector = deserializeVector(blob)
	e.CreatedAt = types.FromMillis(createdAt)
	return &e, nil
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// SerializeVector is an exported helper for testing
func SerializeVector(vector []float32) []byte {
	return serializeVector(vector)
}

// DeserializeVector is an exported helper for testing
func DeserializeVector(blob []byte) []float32 {
	return deserializeVector(blob)
}
