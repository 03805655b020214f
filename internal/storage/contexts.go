package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/dshills/sessionvault/pkg/types"
)

const contextColumns = `id, project_path, context_type, content, metadata, embedding_id, created_at, updated_at`

// SaveContext inserts or updates a project context. A missing id is generated
// and zero timestamps are set to now; both are written back to c.
func (r queries) SaveContext(ctx context.Context, c *types.ProjectContext) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := c.Validate(); err != nil {
		return err
	}

	metadata, err := types.EncodeMetadata(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode context metadata: %w", err)
	}

	createdAt, updatedAt := stamp(c.CreatedAt), stamp(c.UpdatedAt)
	query := `
		INSERT INTO project_context (` + contextColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_path = excluded.project_path,
			context_type = excluded.context_type,
			content = excluded.content,
			metadata = excluded.metadata,
			embedding_id = excluded.embedding_id,
			updated_at = excluded.updated_at
	`
	_, err = r.exec(ctx, query,
		c.ID, c.ProjectPath, string(c.Type), c.Content, nullString(metadata),
		nullStringPtr(c.EmbeddingID), createdAt, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to save context: %w", err)
	}

	c.CreatedAt = types.FromMillis(createdAt)
	c.UpdatedAt = types.FromMillis(updatedAt)
	return nil
}

func (r queries) GetContext(ctx context.Context, id string) (*types.ProjectContext, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+contextColumns+` FROM project_context WHERE id = ?`, id)
	c, err := scanContext(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get context: %w", err)
	}
	return c, nil
}

func (r queries) ListContexts(ctx context.Context, filter ContextFilter) ([]*types.ProjectContext, error) {
	var cond conditions
	cond.eq("project_path", filter.ProjectPath)
	cond.eq("context_type", string(filter.Type))

	query := `SELECT ` + contextColumns + ` FROM project_context` + cond.where() +
		` ORDER BY updated_at DESC, id` + cond.limitClause(filter.Limit)

	rows, err := r.q.QueryContext(ctx, query, cond.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var contexts []*types.ProjectContext
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		contexts = append(contexts, c)
	}
	return contexts, rows.Err()
}

// DeleteContext removes a context and its embedding
func (r queries) DeleteContext(ctx context.Context, id string) error {
	if _, err := r.exec(ctx, `DELETE FROM project_context WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete context: %w", err)
	}
	return r.DeleteEmbeddingsBySource(ctx, types.SourceContext, id)
}

func scanContext(s scanner) (*types.ProjectContext, error) {
	var (
		c                     types.ProjectContext
		contextType           string
		metadata, embeddingID sql.NullString
		createdAt, updatedAt  int64
	)
	err := s.Scan(&c.ID, &c.ProjectPath, &contextType, &c.Content, &metadata,
		&embeddingID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	c.Type = types.ContextType(contextType)
	c.EmbeddingID = stringPtr(embeddingID)
	c.CreatedAt = types.FromMillis(createdAt)
	c.UpdatedAt = types.FromMillis(updatedAt)
	if c.Metadata, err = types.DecodeMetadata[types.ContextMetadata](metadata.String); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of context %s: %w", c.ID, err)
	}
	return &c, nil
}
