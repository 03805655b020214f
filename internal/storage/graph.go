package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/dshills/sessionvault/pkg/types"
)

const edgeColumns = `id, project_path, source_type, source_id, relation, target_id, weight, metadata, created_at`

// SaveEdge inserts or updates a knowledge graph edge. A zero weight is
// stored as 1.0.
func (r queries) SaveEdge(ctx context.Context, e *types.KnowledgeEdge) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if e.Weight == 0 {
		e.Weight = 1.0
	}

	metadata, err := types.EncodeMetadata(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode edge metadata: %w", err)
	}

	createdAt := stamp(e.CreatedAt)
	query := `
		INSERT INTO knowledge_graph (` + edgeColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_path = excluded.project_path,
			source_type = excluded.source_type,
			source_id = excluded.source_id,
			relation = excluded.relation,
			target_id = excluded.target_id,
			weight = excluded.weight,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`
	_, err = r.exec(ctx, query,
		e.ID, e.ProjectPath, e.SourceType, e.SourceID, string(e.Relation), e.TargetID,
		e.Weight, nullString(metadata), createdAt, nowMillis())
	if err != nil {
		return fmt.Errorf("failed to save edge: %w", err)
	}

	e.CreatedAt = types.FromMillis(createdAt)
	return nil
}

func (r queries) GetEdge(ctx context.Context, id string) (*types.KnowledgeEdge, error) {
	e, err := scanEdge(r.q.QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM knowledge_graph WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get edge: %w", err)
	}
	return e, nil
}

func (r queries) ListEdges(ctx context.Context, filter EdgeFilter) ([]*types.KnowledgeEdge, error) {
	var cond conditions
	cond.eq("project_path", filter.ProjectPath)
	cond.eq("source_id", filter.SourceID)
	cond.eq("target_id", filter.TargetID)
	cond.eq("relation", string(filter.Relation))

	query := `SELECT ` + edgeColumns + ` FROM knowledge_graph` + cond.where() +
		` ORDER BY weight DESC, created_at DESC, id` + cond.limitClause(filter.Limit)

	rows, err := r.q.QueryContext(ctx, query, cond.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var edges []*types.KnowledgeEdge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (r queries) DeleteEdge(ctx context.Context, id string) error {
	if _, err := r.exec(ctx, `DELETE FROM knowledge_graph WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete edge: %w", err)
	}
	return nil
}

func scanEdge(s scanner) (*types.KnowledgeEdge, error) {
	var (
		e         types.KnowledgeEdge
		relation  string
		metadata  sql.NullString
		createdAt int64
	)
	err := s.Scan(&e.ID, &e.ProjectPath, &e.SourceType, &e.SourceID, &relation,
		&e.TargetID, &e.Weight, &metadata, &createdAt)
	if err != nil {
		return nil, err
	}

	e.Relation = types.RelationType(relation)
	e.CreatedAt = types.FromMillis(createdAt)
	if e.Metadata, err = types.DecodeMetadata[types.EdgeMetadata](metadata.String); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of edge %s: %w", e.ID, err)
	}
	return &e, nil
}
