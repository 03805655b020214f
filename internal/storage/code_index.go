package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/dshills/sessionvault/pkg/types"
)

const codeColumns = `id, file_path, project_path, symbol_name, symbol_type, line_start, line_end,
	signature, doc_comment, refs, embedding_id, updated_at`

// SaveCodeIndex inserts or updates a code index entry
func (r queries) SaveCodeIndex(ctx context.Context, e *types.CodeIndexEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := e.Validate(); err != nil {
		return err
	}

	refs, err := types.EncodeStrings(e.References)
	if err != nil {
		return fmt.Errorf("failed to encode references: %w", err)
	}

	var lineStart, lineEnd sql.NullInt64
	if e.Lines != nil {
		lineStart = sql.NullInt64{Int64: int64(e.Lines.Start), Valid: true}
		lineEnd = sql.NullInt64{Int64: int64(e.Lines.End), Valid: true}
	}

	updatedAt := stamp(e.UpdatedAt)
	query := `
		INSERT INTO code_index (` + codeColumns + `, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_path = excluded.file_path,
			project_path = excluded.project_path,
			symbol_name = excluded.symbol_name,
			symbol_type = excluded.symbol_type,
			line_start = excluded.line_start,
			line_end = excluded.line_end,
			signature = excluded.signature,
			doc_comment = excluded.doc_comment,
			refs = excluded.refs,
			embedding_id = excluded.embedding_id,
			updated_at = excluded.updated_at
	`
	_, err = r.exec(ctx, query,
		e.ID, e.FilePath, e.ProjectPath, e.SymbolName, string(e.SymbolType), lineStart, lineEnd,
		nullString(e.Signature), nullString(e.DocComment), nullString(refs),
		nullStringPtr(e.EmbeddingID), updatedAt, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to save code index entry: %w", err)
	}

	e.UpdatedAt = types.FromMillis(updatedAt)
	return nil
}

func (r queries) GetCodeIndex(ctx context.Context, id string) (*types.CodeIndexEntry, error) {
	e, err := scanCodeEntry(r.q.QueryRowContext(ctx, `SELECT `+codeColumns+` FROM code_index WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get code index entry: %w", err)
	}
	return e, nil
}

func (r queries) ListCodeIndex(ctx context.Context, filter CodeIndexFilter) ([]*types.CodeIndexEntry, error) {
	var cond conditions
	cond.eq("project_path", filter.ProjectPath)
	cond.eq("file_path", filter.FilePath)
	cond.eq("symbol_name", filter.SymbolName)
	cond.eq("symbol_type", string(filter.SymbolType))

	query := `SELECT ` + codeColumns + ` FROM code_index` + cond.where() +
		` ORDER BY updated_at DESC, seq` + cond.limitClause(filter.Limit)

	rows, err := r.q.QueryContext(ctx, query, cond.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list code index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.CodeIndexEntry
	for rows.Next() {
		e, err := scanCodeEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteCodeIndex removes an entry and its embedding
func (r queries) DeleteCodeIndex(ctx context.Context, id string) error {
	if _, err := r.exec(ctx, `DELETE FROM code_index WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete code index entry: %w", err)
	}
	return r.DeleteEmbeddingsBySource(ctx, types.SourceCode, id)
}

// DeleteCodeIndexByFile removes every entry of one file, returning how many
// entries were removed
func (r queries) DeleteCodeIndexByFile(ctx context.Context, projectPath, filePath string) (int, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id FROM code_index WHERE project_path = ? AND file_path = ?`, projectPath, filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to find code index entries: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := r.exec(ctx,
		`DELETE FROM code_index WHERE project_path = ? AND file_path = ?`, projectPath, filePath); err != nil {
		return 0, fmt.Errorf("failed to delete code index entries: %w", err)
	}
	if err := r.DeleteEmbeddingsBySource(ctx, types.SourceCode, ids...); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func scanCodeEntry(s scanner) (*types.CodeIndexEntry, error) {
	var (
		e                         types.CodeIndexEntry
		symbolType                string
		lineStart, lineEnd        sql.NullInt64
		signature, doc, refs, eid sql.NullString
		updatedAt                 int64
	)
	err := s.Scan(&e.ID, &e.FilePath, &e.ProjectPath, &e.SymbolName, &symbolType,
		&lineStart, &lineEnd, &signature, &doc, &refs, &eid, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.SymbolType = types.SymbolKind(symbolType)
	e.Signature = signature.String
	e.DocComment = doc.String
	e.EmbeddingID = stringPtr(eid)
	e.UpdatedAt = types.FromMillis(updatedAt)
	if lineStart.Valid && lineEnd.Valid {
		e.Lines = &types.LineRange{Start: int(lineStart.Int64), End: int(lineEnd.Int64)}
	}
	if e.References, err = types.DecodeStrings(refs.String); err != nil {
		return nil, fmt.Errorf("failed to decode references of %s: %w", e.ID, err)
	}
	return &e, nil
}
