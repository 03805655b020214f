package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/dshills/sessionvault/pkg/types"
)

// message_count is derived on every read so it cannot drift from the rows
const sessionSelect = `
	SELECT s.id, s.title, s.project_path, s.summary, s.created_at, s.updated_at,
	       (SELECT COUNT(*) FROM chat_history h WHERE h.session_id = s.id)
	FROM chat_sessions s`

const messageColumns = `id, session_id, project_path, role, content, token_count, model, metadata, embedding_id, created_at`

// Session operations

func (r queries) SaveSession(ctx context.Context, s *types.ChatSession) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if err := s.Validate(); err != nil {
		return err
	}

	createdAt, updatedAt := stamp(s.CreatedAt), stamp(s.UpdatedAt)
	query := `
		INSERT INTO chat_sessions (id, title, project_path, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			project_path = excluded.project_path,
			summary = excluded.summary,
			updated_at = excluded.updated_at
	`
	_, err := r.exec(ctx, query,
		s.ID, s.Title, nullString(s.ProjectPath), nullString(s.Summary), createdAt, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	s.CreatedAt = types.FromMillis(createdAt)
	s.UpdatedAt = types.FromMillis(updatedAt)
	return nil
}

func (r queries) GetSession(ctx context.Context, id string) (*types.ChatSession, error) {
	s, err := scanSession(r.q.QueryRowContext(ctx, sessionSelect+` WHERE s.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

func (r queries) ListSessions(ctx context.Context, filter SessionFilter) ([]*types.ChatSession, error) {
	var cond conditions
	cond.eq("s.project_path", filter.ProjectPath)

	query := sessionSelect + cond.where() +
		` ORDER BY s.updated_at DESC, s.id` + cond.limitClause(filter.Limit)

	rows, err := r.q.QueryContext(ctx, query, cond.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.ChatSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session. Its messages go with it through the
// foreign key cascade; their embeddings are removed explicitly.
func (r queries) DeleteSession(ctx context.Context, id string) error {
	_, err := r.exec(ctx, `
		DELETE FROM embeddings
		WHERE source_type = ? AND source_id IN (SELECT `+messageKeyExpr+` FROM chat_history WHERE session_id = ?)
	`, string(types.SourceChat), id)
	if err != nil {
		return fmt.Errorf("failed to delete session embeddings: %w", err)
	}

	if _, err := r.exec(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func scanSession(s scanner) (*types.ChatSession, error) {
	var (
		session              types.ChatSession
		projectPath, summary sql.NullString
		createdAt, updatedAt int64
	)
	err := s.Scan(&session.ID, &session.Title, &projectPath, &summary,
		&createdAt, &updatedAt, &session.MessageCount)
	if err != nil {
		return nil, err
	}
	session.ProjectPath = projectPath.String
	session.Summary = summary.String
	session.CreatedAt = types.FromMillis(createdAt)
	session.UpdatedAt = types.FromMillis(updatedAt)
	return &session, nil
}

// Message operations

// SaveMessage inserts a message. Message ids are unique within their
// session. Messages are immutable once written, so a repeated save of the
// same (session, id) pair only refreshes the embedding reference.
func (r queries) SaveMessage(ctx context.Context, m *types.ChatMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := m.Validate(); err != nil {
		return err
	}

	metadata, err := types.EncodeMetadata(m.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode message metadata: %w", err)
	}

	createdAt := stamp(m.CreatedAt)
	query := `
		INSERT INTO chat_history (` + messageColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			embedding_id = COALESCE(excluded.embedding_id, chat_history.embedding_id),
			updated_at = excluded.updated_at
	`
	_, err = r.exec(ctx, query,
		m.ID, m.SessionID, nullString(m.ProjectPath), string(m.Role), m.Content,
		nullIntPtr(m.TokenCount), nullString(m.Model), nullString(metadata), nullStringPtr(m.EmbeddingID),
		createdAt, nowMillis())
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	m.CreatedAt = types.FromMillis(createdAt)
	return nil
}

func (r queries) GetMessage(ctx context.Context, sessionID, id string) (*types.ChatMessage, error) {
	m, err := scanMessage(r.q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM chat_history WHERE session_id = ? AND id = ?`, sessionID, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// GetMessageByKey resolves a message key (see types.MessageKey), the source
// id of chat embeddings. A malformed key is reported as not found.
func (r queries) GetMessageByKey(ctx context.Context, key string) (*types.ChatMessage, error) {
	sessionID, id, ok := types.SplitMessageKey(key)
	if !ok {
		return nil, ErrNotFound
	}
	return r.GetMessage(ctx, sessionID, id)
}

// ListMessages returns the messages of a session in creation order
func (r queries) ListMessages(ctx context.Context, sessionID string) ([]*types.ChatMessage, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM chat_history
		WHERE session_id = ?
		ORDER BY created_at ASC, seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r queries) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_history WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func scanMessage(s scanner) (*types.ChatMessage, error) {
	var (
		m                                     types.ChatMessage
		role                                  string
		projectPath, model, metadata, embedID sql.NullString
		tokenCount                            sql.NullInt64
		createdAt                             int64
	)
	err := s.Scan(&m.ID, &m.SessionID, &projectPath, &role, &m.Content, &tokenCount,
		&model, &metadata, &embedID, &createdAt)
	if err != nil {
		return nil, err
	}

	m.ProjectPath = projectPath.String
	m.Role = types.Role(role)
	m.Model = model.String
	m.EmbeddingID = stringPtr(embedID)
	m.CreatedAt = types.FromMillis(createdAt)
	if tokenCount.Valid {
		n := int(tokenCount.Int64)
		m.TokenCount = &n
	}
	if m.Metadata, err = types.DecodeMetadata[types.MessageMetadata](metadata.String); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of message %s: %w", m.ID, err)
	}
	return &m, nil
}
