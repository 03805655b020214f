package unified

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dshills/sessionvault/internal/storage"
	"github.com/dshills/sessionvault/pkg/types"
)

const (
	defaultSessionTitle = "New session"
	maxDerivedTitle     = 60
)

// SaveSession stores a session and its messages in one transaction.
// Messages already stored are left as they are; new ones are appended.
// Saving a session that already exists moves its update time to now. On
// return s reflects the stored session, including ids and timestamps that
// were filled in.
func (u *Store) SaveSession(ctx context.Context, s *types.Session, opts SaveOptions) error {
	release, err := u.enter()
	if err != nil {
		return err
	}
	defer release()
	return u.saveSession(ctx, s, opts, false)
}

// saveSession implements SaveSession. An import keeps the timestamps it is
// given.
func (u *Store) saveSession(ctx context.Context, s *types.Session, opts SaveOptions, importing bool) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	for i := range s.Messages {
		m := &s.Messages[i]
		m.SessionID = s.ID
		if m.ProjectPath == "" {
			m.ProjectPath = s.ProjectPath
		}
		if m.CreatedAt.IsZero() && !s.CreatedAt.IsZero() {
			m.CreatedAt = s.CreatedAt
		}
	}

	u.syncMu.Lock()
	err := u.store.Transaction(ctx, func(tx storage.Tx) error {
		if !importing {
			_, err := tx.GetSession(ctx, s.ID)
			switch {
			case err == nil:
				s.UpdatedAt = types.Now()
			case !isNotFound(err):
				return err
			}
		}
		if err := tx.SaveSession(ctx, &s.ChatSession); err != nil {
			return err
		}
		for i := range s.Messages {
			if err := tx.SaveMessage(ctx, &s.Messages[i]); err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		u.sessions.Remove(s.ID)
		u.syncMu.Unlock()
		return err
	}
	stored, err := u.loadSessionLocked(ctx, s.ID)
	u.syncMu.Unlock()
	if err != nil {
		return err
	}
	s.MessageCount = stored.MessageCount
	s.CreatedAt = stored.CreatedAt

	if u.shouldEmbed(opts) {
		u.attachMessageEmbeddings(ctx, s.ID, messagePointers(stored.Messages))
		syncEmbeddingIDs(s, stored)
	}
	return nil
}

// LoadSession returns a session with its messages in order. Messages
// stored without an embedding get one when embeddings are on.
func (u *Store) LoadSession(ctx context.Context, id string) (*types.Session, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	s, err := u.cachedSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return u.embedMissingMessages(ctx, s), nil
}

// cachedSession returns a copy of the session from cache, reading it
// through from the store on a miss
func (u *Store) cachedSession(ctx context.Context, id string) (*types.Session, error) {
	if s, ok := u.sessions.Get(id); ok {
		return s.Clone(), nil
	}
	u.syncMu.Lock()
	defer u.syncMu.Unlock()
	s, err := u.loadSessionLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// loadSessionLocked reads a session from the store and caches it. The
// caller holds syncMu.
func (u *Store) loadSessionLocked(ctx context.Context, id string) (*types.Session, error) {
	record, err := u.store.GetSession(ctx, id)
	if err != nil {
		if isNotFound(err) {
			u.sessions.Remove(id)
		}
		return nil, err
	}
	messages, err := u.store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}

	s := &types.Session{ChatSession: *record, Messages: make([]types.ChatMessage, 0, len(messages))}
	for _, m := range messages {
		s.Messages = append(s.Messages, *m)
	}
	u.sessions.Add(id, s.Clone())
	return s, nil
}

func (u *Store) refreshSession(ctx context.Context, id string) error {
	u.syncMu.Lock()
	defer u.syncMu.Unlock()
	_, err := u.loadSessionLocked(ctx, id)
	return err
}

// ListSessions returns session records, most recently updated first
func (u *Store) ListSessions(ctx context.Context, filter storage.SessionFilter) ([]*types.ChatSession, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return u.store.ListSessions(ctx, filter)
}

// UpdateSessionTitle renames a session and bumps its update time
func (u *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	release, err := u.enter()
	if err != nil {
		return err
	}
	defer release()

	u.syncMu.Lock()
	defer u.syncMu.Unlock()
	err = u.store.Transaction(ctx, func(tx storage.Tx) error {
		s, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		s.Title = title
		s.UpdatedAt = types.Now()
		return tx.SaveSession(ctx, s)
	})
	if err != nil {
		return err
	}
	_, err = u.loadSessionLocked(ctx, id)
	return err
}

// AppendMessage adds a message to a session, creating the session when this
// is its first message. The session's update time moves to now.
func (u *Store) AppendMessage(ctx context.Context, sessionID string, m *types.ChatMessage, opts SaveOptions) error {
	release, err := u.enter()
	if err != nil {
		return err
	}
	defer release()

	if sessionID == "" {
		return types.ErrMissingSession
	}
	m.SessionID = sessionID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = types.Now()
	}

	u.syncMu.Lock()
	err = u.store.Transaction(ctx, func(tx storage.Tx) error {
		s, err := tx.GetSession(ctx, sessionID)
		if isNotFound(err) {
			s = &types.ChatSession{
				ID:          sessionID,
				Title:       deriveTitle(m.Content),
				ProjectPath: m.ProjectPath,
				CreatedAt:   m.CreatedAt,
			}
		} else if err != nil {
			return err
		}

		if m.ProjectPath == "" {
			m.ProjectPath = s.ProjectPath
		}
		s.UpdatedAt = types.Now()
		if s.UpdatedAt.Before(m.CreatedAt) {
			s.UpdatedAt = m.CreatedAt
		}
		// The session row must exist before the message references it
		if err := tx.SaveSession(ctx, s); err != nil {
			return err
		}
		return tx.SaveMessage(ctx, m)
	})
	if err != nil {
		u.sessions.Remove(sessionID)
		u.syncMu.Unlock()
		return err
	}
	_, err = u.loadSessionLocked(ctx, sessionID)
	u.syncMu.Unlock()
	if err != nil {
		return err
	}

	if u.shouldEmbed(opts) && !m.HasEmbedding() {
		u.attachMessageEmbeddings(ctx, sessionID, []*types.ChatMessage{m})
	}
	return nil
}

// DeleteSession removes a session, its messages and their embeddings
func (u *Store) DeleteSession(ctx context.Context, id string) error {
	release, err := u.enter()
	if err != nil {
		return err
	}
	defer release()

	u.syncMu.Lock()
	defer u.syncMu.Unlock()
	if err := u.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	if s, ok := u.sessions.Peek(id); ok {
		for _, m := range s.Messages {
			u.pending.remove(types.SourceChat, m.Key())
		}
	}
	u.sessions.Remove(id)
	return nil
}

// ExportSession returns a session in the legacy interchange shape
func (u *Store) ExportSession(ctx context.Context, id string) (*types.LegacySession, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	s, err := u.cachedSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.ToLegacy(), nil
}

// ImportSession stores a session given in the legacy interchange shape,
// keeping its timestamps
func (u *Store) ImportSession(ctx context.Context, l *types.LegacySession, opts SaveOptions) (*types.Session, error) {
	if l == nil || l.ID == "" {
		return nil, fmt.Errorf("import session: %w", types.ErrMissingID)
	}
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	s := l.ToSession()
	if err := u.saveSession(ctx, s, opts, true); err != nil {
		return nil, fmt.Errorf("import session %s: %w", l.ID, err)
	}
	return s, nil
}

// deriveTitle builds a session title from the first message
func deriveTitle(content string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultSessionTitle
	}
	if utf8.RuneCountInString(line) > maxDerivedTitle {
		runes := []rune(line)
		line = strings.TrimSpace(string(runes[:maxDerivedTitle])) + "..."
	}
	return line
}

func messagePointers(messages []types.ChatMessage) []*types.ChatMessage {
	out := make([]*types.ChatMessage, len(messages))
	for i := range messages {
		out[i] = &messages[i]
	}
	return out
}

// syncEmbeddingIDs copies embedding references from stored onto the
// caller's session
func syncEmbeddingIDs(s, stored *types.Session) {
	ids := make(map[string]*string, len(stored.Messages))
	for _, m := range stored.Messages {
		if m.EmbeddingID != nil {
			ids[m.ID] = m.EmbeddingID
		}
	}
	for i := range s.Messages {
		if id, ok := ids[s.Messages[i].ID]; ok && s.Messages[i].EmbeddingID == nil {
			v := *id
			s.Messages[i].EmbeddingID = &v
		}
	}
}
