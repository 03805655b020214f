package types

import "time"

// LegacySession is the flat-file interchange format: one JSON document per
// session. The shape must stay readable indefinitely.
type LegacySession struct {
	ID        string          `json:"id" yaml:"id"`
	Title     string          `json:"title" yaml:"title"`
	Messages  []LegacyMessage `json:"messages" yaml:"messages"`
	CreatedAt int64           `json:"createdAt" yaml:"createdAt"`
	UpdatedAt int64           `json:"updatedAt" yaml:"updatedAt"`
}

// LegacyMessage is one message of a LegacySession
type LegacyMessage struct {
	ID        string `json:"id" yaml:"id"`
	Role      string `json:"role" yaml:"role"`
	Content   string `json:"content" yaml:"content"`
	Timestamp int64  `json:"timestamp" yaml:"timestamp"`
}

// FromMillis converts epoch milliseconds to a UTC time
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ToMillis converts a time to epoch milliseconds
func ToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// Now returns the current time at the millisecond precision the store keeps
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// ToSession converts the legacy shape into a session
func (l *LegacySession) ToSession() *Session {
	s := &Session{
		ChatSession: ChatSession{
			ID:           l.ID,
			Title:        l.Title,
			MessageCount: len(l.Messages),
			CreatedAt:    FromMillis(l.CreatedAt),
			UpdatedAt:    FromMillis(l.UpdatedAt),
		},
		Messages: make([]ChatMessage, 0, len(l.Messages)),
	}
	for _, m := range l.Messages {
		s.Messages = append(s.Messages, ChatMessage{
			ID:        m.ID,
			SessionID: l.ID,
			Role:      Role(m.Role),
			Content:   m.Content,
			CreatedAt: FromMillis(m.Timestamp),
		})
	}
	return s
}

// ToLegacy converts a session into the legacy interchange shape
func (s *Session) ToLegacy() *LegacySession {
	l := &LegacySession{
		ID:        s.ID,
		Title:     s.Title,
		Messages:  make([]LegacyMessage, 0, len(s.Messages)),
		CreatedAt: ToMillis(s.CreatedAt),
		UpdatedAt: ToMillis(s.UpdatedAt),
	}
	for _, m := range s.Messages {
		l.Messages = append(l.Messages, LegacyMessage{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: ToMillis(m.CreatedAt),
		})
	}
	return l
}
