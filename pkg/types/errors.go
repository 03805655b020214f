package types

import (
	"errors"
	"fmt"
	"strings"
)

// Domain errors for record validation
var (
	ErrMissingID          = errors.New("record id is required")
	ErrMissingSession     = errors.New("session id is required")
	ErrInvalidSessionID   = errors.New("session id contains a reserved character")
	ErrInvalidContextType = errors.New("invalid context type")
	ErrInvalidRole        = errors.New("invalid message role")
	ErrInvalidSymbolKind  = errors.New("invalid symbol kind")
	ErrInvalidRelation    = errors.New("invalid relation type")
	ErrInvalidSourceType  = errors.New("invalid embedding source type")
	ErrDimensionMismatch  = errors.New("embedding dimension does not match vector length")
	ErrEmptyVector        = errors.New("embedding vector cannot be empty")
	ErrInvalidLineRange   = errors.New("line range end must not precede start")
)

// Validate checks the closed-set fields of a project context
func (c *ProjectContext) Validate() error {
	if c.ID == "" {
		return ErrMissingID
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidContextType, c.Type)
	}
	return nil
}

// Validate checks a chat session record
func (s *ChatSession) Validate() error {
	if s.ID == "" {
		return ErrMissingID
	}
	if strings.Contains(s.ID, MessageKeySep) {
		return ErrInvalidSessionID
	}
	return nil
}

// Validate checks a chat message record
func (m *ChatMessage) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if m.SessionID == "" {
		return ErrMissingSession
	}
	if strings.Contains(m.SessionID, MessageKeySep) {
		return ErrInvalidSessionID
	}
	if !m.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
	}
	return nil
}

// Validate checks a code index entry
func (e *CodeIndexEntry) Validate() error {
	if e.ID == "" {
		return ErrMissingID
	}
	if !e.SymbolType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSymbolKind, e.SymbolType)
	}
	if e.Lines != nil && e.Lines.End < e.Lines.Start {
		return ErrInvalidLineRange
	}
	return nil
}

// Validate checks a knowledge graph edge
func (e *KnowledgeEdge) Validate() error {
	if e.ID == "" {
		return ErrMissingID
	}
	if !e.Relation.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRelation, e.Relation)
	}
	return nil
}

// Validate checks an embedding record
func (e *Embedding) Validate() error {
	if e.ID == "" {
		return ErrMissingID
	}
	if !e.SourceType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSourceType, e.SourceType)
	}
	if len(e.Vector) == 0 {
		return ErrEmptyVector
	}
	if e.Dimension != len(e.Vector) {
		return fmt.Errorf("%w: dimension %d, vector length %d", ErrDimensionMismatch, e.Dimension, len(e.Vector))
	}
	return nil
}
