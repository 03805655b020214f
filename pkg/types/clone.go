package types

import (
	"maps"
	"slices"
)

// Clone helpers return copies that share no slices, maps or pointers with
// the receiver, so cached values cannot be mutated through returned ones.

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Clone returns a deep copy of the metadata
func (m *ContextMetadata) Clone() *ContextMetadata {
	if m == nil {
		return nil
	}
	c := *m
	c.Tags = slices.Clone(m.Tags)
	c.Extra = maps.Clone(m.Extra)
	return &c
}

// Clone returns a deep copy of the metadata
func (m *MessageMetadata) Clone() *MessageMetadata {
	if m == nil {
		return nil
	}
	c := *m
	c.Attachments = slices.Clone(m.Attachments)
	c.ToolCalls = slices.Clone(m.ToolCalls)
	c.Extra = maps.Clone(m.Extra)
	return &c
}

// Clone returns a deep copy of the metadata
func (m *EdgeMetadata) Clone() *EdgeMetadata {
	if m == nil {
		return nil
	}
	c := *m
	c.Extra = maps.Clone(m.Extra)
	return &c
}

// Clone returns a deep copy of the context
func (c *ProjectContext) Clone() *ProjectContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Metadata = c.Metadata.Clone()
	out.EmbeddingID = cloneString(c.EmbeddingID)
	return &out
}

// Clone returns a deep copy of the message
func (m ChatMessage) Clone() ChatMessage {
	out := m
	out.TokenCount = cloneInt(m.TokenCount)
	out.Metadata = m.Metadata.Clone()
	out.EmbeddingID = cloneString(m.EmbeddingID)
	return out
}

// Clone returns a deep copy of the session including its messages
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := &Session{ChatSession: s.ChatSession}
	if s.Messages != nil {
		out.Messages = make([]ChatMessage, len(s.Messages))
		for i, m := range s.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the entry
func (e *CodeIndexEntry) Clone() *CodeIndexEntry {
	if e == nil {
		return nil
	}
	out := *e
	if e.Lines != nil {
		lines := *e.Lines
		out.Lines = &lines
	}
	out.References = slices.Clone(e.References)
	out.EmbeddingID = cloneString(e.EmbeddingID)
	return &out
}
