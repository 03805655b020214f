package types

import (
	"encoding/json"
	"fmt"
)

// ContextMetadata holds the known structured fields of a project context.
// Anything without a dedicated field goes into Extra.
type ContextMetadata struct {
	Language  string         `json:"language,omitempty"`
	FilePath  string         `json:"filePath,omitempty"`
	LineCount int            `json:"lineCount,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// MessageMetadata holds the known structured fields of a chat message
type MessageMetadata struct {
	Attachments []string       `json:"attachments,omitempty"`
	ToolCalls   []string       `json:"toolCalls,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// EdgeMetadata holds the known structured fields of a knowledge graph edge
type EdgeMetadata struct {
	Line  int            `json:"line,omitempty"`
	Alias string         `json:"alias,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

// EncodeMetadata serializes metadata to JSON text. A nil value encodes to
// the empty string, which the store persists as NULL.
func EncodeMetadata[T any](m *T) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

// DecodeMetadata parses JSON text produced by EncodeMetadata. Empty text
// decodes to nil.
func DecodeMetadata[T any](text string) (*T, error) {
	if text == "" {
		return nil, nil
	}
	var m T
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &m, nil
}

// EncodeStrings serializes a string list (code references) to JSON text
func EncodeStrings(values []string) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(data), nil
}

// DecodeStrings parses JSON text produced by EncodeStrings
func DecodeStrings(text string) ([]string, error) {
	if text == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(text), &values); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return values, nil
}
