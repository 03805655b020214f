package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// DefaultSearchLimit is used when a full-text query has no limit
const DefaultSearchLimit = 20

// ErrEmptyQuery is returned when a search query has no searchable terms
var ErrEmptyQuery = errors.New("empty search query")

var ftsTokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// buildFTSQuery turns free text into an FTS5 MATCH expression. Every token is
// quoted so operators and punctuation in user input are matched literally,
// and tokens are OR-ed so partial matches still rank.
func buildFTSQuery(query string) string {
	tokens := ftsTokenPattern.FindAllString(query, -1)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + tok + `"`
	}
	return strings.Join(quoted, " OR ")
}

// normalizeBM25 maps an FTS5 bm25 score (negative, lower is better) into
// [0, 1) where higher is better
func normalizeBM25(score float64) float64 {
	s := math.Abs(score)
	return s / (1 + s)
}

// SearchMessages runs a ranked full-text search over chat history
func (r queries) SearchMessages(ctx context.Context, q FullTextQuery) ([]MessageMatch, error) {
	match := buildFTSQuery(q.Query)
	if match == "" {
		return nil, ErrEmptyQuery
	}

	var cond conditions
	cond.add("chat_history_fts MATCH ?", match)
	cond.eq("h.project_path", q.ProjectPath)

	query := `
		SELECT h.id, h.session_id, h.project_path, h.role, h.content, h.token_count, h.model,
		       h.metadata, h.embedding_id, h.created_at, bm25(chat_history_fts) AS score
		FROM chat_history_fts
		INNER JOIN chat_history h ON h.seq = chat_history_fts.rowid` + cond.where() + `
		ORDER BY score ASC, h.created_at DESC` + cond.limitClause(limitOrDefault(q.Limit))

	rows, err := r.q.QueryContext(ctx, query, cond.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []MessageMatch
	for rows.Next() {
		var rank float64
		m, err := scanMessage(scanWithRank{rows, &rank})
		if err != nil {
			return nil, err
		}
		matches = append(matches, MessageMatch{Message: m, Score: normalizeBM25(rank)})
	}
	return matches, rows.Err()
}

// SearchCode runs a ranked full-text search over code symbols
func (r queries) SearchCode(ctx context.Context, q FullTextQuery) ([]CodeMatch, error) {
	match := buildFTSQuery(q.Query)
	if match == "" {
		return nil, ErrEmptyQuery
	}

	var cond conditions
	cond.add("code_index_fts MATCH ?", match)
	cond.eq("c.project_path", q.ProjectPath)

	query := `
		SELECT c.id, c.file_path, c.project_path, c.symbol_name, c.symbol_type, c.line_start,
		       c.line_end, c.signature, c.doc_comment, c.refs, c.embedding_id, c.updated_at,
		       bm25(code_index_fts) AS score
		FROM code_index_fts
		INNER JOIN code_index c ON c.seq = code_index_fts.rowid` + cond.where() + `
		ORDER BY score ASC, c.updated_at DESC` + cond.limitClause(limitOrDefault(q.Limit))

	rows, err := r.q.QueryContext(ctx, query, cond.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search code: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []CodeMatch
	for rows.Next() {
		var rank float64
		e, err := scanCodeEntry(scanWithRank{rows, &rank})
		if err != nil {
			return nil, err
		}
		matches = append(matches, CodeMatch{Entry: e, Score: normalizeBM25(rank)})
	}
	return matches, rows.Err()
}

// SearchFullText searches chat history and code together
func (r queries) SearchFullText(ctx context.Context, q FullTextQuery) (*FullTextResults, error) {
	messages, err := r.SearchMessages(ctx, q)
	if err != nil {
		return nil, err
	}
	code, err := r.SearchCode(ctx, q)
	if err != nil {
		return nil, err
	}
	return &FullTextResults{Messages: messages, Code: code}, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultSearchLimit
	}
	return limit
}

// scanWithRank appends a trailing rank column to a record scan
type scanWithRank struct {
	s    scanner
	rank *float64
}

func (w scanWithRank) Scan(dest ...interface{}) error {
	return w.s.Scan(append(dest, w.rank)...)
}
