package unified

import (
	"context"

	"github.com/dshills/sessionvault/internal/semantic"
	"github.com/dshills/sessionvault/internal/storage"
	"github.com/dshills/sessionvault/pkg/types"
)

// SearchMode names the retrieval path that produced a hit
type SearchMode string

const (
	ModeSemantic SearchMode = "semantic"
	ModeFullText SearchMode = "fulltext"
)

// SearchOptions controls a search. Threshold only applies to semantic
// search; zero values select the layer defaults. A blank query on the
// full-text path returns storage.ErrEmptyQuery.
type SearchOptions struct {
	UseSemantic bool
	Limit       int
	Threshold   float64
}

// SearchHit is one search result
type SearchHit[T any] struct {
	Record T
	Score  float64
	Mode   SearchMode
}

// SearchChatHistory finds messages matching query. Semantic search is used
// when requested and available; if it fails the search silently falls back
// to full-text.
func (u *Store) SearchChatHistory(ctx context.Context, query, projectPath string, opts SearchOptions) ([]SearchHit[*types.ChatMessage], error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	if opts.UseSemantic && u.ensureSemantic(ctx) {
		matches, err := semantic.SearchSimilar(ctx, u.semantic, query, types.SourceChat,
			u.store.GetMessageByKey, semantic.SearchOptions{
				Threshold:   opts.Threshold,
				Limit:       opts.Limit,
				ProjectPath: projectPath,
			})
		if err == nil {
			return semanticHits(matches), nil
		}
		u.logger.Warn("semantic chat search failed, falling back to full-text", "error", err)
	}

	found, err := u.store.SearchMessages(ctx, storage.FullTextQuery{Query: query, ProjectPath: projectPath, Limit: opts.Limit})
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit[*types.ChatMessage], len(found))
	for i, m := range found {
		hits[i] = SearchHit[*types.ChatMessage]{Record: m.Message, Score: m.Score, Mode: ModeFullText}
	}
	return hits, nil
}

// SearchCode finds code index entries matching query, with the same
// fallback as SearchChatHistory
func (u *Store) SearchCode(ctx context.Context, query, projectPath string, opts SearchOptions) ([]SearchHit[*types.CodeIndexEntry], error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	if opts.UseSemantic && u.ensureSemantic(ctx) {
		matches, err := semantic.SearchSimilar(ctx, u.semantic, query, types.SourceCode,
			u.store.GetCodeIndex, semantic.SearchOptions{
				Threshold:   opts.Threshold,
				Limit:       opts.Limit,
				ProjectPath: projectPath,
			})
		if err == nil {
			return semanticHits(matches), nil
		}
		u.logger.Warn("semantic code search failed, falling back to full-text", "error", err)
	}

	found, err := u.store.SearchCode(ctx, storage.FullTextQuery{Query: query, ProjectPath: projectPath, Limit: opts.Limit})
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit[*types.CodeIndexEntry], len(found))
	for i, m := range found {
		hits[i] = SearchHit[*types.CodeIndexEntry]{Record: m.Entry, Score: m.Score, Mode: ModeFullText}
	}
	return hits, nil
}

// SearchContexts ranks project contexts by similarity to query. Contexts
// have no full-text index, so without semantic search the result is empty.
func (u *Store) SearchContexts(ctx context.Context, query, projectPath string, opts SearchOptions) ([]SearchHit[*types.ProjectContext], error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	if !u.ensureSemantic(ctx) {
		return nil, nil
	}
	matches, err := semantic.SearchSimilar(ctx, u.semantic, query, types.SourceContext,
		u.store.GetContext, semantic.SearchOptions{
			Threshold:   opts.Threshold,
			Limit:       opts.Limit,
			ProjectPath: projectPath,
		})
	if err != nil {
		u.logger.Warn("semantic context search failed", "error", err)
		return nil, nil
	}
	return semanticHits(matches), nil
}

func semanticHits[T any](matches []semantic.Match[T]) []SearchHit[T] {
	hits := make([]SearchHit[T], len(matches))
	for i, m := range matches {
		hits[i] = SearchHit[T]{Record: m.Record, Score: m.Score, Mode: ModeSemantic}
	}
	return hits
}
