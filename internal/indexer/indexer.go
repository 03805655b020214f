package indexer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/sessionvault/internal/parser"
	"github.com/dshills/sessionvault/internal/storage"
	"github.com/dshills/sessionvault/internal/unified"
	"github.com/dshills/sessionvault/pkg/types"
)

// ErrIndexingInProgress is returned when IndexProject is called while
// another run on the same Indexer is active
var ErrIndexingInProgress = errors.New("indexing already in progress")

// idNamespace seeds the deterministic ids of indexed records
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("sessionvault/indexer"))

// Store is the part of the orchestrator the indexer writes through
type Store interface {
	ReplaceFileIndex(ctx context.Context, projectPath, filePath string,
		entries []*types.CodeIndexEntry, edges []*types.KnowledgeEdge, opts unified.SaveOptions) error
	SaveContext(ctx context.Context, c *types.ProjectContext, opts unified.SaveOptions) error
	PeekContext(ctx context.Context, id string) (*types.ProjectContext, error)
	ListContexts(ctx context.Context, filter storage.ContextFilter) ([]*types.ProjectContext, error)
	DeleteContext(ctx context.Context, id string) error
}

// Indexer walks a Go project and keeps its code index current: one code
// index entry per declaration, an imports edge per import and a file
// context per file. Unchanged files are skipped.
type Indexer struct {
	parser *parser.Parser
	store  Store
	logger *slog.Logger
	lock   IndexLock
}

// Config contains configuration for one indexing run
type Config struct {
	Workers        int  // Concurrent parsers (default: runtime.NumCPU())
	IncludeTests   bool // Index _test.go files
	IncludeVendor  bool // Index the vendor directory
	SkipEmbeddings bool // Store records without embeddings
	Force          bool // Re-index files whose content is unchanged
}

// Statistics contains statistics about the indexing operation
type Statistics struct {
	ProjectPath      string        `json:"project_path"`
	FilesIndexed     int           `json:"files_indexed"`
	FilesSkipped     int           `json:"files_skipped"`
	FilesFailed      int           `json:"files_failed"`
	FilesRemoved     int           `json:"files_removed"`
	SymbolsExtracted int           `json:"symbols_extracted"`
	EdgesCreated     int           `json:"edges_created"`
	Duration         time.Duration `json:"duration"`
	ErrorMessages    []string      `json:"errors,omitempty"`
}

// New creates a new Indexer instance
func New(store Store, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Indexer{
		parser: parser.New(),
		store:  store,
		logger: logger,
	}
}

// IndexProject indexes every Go file under rootPath. Records are keyed by
// the absolute project path and paths relative to it.
func (idx *Indexer) IndexProject(ctx context.Context, rootPath string, config *Config) (*Statistics, error) {
	if !idx.lock.TryAcquire() {
		return nil, ErrIndexingInProgress
	}
	defer idx.lock.Release()

	if config == nil {
		config = &Config{IncludeTests: true}
	}
	workers := config.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	projectPath, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project path: %w", err)
	}
	info, err := os.Stat(projectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat project: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project path %s is not a directory", projectPath)
	}

	startTime := time.Now()
	stats := &Statistics{ProjectPath: projectPath}
	opts := unified.SaveOptions{SkipEmbedding: config.SkipEmbeddings}

	files, err := discoverFiles(projectPath, config)
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}

	if err := idx.indexFiles(ctx, projectPath, files, workers, opts, config.Force, stats); err != nil {
		return nil, err
	}
	if err := idx.removeDeleted(ctx, projectPath, files, stats); err != nil {
		return nil, fmt.Errorf("failed to remove deleted files: %w", err)
	}
	if err := idx.saveModuleContext(ctx, projectPath, opts); err != nil {
		stats.ErrorMessages = append(stats.ErrorMessages, fmt.Sprintf("go.mod: %v", err))
	}

	stats.Duration = time.Since(startTime)
	idx.logger.Info("project indexed",
		"project", projectPath, "indexed", stats.FilesIndexed, "skipped", stats.FilesSkipped,
		"failed", stats.FilesFailed, "removed", stats.FilesRemoved,
		"symbols", stats.SymbolsExtracted, "duration", stats.Duration)
	return stats, nil
}

// discoverFiles finds all Go files in the project, as paths relative to it
func discoverFiles(rootPath string, config *Config) ([]string, error) {
	var files []string

	err := filepath.WalkDir(rootPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path == rootPath {
				return nil
			}
			if !config.IncludeVendor && d.Name() == "vendor" {
				return filepath.SkipDir
			}
			if strings.HasPrefix(d.Name(), ".") || strings.HasPrefix(d.Name(), "_") || d.Name() == "testdata" {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() || !strings.HasSuffix(path, ".go") {
			return nil
		}
		if !config.IncludeTests && strings.HasSuffix(path, "_test.go") {
			return nil
		}

		rel, err := filepath.Rel(rootPath, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})

	sort.Strings(files)
	return files, err
}

// indexFiles parses files concurrently and writes each through the store.
// A failing file is recorded and the others continue.
func (idx *Indexer) indexFiles(ctx context.Context, projectPath string, files []string,
	workers int, opts unified.SaveOptions, force bool, stats *Statistics) error {

	var (
		indexed, skipped, failed, symbols, edges atomic.Int32

		mu sync.Mutex // Protects stats.ErrorMessages
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			res, err := idx.indexFile(gctx, projectPath, rel, opts, force)
			switch {
			case err != nil && gctx.Err() != nil:
				return gctx.Err()
			case err != nil:
				failed.Add(1)
				idx.logger.Warn("failed to index file", "file", rel, "error", err)
				mu.Lock()
				stats.ErrorMessages = append(stats.ErrorMessages, fmt.Sprintf("%s: %v", rel, err))
				mu.Unlock()
			case res == nil:
				skipped.Add(1)
			default:
				indexed.Add(1)
				symbols.Add(int32(res.symbols))
				edges.Add(int32(res.edges))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	stats.FilesIndexed = int(indexed.Load())
	stats.FilesSkipped = int(skipped.Load())
	stats.FilesFailed = int(failed.Load())
	stats.SymbolsExtracted = int(symbols.Load())
	stats.EdgesCreated = int(edges.Load())
	sort.Strings(stats.ErrorMessages)
	return nil
}

type fileResult struct {
	symbols int
	edges   int
}

// indexFile replaces the index of one file. It returns nil without error
// when the file is unchanged since the last run.
func (idx *Indexer) indexFile(ctx context.Context, projectPath, rel string, opts unified.SaveOptions, force bool) (*fileResult, error) {
	content, err := os.ReadFile(filepath.Join(projectPath, filepath.FromSlash(rel)))
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	fileCtxID := FileContextID(projectPath, rel)
	if !force {
		existing, err := idx.store.PeekContext(ctx, fileCtxID)
		switch {
		case err == nil && fileHash(existing) == hash:
			return nil, nil
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
	}

	parsed := idx.parser.ParseSource(rel, content)

	entries := parsed.Symbols
	for _, e := range entries {
		e.ID = entryID(projectPath, rel, e)
	}

	edges := make([]*types.KnowledgeEdge, 0, len(parsed.Imports))
	for _, imp := range parsed.Imports {
		edges = append(edges, &types.KnowledgeEdge{
			ID:         recordID("edge", projectPath, rel, string(types.RelationImports), imp.Path),
			SourceType: "file",
			SourceID:   rel,
			Relation:   types.RelationImports,
			TargetID:   imp.Path,
			Weight:     1,
			Metadata:   &types.EdgeMetadata{Line: imp.Line, Alias: imp.Alias},
		})
	}

	if err := idx.store.ReplaceFileIndex(ctx, projectPath, rel, entries, edges, opts); err != nil {
		return nil, err
	}

	fileCtx := &types.ProjectContext{
		ID:          fileCtxID,
		ProjectPath: projectPath,
		Type:        types.ContextFile,
		Content:     fileSummary(rel, parsed),
		Metadata: &types.ContextMetadata{
			Language:  "go",
			FilePath:  rel,
			LineCount: strings.Count(string(content), "\n") + 1,
			Extra: map[string]any{
				"hash":    hash,
				"package": parsed.Package,
				"symbols": len(entries),
			},
		},
	}
	if len(parsed.Errors) > 0 {
		fileCtx.Metadata.Extra["parse_error"] = parsed.Errors[0]
	}
	if err := idx.store.SaveContext(ctx, fileCtx, opts); err != nil {
		return nil, err
	}

	return &fileResult{symbols: len(entries), edges: len(edges)}, nil
}

// removeDeleted drops the index of files that no longer exist
func (idx *Indexer) removeDeleted(ctx context.Context, projectPath string, files []string, stats *Statistics) error {
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
	}

	known, err := idx.store.ListContexts(ctx, storage.ContextFilter{ProjectPath: projectPath, Type: types.ContextFile})
	if err != nil {
		return err
	}
	for _, c := range known {
		if c.Metadata == nil || c.Metadata.FilePath == "" || present[c.Metadata.FilePath] {
			continue
		}
		rel := c.Metadata.FilePath
		if err := idx.store.ReplaceFileIndex(ctx, projectPath, rel, nil, nil, unified.SaveOptions{SkipEmbedding: true}); err != nil {
			return err
		}
		if err := idx.store.DeleteContext(ctx, c.ID); err != nil {
			return err
		}
		stats.FilesRemoved++
	}
	return nil
}

// saveModuleContext records the module path and Go version from go.mod
func (idx *Indexer) saveModuleContext(ctx context.Context, projectPath string, opts unified.SaveOptions) error {
	info, err := parseGoMod(filepath.Join(projectPath, "go.mod"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	return idx.store.SaveContext(ctx, &types.ProjectContext{
		ID:          recordID("config", projectPath, "go.mod"),
		ProjectPath: projectPath,
		Type:        types.ContextConfig,
		Content:     fmt.Sprintf("module %s\ngo %s", info.Module, info.GoVersion),
		Metadata: &types.ContextMetadata{
			Language: "go",
			FilePath: "go.mod",
			Extra:    map[string]any{"module": info.Module, "go_version": info.GoVersion},
		},
	}, opts)
}

// FileContextID returns the id of the file context the indexer keeps for a
// project file
func FileContextID(projectPath, rel string) string {
	return recordID("file", projectPath, rel)
}

func entryID(projectPath, rel string, e *types.CodeIndexEntry) string {
	line := 0
	if e.Lines != nil {
		line = e.Lines.Start
	}
	return recordID("symbol", projectPath, rel, string(e.SymbolType), e.SymbolName, fmt.Sprint(line))
}

func recordID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "\x00"))).String()
}

func fileHash(c *types.ProjectContext) string {
	if c == nil || c.Metadata == nil {
		return ""
	}
	hash, _ := c.Metadata.Extra["hash"].(string)
	return hash
}

// fileSummary is the searchable content of a file context
func fileSummary(rel string, parsed *parser.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (package %s)", rel, parsed.Package)
	for _, s := range parsed.Symbols {
		fmt.Fprintf(&b, "\n%s %s", s.SymbolType, s.SymbolName)
	}
	return b.String()
}

// goModInfo contains parsed go.mod information
type goModInfo struct {
	Module    string
	GoVersion string
}

// parseGoMod extracts basic info from go.mod file
func parseGoMod(goModPath string) (*goModInfo, error) {
	content, err := os.ReadFile(goModPath)
	if err != nil {
		return nil, err
	}

	info := &goModInfo{}
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "module ") {
			info.Module = strings.TrimSpace(strings.TrimPrefix(line, "module"))
		} else if strings.HasPrefix(line, "go ") {
			info.GoVersion = strings.TrimSpace(strings.TrimPrefix(line, "go"))
		}
	}
	if info.Module == "" {
		return nil, errors.New("no module directive")
	}
	return info, nil
}
