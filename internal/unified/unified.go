package unified

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/sessionvault/internal/semantic"
	"github.com/dshills/sessionvault/internal/storage"
	"github.com/dshills/sessionvault/pkg/types"
)

// Lifecycle errors
var (
	ErrNotReady = errors.New("store is not ready")
	ErrClosed   = errors.New("store is closed")
)

const (
	// DefaultCacheSize is the capacity of each record cache
	DefaultCacheSize = 100

	// DefaultSemanticRetryInterval spaces reload attempts of an embedding
	// model that failed to load
	DefaultSemanticRetryInterval = time.Minute
)

// State is the orchestrator lifecycle state
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures the orchestrator
type Options struct {
	CacheSize        int  // Entries per cache, DefaultCacheSize when zero
	EnableEmbeddings bool // Attach embeddings to saved records

	// SemanticRetryInterval is the minimum time between model reloads after
	// a failure. Zero selects the default; negative retries on every
	// semantic request.
	SemanticRetryInterval time.Duration
	Logger                *slog.Logger
}

// Store is the single entry point for session data. It writes through to
// the relational store, keeps LRU caches of sessions, contexts and code
// index entries, attaches embeddings when the semantic layer is available,
// and falls back to full-text search when it is not.
type Store struct {
	store    storage.Storage
	semantic *semantic.Searcher // Nil disables semantic features
	opts     Options
	logger   *slog.Logger

	// mu guards state. Operations hold the read lock for their duration so
	// Close waits for them.
	mu    sync.RWMutex
	state State

	// syncMu pairs each store write or read-through with its cache update
	syncMu   sync.Mutex
	sessions *lru.Cache[string, *types.Session]
	contexts *lru.Cache[string, *types.ProjectContext]
	code     *lru.Cache[string, *types.CodeIndexEntry]

	pending *pendingSet

	retryMu   sync.Mutex
	nextRetry time.Time // Earliest next model reload attempt
}

// New creates an orchestrator over store. searcher may be nil, in which
// case only full-text search is available. Initialize must be called
// before use.
func New(store storage.Storage, searcher *semantic.Searcher, opts Options) (*Store, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.SemanticRetryInterval == 0 {
		opts.SemanticRetryInterval = DefaultSemanticRetryInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sessions, err := lru.New[string, *types.Session](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	contexts, err := lru.New[string, *types.ProjectContext](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create context cache: %w", err)
	}
	code, err := lru.New[string, *types.CodeIndexEntry](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create code index cache: %w", err)
	}

	return &Store{
		store:    store,
		semantic: searcher,
		opts:     opts,
		logger:   logger,
		sessions: sessions,
		contexts: contexts,
		code:     code,
		pending:  newPendingSet(),
	}, nil
}

// Initialize moves the store to Ready. When embeddings are enabled it loads
// the embedding model first; a load failure is logged and the store runs
// with full-text search only until a later semantic request reloads it.
func (u *Store) Initialize(ctx context.Context) error {
	u.mu.Lock()
	switch u.state {
	case StateReady:
		u.mu.Unlock()
		return nil
	case StateClosed:
		u.mu.Unlock()
		return ErrClosed
	case StateInitializing:
		u.mu.Unlock()
		return fmt.Errorf("%w: initialization in progress", ErrNotReady)
	}
	u.state = StateInitializing
	u.mu.Unlock()

	if u.opts.EnableEmbeddings && u.semantic != nil {
		if err := u.semantic.Initialize(ctx); err != nil {
			u.logger.Warn("semantic search unavailable, using full-text search only", "error", err)
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == StateClosed {
		return ErrClosed
	}
	u.state = StateReady
	u.logger.Info("store ready",
		"in_memory", u.store.InMemory(),
		"semantic", u.embeddingsOn(),
		"cache_size", u.opts.CacheSize)
	return nil
}

// State returns the current lifecycle state
func (u *Store) State() State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state
}

// enter admits an operation when the store is Ready. The returned function
// must be called when the operation ends.
func (u *Store) enter() (func(), error) {
	u.mu.RLock()
	switch u.state {
	case StateReady:
		return u.mu.RUnlock, nil
	case StateClosed:
		u.mu.RUnlock()
		return nil, ErrClosed
	default:
		state := u.state
		u.mu.RUnlock()
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, state)
	}
}

// Transaction runs fn in a store transaction. Writes made through tx skip
// the caches, so all caches are purged once it commits.
func (u *Store) Transaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	release, err := u.enter()
	if err != nil {
		return err
	}
	defer release()

	u.syncMu.Lock()
	defer u.syncMu.Unlock()
	if err := u.store.Transaction(ctx, fn); err != nil {
		return err
	}
	u.purgeCaches()
	return nil
}

// Stats describes the store and its caches
type Stats struct {
	Storage           *storage.Stats
	State             State
	CachedSessions    int
	CachedContexts    int
	CachedCodeEntries int
	SemanticAvailable bool
	EmbeddingModel    string
	PendingEmbeddings int
}

func (u *Store) Stats(ctx context.Context) (*Stats, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	storeStats, err := u.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Storage:           storeStats,
		State:             StateReady,
		CachedSessions:    u.sessions.Len(),
		CachedContexts:    u.contexts.Len(),
		CachedCodeEntries: u.code.Len(),
		SemanticAvailable: u.embeddingsOn(),
		PendingEmbeddings: u.pending.len(),
	}
	if u.semantic != nil {
		stats.EmbeddingModel = u.semantic.Model()
	}
	return stats, nil
}

// Flush persists pending store writes
func (u *Store) Flush(ctx context.Context) error {
	release, err := u.enter()
	if err != nil {
		return err
	}
	defer release()
	return u.store.Flush(ctx)
}

// Close flushes and closes the store, releases the embedding model and
// empties the caches. Later operations return ErrClosed.
func (u *Store) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == StateClosed {
		return nil
	}
	u.state = StateClosed

	var errs []error
	if err := u.store.Flush(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := u.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	if u.semantic != nil {
		if err := u.semantic.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close embedder: %w", err))
		}
	}
	u.purgeCaches()
	u.pending.clear()
	return errors.Join(errs...)
}

func (u *Store) purgeCaches() {
	u.sessions.Purge()
	u.contexts.Purge()
	u.code.Purge()
}

func (u *Store) semanticAvailable() bool {
	return u.semantic != nil && u.semantic.Available()
}

// ensureSemantic reloads a model that failed to load, at most once per
// retry interval, and reports whether embeddings are on afterwards
func (u *Store) ensureSemantic(ctx context.Context) bool {
	if !u.opts.EnableEmbeddings || u.semantic == nil {
		return false
	}
	if u.semantic.Available() {
		return true
	}

	u.retryMu.Lock()
	now := time.Now()
	if now.Before(u.nextRetry) {
		u.retryMu.Unlock()
		return false
	}
	if u.opts.SemanticRetryInterval > 0 {
		u.nextRetry = now.Add(u.opts.SemanticRetryInterval)
	}
	u.retryMu.Unlock()

	if err := u.semantic.Initialize(ctx); err != nil {
		u.logger.Warn("embedding model still unavailable", "error", err)
		return false
	}
	u.logger.Info("semantic search available")
	return true
}
