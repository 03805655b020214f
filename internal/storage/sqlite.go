package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrNestedTx is returned when a transaction is started inside another one
	ErrNestedTx = errors.New("nested transactions are not supported")
	// ErrCorrupt is returned when the integrity check of a database file fails
	ErrCorrupt = errors.New("database integrity check failed")
)

const (
	// MemoryPath opens a database that lives only for the process lifetime
	MemoryPath = ":memory:"

	// DefaultAutosaveInterval is how often dirty state is flushed
	DefaultAutosaveInterval = 5 * time.Second
)

// Options configures Open
type Options struct {
	// Path is the database file, or MemoryPath
	Path string
	// AutosaveInterval is the flush period. Zero means the default,
	// negative disables the autosave goroutine.
	AutosaveInterval time.Duration
	Logger           *slog.Logger
}

var (
	_ Storage = (*SQLiteStorage)(nil)
	_ Tx      = (*sqliteTx)(nil)
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	queries

	db       *sql.DB
	path     string
	inMemory bool
	logger   *slog.Logger
	dirty    *atomic.Bool

	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// SQLite benefits from a single writer, and :memory: needs the
	// connection kept alive for the data to survive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if dbPath != MemoryPath {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// prepareDatabase opens, checks and migrates a database
func prepareDatabase(ctx context.Context, dbPath string) (*sql.DB, error) {
	if dbPath != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := openDatabase(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := quickCheck(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return db, nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorrupt, result)
	}
	return nil
}

// Open opens the store at opts.Path. A file that cannot be opened, fails the
// integrity check or fails to migrate is replaced by an empty in-memory
// database and a warning is logged; only a schema newer than this binary is
// returned as an error.
func Open(ctx context.Context, opts Options) (*SQLiteStorage, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	path := opts.Path
	if path == "" {
		path = MemoryPath
	}

	db, err := prepareDatabase(ctx, path)
	if err != nil {
		if errors.Is(err, ErrSchemaTooNew) || path == MemoryPath {
			return nil, err
		}
		logger.Warn("database unavailable, falling back to in-memory store",
			"path", path, "error", err)
		db, err = prepareDatabase(ctx, MemoryPath)
		if err != nil {
			return nil, err
		}
		path = MemoryPath
	}

	dirty := &atomic.Bool{}
	s := &SQLiteStorage{
		queries:  queries{q: db, dirty: dirty},
		db:       db,
		path:     path,
		inMemory: path == MemoryPath,
		logger:   logger,
		dirty:    dirty,
	}

	interval := opts.AutosaveInterval
	if interval == 0 {
		interval = DefaultAutosaveInterval
	}
	if interval > 0 {
		loopCtx, cancel := context.WithCancel(context.Background())
		s.stop = cancel
		s.wg.Add(1)
		go s.autosave(loopCtx, interval)
	}

	logger.Debug("storage opened", "path", path, "driver", DriverName, "build", BuildMode)
	return s, nil
}

// NewSQLiteStorage creates a new SQLite storage instance with default options
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	return Open(context.Background(), Options{Path: dbPath})
}

func (s *SQLiteStorage) autosave(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("autosave failed", "error", err)
			}
		}
	}
}

// Flush checkpoints the write-ahead log when there are unflushed writes.
// On failure the store stays dirty so the next flush retries.
func (s *SQLiteStorage) Flush(ctx context.Context) error {
	if !s.dirty.Swap(false) {
		return nil
	}
	if s.inMemory {
		return nil
	}

	var busy, logFrames, checkpointed int
	err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		s.dirty.Store(true)
		return fmt.Errorf("failed to checkpoint database: %w", err)
	}
	return nil
}

// Dirty reports whether there are writes since the last flush
func (s *SQLiteStorage) Dirty() bool {
	return s.dirty.Load()
}

// InMemory reports whether the store is backed by an in-memory database,
// either by request or after a fallback
func (s *SQLiteStorage) InMemory() bool {
	return s.inMemory
}

// Path returns the database path actually in use
func (s *SQLiteStorage) Path() string {
	return s.path
}

// Close stops autosave, flushes and closes the database connection
func (s *SQLiteStorage) Close() error {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.stop()
			s.wg.Wait()
		}
		flushErr := s.Flush(context.Background())
		if flushErr != nil {
			s.logger.Warn("final flush failed", "error", flushErr)
		}
		s.closeErr = errors.Join(flushErr, s.db.Close())
	})
	return s.closeErr
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqliteTx{queries: queries{q: tx, dirty: s.dirty}, tx: tx}, nil
}

// Transaction runs fn inside a transaction. Panics roll back and re-panic.
func (s *SQLiteStorage) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Deletes that touch several tables run in their own transaction when called
// on the store directly.

func (s *SQLiteStorage) DeleteSession(ctx context.Context, id string) error {
	return s.Transaction(ctx, func(tx Tx) error { return tx.DeleteSession(ctx, id) })
}

func (s *SQLiteStorage) DeleteContext(ctx context.Context, id string) error {
	return s.Transaction(ctx, func(tx Tx) error { return tx.DeleteContext(ctx, id) })
}

func (s *SQLiteStorage) DeleteCodeIndex(ctx context.Context, id string) error {
	return s.Transaction(ctx, func(tx Tx) error { return tx.DeleteCodeIndex(ctx, id) })
}

func (s *SQLiteStorage) DeleteCodeIndexByFile(ctx context.Context, projectPath, filePath string) (int, error) {
	var removed int
	err := s.Transaction(ctx, func(tx Tx) error {
		var err error
		removed, err = tx.DeleteCodeIndexByFile(ctx, projectPath, filePath)
		return err
	})
	return removed, err
}

// Stats returns row counts and file information
func (s *SQLiteStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Path: s.path, InMemory: s.inMemory}

	counts := []struct {
		table string
		dest  *int
	}{
		{"chat_sessions", &stats.Sessions},
		{"chat_history", &stats.Messages},
		{"project_context", &stats.Contexts},
		{"code_index", &stats.CodeEntries},
		{"knowledge_graph", &stats.Edges},
		{"embeddings", &stats.Embeddings},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, fmt.Errorf("failed to read page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("failed to read page size: %w", err)
	}
	stats.SizeBytes = pageCount * pageSize

	version, err := s.GetMetadata(ctx, schemaVersionKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	stats.SchemaVersion = version

	return stats, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// queries implements Repository on top of a querier. The store and its
// transactions share it so every statement is written once.
type queries struct {
	q     querier
	dirty *atomic.Bool
}

// exec runs a write statement and marks the store dirty
func (r queries) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err == nil {
		r.dirty.Store(true)
	}
	return res, err
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	queries
	tx *sql.Tx
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// BeginTx always fails on a transaction
func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	return nil, ErrNestedTx
}

// Metadata operations

func (r queries) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := r.q.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata %q: %w", key, err)
	}
	return value, nil
}

func (r queries) SetMetadata(ctx context.Context, key, value string) error {
	now := nowMillis()
	_, err := r.exec(ctx, `
		INSERT INTO metadata (key, value, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now, now)
	if err != nil {
		return fmt.Errorf("failed to set metadata %q: %w", key, err)
	}
	return nil
}
