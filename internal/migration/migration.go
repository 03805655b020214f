package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/sessionvault/internal/storage"
	"github.com/dshills/sessionvault/internal/unified"
	"github.com/dshills/sessionvault/pkg/types"
)

// ErrNoBackups is returned by Rollback when there is nothing to restore
var ErrNoBackups = errors.New("no migration backups found")

const (
	// BackupLayout names backup directories. Fixed width, so lexicographic
	// order is chronological.
	BackupLayout = "20060102T150405.000000000Z"

	legacyExt          = ".json"
	defaultConcurrency = 8
)

// Store is the part of the orchestrator the migration writes through
type Store interface {
	ImportSession(ctx context.Context, l *types.LegacySession, opts unified.SaveOptions) (*types.Session, error)
	LoadSession(ctx context.Context, id string) (*types.Session, error)
	ListSessions(ctx context.Context, filter storage.SessionFilter) ([]*types.ChatSession, error)
	DeleteSession(ctx context.Context, id string) error
}

// Config locates the legacy data and the backups
type Config struct {
	LegacyDir   string
	BackupDir   string
	Concurrency int // Parallel file reads
	Logger      *slog.Logger
}

// Migrator moves legacy flat-file sessions into the store
type Migrator struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// New creates a Migrator
func New(store Store, cfg Config) (*Migrator, error) {
	if store == nil {
		return nil, errors.New("migration: store is required")
	}
	if cfg.LegacyDir == "" {
		return nil, errors.New("migration: legacy directory is required")
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.LegacyDir, "backups")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Migrator{store: store, cfg: cfg, logger: logger}, nil
}

// Status describes whether a migration should run
type Status struct {
	HasLegacyData  bool   `json:"has_legacy_data" yaml:"has_legacy_data"`
	LegacySessions int    `json:"legacy_sessions" yaml:"legacy_sessions"`
	HasNewData     bool   `json:"has_new_data" yaml:"has_new_data"`
	BackupCount    int    `json:"backup_count" yaml:"backup_count"`
	LatestBackup   string `json:"latest_backup,omitempty" yaml:"latest_backup,omitempty"`
	NeedsMigration bool   `json:"needs_migration" yaml:"needs_migration"`
}

// Status reports legacy data, store contents and backups
func (m *Migrator) Status(ctx context.Context) (*Status, error) {
	files, err := m.legacyFiles()
	if err != nil {
		return nil, err
	}
	existing, err := m.store.ListSessions(ctx, storage.SessionFilter{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("check store: %w", err)
	}
	backups, err := m.backups()
	if err != nil {
		return nil, err
	}

	st := &Status{
		HasLegacyData:  len(files) > 0,
		LegacySessions: len(files),
		HasNewData:     len(existing) > 0,
		BackupCount:    len(backups),
	}
	if len(backups) > 0 {
		st.LatestBackup = backups[len(backups)-1]
	}
	st.NeedsMigration = st.HasLegacyData && !st.HasNewData
	return st, nil
}

// Options controls one migration run
type Options struct {
	BackupBeforeMigration bool
	DeleteOldData         bool
	DryRun                bool
	SkipEmbeddings        bool
}

// Result reports a migration run. Success is false only when the run was
// aborted; per-session failures are listed in Errors.
type Result struct {
	Success          bool          `json:"success" yaml:"success"`
	Skipped          bool          `json:"skipped" yaml:"skipped"`
	DryRun           bool          `json:"dry_run" yaml:"dry_run"`
	SessionsMigrated int           `json:"sessions_migrated" yaml:"sessions_migrated"`
	MessagesMigrated int           `json:"messages_migrated" yaml:"messages_migrated"`
	Errors           []string      `json:"errors,omitempty" yaml:"errors,omitempty"`
	BackupPath       string        `json:"backup_path,omitempty" yaml:"backup_path,omitempty"`
	Duration         time.Duration `json:"duration" yaml:"duration"`
}

// VerificationError lists every difference found between the legacy files
// and the migrated sessions
type VerificationError struct {
	Discrepancies []string
	BackupPath    string
}

func (e *VerificationError) Error() string {
	msg := fmt.Sprintf("migration verification failed with %d discrepancies: %s",
		len(e.Discrepancies), strings.Join(e.Discrepancies, "; "))
	if e.BackupPath != "" {
		msg += fmt.Sprintf(" (backup at %s)", e.BackupPath)
	}
	return msg
}

type legacyFile struct {
	path    string
	session *types.LegacySession
}

// Migrate copies every legacy session into the store. It is a no-op when
// there is no legacy data or the store already holds sessions. Legacy files
// are deleted only when DeleteOldData is set and verification passed. When
// verification fails or the run is cancelled, the sessions imported by this
// run are removed again so that a later run starts from an empty store.
func (m *Migrator) Migrate(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	result := &Result{DryRun: opts.DryRun}
	defer func() { result.Duration = time.Since(start) }()

	st, err := m.Status(ctx)
	if err != nil {
		return result, err
	}
	if !st.NeedsMigration {
		m.logger.Info("migration not needed",
			"has_legacy_data", st.HasLegacyData, "has_new_data", st.HasNewData)
		result.Success = true
		result.Skipped = true
		return result, nil
	}

	files, err := m.legacyFiles()
	if err != nil {
		return result, err
	}

	if opts.BackupBeforeMigration && !opts.DryRun {
		result.BackupPath, err = m.backup(files)
		if err != nil {
			return result, fmt.Errorf("backup legacy data: %w", err)
		}
		m.logger.Info("legacy data backed up", "path", result.BackupPath, "files", len(files))
	}

	loaded, readErrs := m.readAll(ctx, files)
	result.Errors = append(result.Errors, readErrs...)
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if opts.DryRun {
		for _, f := range loaded {
			result.SessionsMigrated++
			result.MessagesMigrated += len(f.session.Messages)
		}
		result.Success = true
		m.logger.Info("dry run complete",
			"sessions", result.SessionsMigrated, "messages", result.MessagesMigrated, "errors", len(result.Errors))
		return result, nil
	}

	migrated := make([]legacyFile, 0, len(loaded))
	for _, f := range loaded {
		if err := ctx.Err(); err != nil {
			m.discard(ctx, migrated, result)
			return result, err
		}
		_, err := m.store.ImportSession(ctx, f.session, unified.SaveOptions{SkipEmbedding: opts.SkipEmbeddings})
		if err != nil {
			m.logger.Warn("session migration failed", "session_id", f.session.ID, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", filepath.Base(f.path), err))
			continue
		}
		migrated = append(migrated, f)
		result.SessionsMigrated++
		result.MessagesMigrated += len(f.session.Messages)
	}

	if err := m.verify(ctx, migrated); err != nil {
		var verr *VerificationError
		if errors.As(err, &verr) {
			verr.BackupPath = result.BackupPath
		}
		m.discard(ctx, migrated, result)
		return result, err
	}

	if opts.DeleteOldData {
		for _, f := range migrated {
			if err := os.Remove(f.path); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("remove %s: %v", filepath.Base(f.path), err))
			}
		}
	}

	result.Success = true
	m.logger.Info("migration complete",
		"sessions", result.SessionsMigrated, "messages", result.MessagesMigrated,
		"errors", len(result.Errors), "duration", time.Since(start))
	return result, nil
}

// discard deletes the sessions imported by an unsuccessful run. It runs even
// when ctx is already cancelled.
func (m *Migrator) discard(ctx context.Context, migrated []legacyFile, result *Result) {
	ctx = context.WithoutCancel(ctx)
	removed := 0
	for _, f := range migrated {
		if err := m.store.DeleteSession(ctx, f.session.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error("failed to remove imported session", "session_id", f.session.ID, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("discard %s: %v", f.session.ID, err))
			continue
		}
		removed++
	}
	result.SessionsMigrated = 0
	result.MessagesMigrated = 0
	m.logger.Warn("migration discarded", "sessions_removed", removed)
}

// readAll parses legacy files in parallel. Unreadable files are reported
// and left out; the rest keep the file order.
func (m *Migrator) readAll(ctx context.Context, paths []string) ([]legacyFile, []string) {
	loaded := make([]*types.LegacySession, len(paths))
	var (
		mu   sync.Mutex
		errs []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for i, path := range paths {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			l, err := readLegacy(path)
			if err != nil {
				m.logger.Warn("unreadable legacy session", "file", path, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", filepath.Base(path), err))
				mu.Unlock()
				return nil
			}
			loaded[i] = l
			return nil
		})
	}
	_ = g.Wait()

	out := make([]legacyFile, 0, len(paths))
	for i, l := range loaded {
		if l != nil {
			out = append(out, legacyFile{path: paths[i], session: l})
		}
	}
	sort.Strings(errs)
	return out, errs
}

func readLegacy(path string) (*types.LegacySession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l types.LegacySession
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if l.ID == "" {
		l.ID = strings.TrimSuffix(filepath.Base(path), legacyExt)
	}
	return &l, nil
}

// verify re-reads every migrated session and compares it with its source
func (m *Migrator) verify(ctx context.Context, migrated []legacyFile) error {
	var discrepancies []string

	stored, err := m.store.ListSessions(ctx, storage.SessionFilter{})
	if err != nil {
		return fmt.Errorf("verify: list sessions: %w", err)
	}
	if len(stored) != len(migrated) {
		discrepancies = append(discrepancies,
			fmt.Sprintf("session count: expected %d, found %d", len(migrated), len(stored)))
	}

	for _, f := range migrated {
		src := f.session
		got, err := m.store.LoadSession(ctx, src.ID)
		if errors.Is(err, storage.ErrNotFound) {
			discrepancies = append(discrepancies, fmt.Sprintf("session %s: missing", src.ID))
			continue
		}
		if err != nil {
			return fmt.Errorf("verify session %s: %w", src.ID, err)
		}
		if len(got.Messages) != len(src.Messages) {
			discrepancies = append(discrepancies, fmt.Sprintf("session %s: expected %d messages, found %d",
				src.ID, len(src.Messages), len(got.Messages)))
			continue
		}
		if len(src.Messages) > 0 && got.Messages[0].Content != src.Messages[0].Content {
			discrepancies = append(discrepancies, fmt.Sprintf("session %s: first message content differs", src.ID))
		}
	}

	if len(discrepancies) > 0 {
		return &VerificationError{Discrepancies: discrepancies}
	}
	return nil
}

// Rollback restores the newest backup into the legacy directory and returns
// its path
func (m *Migrator) Rollback(ctx context.Context) (string, error) {
	backups, err := m.backups()
	if err != nil {
		return "", err
	}
	if len(backups) == 0 {
		return "", ErrNoBackups
	}
	latest := backups[len(backups)-1]

	entries, err := os.ReadDir(latest)
	if err != nil {
		return "", fmt.Errorf("read backup: %w", err)
	}
	if err := os.MkdirAll(m.cfg.LegacyDir, 0o755); err != nil {
		return "", fmt.Errorf("create legacy directory: %w", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if e.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(latest, e.Name()), filepath.Join(m.cfg.LegacyDir, e.Name())); err != nil {
			return "", fmt.Errorf("restore %s: %w", e.Name(), err)
		}
	}
	m.logger.Info("legacy data restored", "backup", latest, "files", len(entries))
	return latest, nil
}

// CleanupOldBackups removes all but the newest keep backups, oldest first,
// and returns the removed paths
func (m *Migrator) CleanupOldBackups(keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.backups()
	if err != nil {
		return nil, err
	}
	if len(backups) <= keep {
		return nil, nil
	}

	var removed []string
	for _, b := range backups[:len(backups)-keep] {
		if err := os.RemoveAll(b); err != nil {
			return removed, fmt.Errorf("remove backup %s: %w", b, err)
		}
		removed = append(removed, b)
	}
	m.logger.Info("old backups removed", "removed", len(removed), "kept", keep)
	return removed, nil
}

// legacyFiles lists the session files in the legacy directory, sorted. A
// missing directory holds no sessions.
func (m *Migrator) legacyFiles() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.LegacyDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read legacy directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != legacyExt {
			continue
		}
		files = append(files, filepath.Join(m.cfg.LegacyDir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// backups lists backup directories oldest first
func (m *Migrator) backups() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.BackupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(BackupLayout, e.Name()); err != nil {
			continue
		}
		dirs = append(dirs, filepath.Join(m.cfg.BackupDir, e.Name()))
	}
	sort.Strings(dirs)
	return dirs, nil
}

func (m *Migrator) backup(files []string) (string, error) {
	dir := filepath.Join(m.cfg.BackupDir, time.Now().UTC().Format(BackupLayout))
	if err := os.MkdirAll(m.cfg.BackupDir, 0o755); err != nil {
		return "", err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", err
	}
	for _, f := range files {
		if err := copyFile(f, filepath.Join(dir, filepath.Base(f))); err != nil {
			return dir, fmt.Errorf("copy %s: %w", filepath.Base(f), err)
		}
	}
	return dir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
