package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/dshills/sessionvault/internal/config"
	"github.com/dshills/sessionvault/internal/embedder"
	"github.com/dshills/sessionvault/internal/logging"
	"github.com/dshills/sessionvault/internal/migration"
	"github.com/dshills/sessionvault/internal/semantic"
	"github.com/dshills/sessionvault/internal/storage"
	"github.com/dshills/sessionvault/internal/unified"
)

type globalFlags struct {
	dataDir      string
	dbFile       string
	logLevel     string
	noEmbeddings bool
	jsonOutput   bool
}

// loadConfig reads the environment and applies flag overrides
func (f *globalFlags) loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.dbFile != "" {
		cfg.DBFile = f.dbFile
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.noEmbeddings {
		cfg.EmbeddingsEnabled = false
	}

	// stdout is reserved for MCP traffic and command output
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// app holds the components one command invocation works with
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *unified.Store
}

func openApp(ctx context.Context, f *globalFlags) (*app, error) {
	cfg, logger, err := f.loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(ctx, storage.Options{
		Path:             cfg.DBPath(),
		AutosaveInterval: cfg.AutosaveInterval,
		Logger:           logger.With("component", "storage"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	var searcher *semantic.Searcher
	if cfg.EmbeddingsEnabled {
		embCfg := cfg.Embedder()
		searcher = semantic.New(db, func(ctx context.Context) (embedder.Embedder, error) {
			return embedder.New(embCfg)
		}, semantic.Options{Logger: logger.With("component", "semantic")})
	}

	store, err := unified.New(db, searcher, unified.Options{
		CacheSize:        cfg.CacheSize,
		EnableEmbeddings: cfg.EmbeddingsEnabled,
		Logger:           logger.With("component", "unified"),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.Initialize(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	return &app{cfg: cfg, logger: logger, store: store}, nil
}

func (a *app) migrator() (*migration.Migrator, error) {
	return migration.New(a.store, migration.Config{
		LegacyDir: a.cfg.LegacyPath(),
		BackupDir: a.cfg.BackupPath(),
		Logger:    a.logger.With("component", "migration"),
	})
}

func (a *app) Close() error {
	return a.store.Close()
}

// printResult writes v as YAML, or JSON when asJSON is set
func printResult(w io.Writer, v any, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
