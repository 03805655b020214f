package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/sessionvault/internal/indexer"
	"github.com/dshills/sessionvault/internal/mcp"
	"github.com/dshills/sessionvault/internal/migration"
	"github.com/dshills/sessionvault/internal/storage"
	"github.com/dshills/sessionvault/internal/unified"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var autoMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Long: `Run the Model Context Protocol server on stdin/stdout. Logs go to stderr.

When the store is empty and legacy sessions exist, they are migrated first
(with a backup) unless --auto-migrate=false is given. Records stored without
an embedding are embedded in the background while the server runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, flags, autoMigrate)
		},
	}

	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", true, "Migrate legacy sessions on startup when needed")
	return cmd
}

func runServe(ctx context.Context, flags *globalFlags, autoMigrate bool) error {
	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Error("failed to close store", "error", err)
		}
	}()

	a.logger.Info("sessionvault starting",
		"version", version, "build_mode", storage.BuildMode, "driver", storage.DriverName,
		"db", a.cfg.DBPath(), "embeddings", a.cfg.EmbeddingsEnabled)

	if autoMigrate {
		if err := migrateIfNeeded(ctx, a); err != nil {
			// The server is still useful without the legacy sessions
			a.logger.Error("startup migration failed", "error", err)
		}
	}

	if a.cfg.EmbeddingsEnabled {
		go backfill(ctx, a)
	}

	server := mcp.NewServer(a.store, indexer.New(a.store, a.logger.With("component", "indexer")), a.logger)
	if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server error: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}

func migrateIfNeeded(ctx context.Context, a *app) error {
	m, err := a.migrator()
	if err != nil {
		return err
	}
	status, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if !status.NeedsMigration {
		return nil
	}

	result, err := m.Migrate(ctx, migration.Options{BackupBeforeMigration: true})
	if err != nil {
		return err
	}
	a.logger.Info("legacy sessions migrated",
		"sessions", result.SessionsMigrated, "messages", result.MessagesMigrated,
		"errors", len(result.Errors), "backup", result.BackupPath)
	return nil
}

// backfill embeds records left without an embedding by earlier runs. The
// store stays usable meanwhile.
func backfill(ctx context.Context, a *app) {
	embedded, err := a.store.BackfillEmbeddings(ctx)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, unified.ErrClosed) {
			a.logger.Warn("embedding backfill failed", "error", err)
		}
		return
	}
	if embedded > 0 {
		a.logger.Info("embedding backfill complete", "embedded", embedded)
	}
}
