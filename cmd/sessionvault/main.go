package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "sessionvault",
		Short: "Persistent storage for AI assistant sessions",
		Long: `sessionvault stores chat sessions, project context and a Go code index in a
single SQLite database, with semantic and full-text search.

Environment variables (also read from .env):
  SESSIONVAULT_DATA_DIR            Data directory (default: ~/.sessionvault)
  SESSIONVAULT_DB_FILE             Database file, or :memory:
  SESSIONVAULT_LEGACY_DIR          Legacy JSON sessions (default: <data dir>/sessions)
  SESSIONVAULT_EMBEDDINGS_ENABLED  Attach embeddings to saved records (default: true)
  SESSIONVAULT_EMBEDDING_PROVIDER  local, openai, jina or ollama
  SESSIONVAULT_LOG_LEVEL           debug, info, warn or error`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.dataDir, "data-dir", "", "Data directory (overrides env)")
	pf.StringVar(&flags.dbFile, "db", "", "Database file (overrides env)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (overrides env)")
	pf.BoolVar(&flags.noEmbeddings, "no-embeddings", false, "Disable embedding generation")
	pf.BoolVar(&flags.jsonOutput, "json", false, "Print results as JSON instead of YAML")

	rootCmd.AddCommand(serveCmd(flags))
	rootCmd.AddCommand(indexCmd(flags))
	rootCmd.AddCommand(backfillCmd(flags))
	rootCmd.AddCommand(exportCmd(flags))
	rootCmd.AddCommand(migrateCmd(flags))
	rootCmd.AddCommand(migrationStatusCmd(flags))
	rootCmd.AddCommand(rollbackCmd(flags))
	rootCmd.AddCommand(cleanupBackupsCmd(flags))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}
