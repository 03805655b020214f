package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/sessionvault/internal/migration"
)

func migrateCmd(flags *globalFlags) *cobra.Command {
	var opts migration.Options

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import legacy JSON sessions into the database",
		Long: `Import every legacy session file into the database and verify the result.
Nothing happens when there is no legacy data or the database already holds
sessions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.migrator()
			if err != nil {
				return err
			}
			result, err := m.Migrate(ctx, opts)
			if result != nil {
				if perr := printResult(cmd.OutOrStdout(), result, flags.jsonOutput); perr != nil {
					return perr
				}
			}
			var verr *migration.VerificationError
			if errors.As(err, &verr) {
				for _, d := range verr.Discrepancies {
					fmt.Fprintln(cmd.ErrOrStderr(), "  -", d)
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.BackupBeforeMigration, "backup", true, "Back up legacy files before migrating")
	cmd.Flags().BoolVar(&opts.DeleteOldData, "delete-old", false, "Delete legacy files after a verified migration")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Read and count legacy sessions without writing")
	cmd.Flags().BoolVar(&opts.SkipEmbeddings, "skip-embeddings", false, "Import messages without embeddings")
	return cmd
}

func migrationStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migration-status",
		Short: "Show legacy data, database contents and backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.migrator()
			if err != nil {
				return err
			}
			status, err := m.Status(ctx)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), status, flags.jsonOutput)
		},
	}
}

func rollbackCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Restore legacy files from the most recent backup",
		Long: `Copy the files of the most recent migration backup back into the legacy
directory. The database is left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.migrator()
			if err != nil {
				return err
			}
			restored, err := m.Rollback(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored legacy sessions from %s\n", restored)
			return nil
		},
	}
}

func cleanupBackupsCmd(flags *globalFlags) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "cleanup-backups",
		Short: "Delete all but the newest migration backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep < 0 {
				return fmt.Errorf("--keep must not be negative, got %d", keep)
			}
			a, err := openApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.migrator()
			if err != nil {
				return err
			}
			removed, err := m.CleanupOldBackups(keep)
			if err != nil {
				return err
			}
			for _, path := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), "removed", path)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 5, "Number of backups to keep")
	return cmd
}
