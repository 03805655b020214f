package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/sessionvault/internal/storage"
	"github.com/dshills/sessionvault/pkg/types"
)

func exportCmd(flags *globalFlags) *cobra.Command {
	var (
		format      string
		output      string
		projectPath string
	)

	cmd := &cobra.Command{
		Use:   "export [session-id]",
		Short: "Export sessions in the legacy session format",
		Long: `Export one session, or every session when no id is given, in the legacy
session shape (epoch-millisecond timestamps).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "yaml" && format != "json" {
				return fmt.Errorf("unknown format %q (want yaml or json)", format)
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			var payload any
			if len(args) == 1 {
				session, err := a.store.ExportSession(ctx, args[0])
				if err != nil {
					return fmt.Errorf("export %s: %w", args[0], err)
				}
				payload = session
			} else {
				sessions, err := a.store.ListSessions(ctx, storage.SessionFilter{ProjectPath: projectPath})
				if err != nil {
					return err
				}
				all := make([]*types.LegacySession, 0, len(sessions))
				for _, cs := range sessions {
					session, err := a.store.ExportSession(ctx, cs.ID)
					if err != nil {
						return fmt.Errorf("export %s: %w", cs.ID, err)
					}
					all = append(all, session)
				}
				payload = all
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return printResult(w, payload, format == "json")
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format: yaml or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to a file instead of stdout")
	cmd.Flags().StringVar(&projectPath, "project", "", "Only sessions of this project")
	return cmd
}
