package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type backfillResult struct {
	Embedded int           `json:"embedded" yaml:"embedded"`
	Pending  int           `json:"pending" yaml:"pending"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

func backfillCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Embed stored records that have no embedding",
		Long: `Embed every stored context, message and code index entry that has no
embedding, such as records saved while the embedding model was unavailable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.cfg.EmbeddingsEnabled {
				return errors.New("embeddings are disabled")
			}

			start := time.Now()
			embedded, err := a.store.BackfillEmbeddings(ctx)
			if err != nil {
				return fmt.Errorf("backfill failed: %w", err)
			}
			stats, err := a.store.Stats(ctx)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), backfillResult{
				Embedded: embedded,
				Pending:  stats.PendingEmbeddings,
				Duration: time.Since(start),
			}, flags.jsonOutput)
		},
	}
}
