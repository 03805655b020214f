package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/sessionvault/internal/indexer"
)

func indexCmd(flags *globalFlags) *cobra.Command {
	var (
		cfg       indexer.Config
		skipTests bool
	)

	cmd := &cobra.Command{
		Use:   "index <path>",
		Short: "Index a Go project into the code index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg.IncludeTests = !skipTests
			cfg.SkipEmbeddings = cfg.SkipEmbeddings || !a.cfg.EmbeddingsEnabled
			idx := indexer.New(a.store, a.logger.With("component", "indexer"))
			stats, err := idx.IndexProject(ctx, args[0], &cfg)
			if err != nil {
				return fmt.Errorf("indexing failed: %w", err)
			}
			return printResult(cmd.OutOrStdout(), stats, flags.jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&cfg.Force, "force", false, "Re-index files whose content is unchanged")
	cmd.Flags().BoolVar(&skipTests, "skip-tests", false, "Do not index _test.go files")
	cmd.Flags().BoolVar(&cfg.IncludeVendor, "include-vendor", false, "Index the vendor directory")
	cmd.Flags().BoolVar(&cfg.SkipEmbeddings, "skip-embeddings", false, "Store symbols without embeddings")
	cmd.Flags().IntVar(&cfg.Workers, "workers", 0, "Concurrent parsers (default: number of CPUs)")
	return cmd
}
