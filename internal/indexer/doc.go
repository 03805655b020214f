// Package indexer keeps the code index of a Go project current.
//
// IndexProject walks the project, parses every Go file with a bounded
// worker pool and writes each file through the unified store in one
// transaction: its code index entries, an imports edge per import, and a
// file context that records the content hash. On the next run files whose
// hash is unchanged are skipped, files that disappeared are removed, and
// the module path from go.mod is kept as a config context.
//
//	idx := indexer.New(store, logger)
//	stats, err := idx.IndexProject(ctx, "/path/to/project", &indexer.Config{
//	    IncludeTests: true,
//	})
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("indexed %d files, skipped %d\n", stats.FilesIndexed, stats.FilesSkipped)
//
// Record ids are derived from the project path, the file path and the
// symbol, so re-indexing a file replaces its records instead of adding new
// ones. A file that fails to index is reported in Statistics.ErrorMessages
// and the run continues. Only one IndexProject may run per Indexer; a second
// concurrent call fails with ErrIndexingInProgress.
package indexer
