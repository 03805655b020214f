// Package migration moves sessions from the legacy flat-file layout, one
// JSON document per session, into the unified store.
//
// A run has five steps: back up every legacy file into a timestamped
// directory, read the files in parallel, write each session through the
// orchestrator, re-read and verify every migrated session, and finally
// delete the legacy files if asked to. Read and write failures are recorded
// per session and the run continues. A verification failure aborts the run
// with a *VerificationError and leaves the legacy files in place; the backup
// is the recovery path, restored with Rollback.
package migration
