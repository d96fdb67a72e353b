// Package gc implements the garbage collector for table storage.
//
// Any operation that stops referencing a file or tablet directory writes a
// delete flag for its path into the metadata table. The collector runs in
// cycles:
//
//  1. Gather: read the delete flags in key order. When the candidate set
//     grows past the memory threshold the scan stops and the next cycle
//     resumes at the last flag read.
//  2. Confirm: drop every candidate below a bulk import marker, and every
//     candidate a tablet still references through a file, scan, or
//     directory column (a file reference also keeps its directory).
//  3. Delete: collapse files whose directory is itself a candidate, then
//     remove the rest on a bounded pool of workers. The flag of a path is
//     cleared once the path is gone.
//  4. Clean up: remove the empty top level directories of tables that no
//     longer exist.
//
// A single collector runs per cluster; it holds the GC process lock for
// its lifetime and halts if the lock is lost.
//
// # Offline mode
//
// Offline, the collector skips the lock and the start delay, takes every
// file under the tables directory as a candidate, and runs one cycle.
// Nothing must be writing to the metadata table while it runs.
//
// # Usage
//
//	c := gc.New(gc.DefaultConfig(), cat, vol, logger).
//	    WithLock(lock.New(meta, keys.GCLockKeyPath(), addr)).
//	    WithMetrics(metrics.NewGCMetrics())
//	err := c.Run(ctx)
package gc
