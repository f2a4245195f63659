// Package wsync keeps each user's persisted file metadata in step with the
// live workspace.
//
// [Synchronizer] walks a workspace (or a subtree of it) with an explicit
// worklist, bounded by a maximum depth, and reconciles what it finds with
// the records held in a [metastore.Guard]. Entries of a directory are
// examined concurrently in fixed-size batches and progress is checkpointed
// every second batch. [Synchronizer.Materialize] runs the other direction,
// recreating folders and files from the records.
//
// [Coordinator] guarantees at most one run per user, remembering a single
// trailing run for requests that arrive mid-run. [Debouncer] turns bursts of
// terminal activity into coordinator requests, and [Watcher] feeds the
// debouncer from fsnotify events when enabled.
package wsync
