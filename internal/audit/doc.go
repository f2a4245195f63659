// Package audit records session and synchronization events.
//
// Events are written to the audit_logs table and the standard logger:
//   - [EventSessionCreated], [EventSessionStarted], [EventSessionEnded]
//   - [EventCommandBlocked]: a line refused by the command filter.
//   - [EventSyncCompleted], [EventSyncFailed]: synchronizer runs.
//   - [EventWorkspaceLoaded]: persisted records materialized on disk.
//
// [InitGlobal] creates the process-wide [Auditor] at startup. The helpers in
// helpers.go log through it and are no-ops before initialization.
//
// Entries older than the retention period are removed by
// [Auditor.PurgeOlderThan], scheduled from main.
package audit
