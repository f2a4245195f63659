package audit

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"gorm.io/gorm"
)

// current backs the Log* helpers. While it is unset they do nothing, which
// is how the API key CLI commands run.
var current atomic.Pointer[Auditor]

// InitGlobal installs the Auditor behind the Log* helpers and purges entries
// already past the retention window.
func InitGlobal(db *gorm.DB, retentionDays int) *Auditor {
	a := NewAuditor(db, retentionDays)
	current.Store(a)
	a.PurgeOlderThan(0)
	return a
}

// GetAuditor returns the Auditor behind the Log* helpers, or nil.
func GetAuditor() *Auditor { return current.Load() }

// SetGlobalForTest swaps the Auditor behind the Log* helpers; nil detaches it.
func SetGlobalForTest(a *Auditor) { current.Store(a) }

func logGlobal(entry Entry) {
	if a := current.Load(); a != nil {
		a.Log(entry)
	}
}

// LogSessionCreated records a session allocated through the API.
func LogSessionCreated(username, sessionID, sourceIP string) {
	logGlobal(Entry{
		Username:  username,
		SessionID: sessionID,
		EventType: EventSessionCreated,
		SourceIP:  sourceIP,
	})
}

// LogSessionStarted records a shell starting for a session.
func LogSessionStarted(username, sessionID string, cols, rows uint16) {
	logGlobal(Entry{
		Username:  username,
		SessionID: sessionID,
		EventType: EventSessionStarted,
		Details:   fmt.Sprintf("size=%dx%d", cols, rows),
	})
}

// LogSessionEnded records a destroyed session and why it ended.
func LogSessionEnded(username, sessionID, reason string, durationMs int64) {
	logGlobal(Entry{
		Username:  username,
		SessionID: sessionID,
		EventType: EventSessionEnded,
		Details:   fmt.Sprintf("reason=%s duration_ms=%d", reason, durationMs),
	})
}

// LogCommandBlocked records a line refused by the command filter.
func LogCommandBlocked(username, sessionID, command, reason string) {
	logGlobal(Entry{
		Username:  username,
		SessionID: sessionID,
		EventType: EventCommandBlocked,
		Details:   "cmd=" + command + " reason=" + reason,
	})
}

// LogSyncCompleted records a successful synchronizer run.
func LogSyncCompleted(username string, records, added, updated, removed int, durationMs int64) {
	logGlobal(Entry{
		Username:  username,
		EventType: EventSyncCompleted,
		Details: fmt.Sprintf("records=%d added=%d updated=%d removed=%d duration_ms=%d",
			records, added, updated, removed, durationMs),
	})
}

// LogSyncFailed records a failed synchronizer run.
func LogSyncFailed(username, errMsg string) {
	logGlobal(Entry{
		Username:  username,
		EventType: EventSyncFailed,
		Details:   errMsg,
	})
}

// LogWorkspaceLoaded records persisted records being materialized on disk.
func LogWorkspaceLoaded(username string, folders, files, skipped int, sourceIP string) {
	logGlobal(Entry{
		Username:  username,
		EventType: EventWorkspaceLoaded,
		SourceIP:  sourceIP,
		Details:   fmt.Sprintf("folders=%d files=%d skipped=%d", folders, files, skipped),
	})
}

// ExtractSourceIP extracts the client IP from an HTTP request,
// preferring X-Forwarded-For and X-Real-IP headers.
func ExtractSourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
