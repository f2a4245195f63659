package audit

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/gluk-w/claworc/termsync/internal/database"
	"github.com/gluk-w/claworc/termsync/internal/logutil"
)

// Event types recorded in the audit log.
const (
	EventSessionCreated  = "session_created"
	EventSessionStarted  = "session_started"
	EventSessionEnded    = "session_ended"
	EventCommandBlocked  = "command_blocked"
	EventSyncCompleted   = "sync_completed"
	EventSyncFailed      = "sync_failed"
	EventWorkspaceLoaded = "workspace_loaded"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// Entry contains the fields needed to create an audit log entry.
type Entry struct {
	Username  string
	SessionID string
	EventType string
	SourceIP  string
	Details   string
}

// Auditor records and queries audit events. Records go to the database and
// the standard logger.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor creates an Auditor that writes to db. If retentionDays is 0,
// DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log records an audit event.
func (a *Auditor) Log(entry Entry) error {
	record := database.AuditLog{
		Username:  entry.Username,
		SessionID: entry.SessionID,
		EventType: entry.EventType,
		SourceIP:  entry.SourceIP,
		Details:   logutil.Truncate(entry.Details, 4096),
		CreatedAt: a.nowFn().UTC(),
	}
	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[audit] %s user=%s session=%s details=%s",
		entry.EventType,
		logutil.SanitizeForLog(entry.Username),
		entry.SessionID,
		logutil.SanitizeForLog(entry.Details),
	)
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	Username  string
	SessionID string
	EventType string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves audit log entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.AuditLog{})

	if opts.Username != "" {
		tx = tx.Where("username = ?", opts.Username)
	}
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", opts.Since.UTC())
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", opts.Until.UTC())
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days, or the configured
// retention when days is 0. It returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().UTC().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
