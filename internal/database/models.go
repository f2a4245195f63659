package database

import "time"

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// APIKey is a REST credential of the form tsk_<prefix>_<secret>. Only the
// bcrypt hash of the full key is stored.
type APIKey struct {
	ID         uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Name       string     `gorm:"uniqueIndex;not null;size:64" json:"name"`
	Prefix     string     `gorm:"uniqueIndex;not null;size:16" json:"prefix"`
	KeyHash    string     `gorm:"not null" json:"-"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// AuditLog is one recorded session or synchronization event.
type AuditLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string    `gorm:"index;size:64" json:"username"`
	SessionID string    `gorm:"index;size:36" json:"session_id,omitempty"`
	EventType string    `gorm:"index;not null;size:32" json:"event_type"`
	SourceIP  string    `gorm:"size:64" json:"source_ip,omitempty"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// FileRecordRow backs the sqlite metadata store.
type FileRecordRow struct {
	ID             string    `gorm:"primaryKey;size:36"`
	Username       string    `gorm:"not null;size:64;uniqueIndex:idx_file_user_path"`
	Path           string    `gorm:"not null;uniqueIndex:idx_file_user_path"`
	Kind           string    `gorm:"not null;size:8"`
	Content        string    `gorm:"type:text"`
	Size           int64     `gorm:"not null;default:0"`
	ContentOmitted bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"not null"`
	ModifiedAt     time.Time `gorm:"not null"`
}

func (FileRecordRow) TableName() string { return "file_records" }
