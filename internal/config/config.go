package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":4000"`
	PublicURL    string `envconfig:"PUBLIC_URL" default:""`
	APIKey       string `envconfig:"API_KEY" default:""`
	TLSCert      string `envconfig:"TLS_CERT" default:""`
	TLSKey       string `envconfig:"TLS_KEY" default:""`

	// Workspace and shell
	WorkspaceRoot string `envconfig:"WORKSPACE_ROOT" default:"/app/workspaces"`
	Shell         string `envconfig:"SHELL" default:"/bin/bash"`

	// Terminal session settings
	SessionTimeout  time.Duration `envconfig:"SESSION_TIMEOUT" default:"15m"`
	SessionTokenTTL time.Duration `envconfig:"SESSION_TOKEN_TTL" default:"24h"`

	// Workspace synchronization
	SyncQuiescence      time.Duration `envconfig:"SYNC_QUIESCENCE" default:"5s"`
	SyncSettleDelay     time.Duration `envconfig:"SYNC_SETTLE_DELAY" default:"1s"`
	SyncMaxDepth        int           `envconfig:"SYNC_MAX_DEPTH" default:"10"`
	SyncBatchSize       int           `envconfig:"SYNC_BATCH_SIZE" default:"50"`
	SyncMaxFileSize     string        `envconfig:"SYNC_MAX_FILE_SIZE" default:"5MB"`
	ShutdownSyncTimeout time.Duration `envconfig:"SHUTDOWN_SYNC_TIMEOUT" default:"10s"`
	MetadataBackend     string        `envconfig:"METADATA_BACKEND" default:"json"`
	PolicyFile          string        `envconfig:"POLICY_FILE" default:""`
	WatchWorkspaces     bool          `envconfig:"WATCH_WORKSPACES" default:"false"`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TERMSYNC", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "termsync.db")
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "termsync.log")
	}
	if _, err := Cfg.MaxFileSize(); err != nil {
		log.Fatalf("invalid TERMSYNC_SYNC_MAX_FILE_SIZE %q: %v", Cfg.SyncMaxFileSize, err)
	}
}

// MaxFileSize parses SyncMaxFileSize ("5MB", "512KiB", "1048576").
func (s Settings) MaxFileSize() (int64, error) {
	if s.SyncMaxFileSize == "" {
		return 5 * units.MiB, nil
	}
	return units.RAMInBytes(s.SyncMaxFileSize)
}
