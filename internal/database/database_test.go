package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB opens a fresh database file and installs it as DB.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), logger.Silent)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	prev := DB
	DB = db
	t.Cleanup(func() {
		Close()
		DB = prev
	})
	return db
}

func TestOpen_MigratesTables(t *testing.T) {
	db := setupTestDB(t)
	for _, table := range []string{"settings", "api_keys", "audit_logs", "file_records"} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("table %s not created", table)
		}
	}
}

func TestSettings(t *testing.T) {
	setupTestDB(t)

	if _, err := GetSetting("missing"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("GetSetting(missing) = %v, want ErrRecordNotFound", err)
	}
	if err := SetSetting("k", "v1"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := SetSetting("k", "v2"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	if v, err := GetSetting("k"); err != nil || v != "v2" {
		t.Errorf("GetSetting = %q, %v; want v2", v, err)
	}
	if err := DeleteSetting("k"); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	if _, err := GetSetting("k"); err == nil {
		t.Error("expected error after delete")
	}
}

func TestAPIKeys(t *testing.T) {
	setupTestDB(t)

	k := &APIKey{Name: "ci", Prefix: "abcd1234", KeyHash: "hash"}
	if err := CreateAPIKey(k); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if err := CreateAPIKey(&APIKey{Name: "ci", Prefix: "zzzz9999", KeyHash: "h"}); err == nil {
		t.Error("expected unique name violation")
	}

	got, err := GetAPIKeyByPrefix("abcd1234")
	if err != nil || got.Name != "ci" {
		t.Fatalf("GetAPIKeyByPrefix = %+v, %v", got, err)
	}
	if got.LastUsedAt != nil {
		t.Error("LastUsedAt should start nil")
	}
	if err := TouchAPIKey(got.ID); err != nil {
		t.Fatalf("TouchAPIKey: %v", err)
	}
	got, _ = GetAPIKeyByPrefix("abcd1234")
	if got.LastUsedAt == nil {
		t.Error("LastUsedAt should be set after touch")
	}

	keys, _ := ListAPIKeys()
	if len(keys) != 1 {
		t.Errorf("ListAPIKeys = %d keys, want 1", len(keys))
	}

	if _, err := RevokeAPIKey("ci"); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	if _, err := RevokeAPIKey("ci"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("second revoke = %v, want ErrRecordNotFound", err)
	}
}

func TestFileRecordRow_UniquePerUserPath(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()

	rows := []FileRecordRow{
		{ID: "1", Username: "alice", Path: "a.txt", Kind: "file", CreatedAt: now, ModifiedAt: now},
		{ID: "2", Username: "bob", Path: "a.txt", Kind: "file", CreatedAt: now, ModifiedAt: now},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("create rows: %v", err)
	}
	dup := FileRecordRow{ID: "3", Username: "alice", Path: "a.txt", Kind: "file", CreatedAt: now, ModifiedAt: now}
	if err := db.Create(&dup).Error; err == nil {
		t.Error("expected unique (user, path) violation")
	}
}

func TestPing(t *testing.T) {
	prev := DB
	DB = nil
	if err := Ping(); err == nil {
		t.Error("expected error with nil DB")
	}
	DB = prev

	setupTestDB(t)
	if err := Ping(); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
