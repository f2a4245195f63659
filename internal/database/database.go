package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gluk-w/claworc/termsync/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Init opens the database at config.Cfg.DatabasePath into DB.
func Init() error {
	db, err := Open(config.Cfg.DatabasePath, logger.Warn)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open opens (creating if needed) a sqlite database in WAL mode and
// migrates every model.
func Open(dbPath string, level logger.LogLevel) (*gorm.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := db.AutoMigrate(&Setting{}, &APIKey{}, &AuditLog{}, &FileRecordRow{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return db, nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Ping reports whether the database connection is usable.
func Ping() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}

// API key helpers

func CreateAPIKey(key *APIKey) error {
	return DB.Create(key).Error
}

func GetAPIKeyByPrefix(prefix string) (*APIKey, error) {
	var k APIKey
	if err := DB.Where("prefix = ?", prefix).First(&k).Error; err != nil {
		return nil, err
	}
	return &k, nil
}

func ListAPIKeys() ([]APIKey, error) {
	var keys []APIKey
	if err := DB.Order("id").Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// RevokeAPIKey deletes the named key, returning gorm.ErrRecordNotFound if
// no key has that name.
func RevokeAPIKey(name string) (*APIKey, error) {
	var k APIKey
	if err := DB.Where("name = ?", name).First(&k).Error; err != nil {
		return nil, err
	}
	if err := DB.Delete(&k).Error; err != nil {
		return nil, err
	}
	return &k, nil
}

func TouchAPIKey(id uint) error {
	return DB.Model(&APIKey{}).Where("id = ?", id).Update("last_used_at", time.Now()).Error
}
