package metastore

import (
	"context"
	"fmt"

	"github.com/gluk-w/claworc/termsync/internal/database"
	"gorm.io/gorm"
)

// SQLStore keeps records in the file_records table.
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Load(ctx context.Context, user string) ([]Record, error) {
	var rows []database.FileRecordRow
	if err := s.db.WithContext(ctx).Where("username = ?", user).Order("path").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query file records: %w", err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, fromRow(row))
	}
	// SQL collation may differ from byte order.
	Sort(records)
	return records, nil
}

// Save replaces the user's rows inside a single transaction.
func (s *SQLStore) Save(ctx context.Context, user string, records []Record) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("username = ?", user).Delete(&database.FileRecordRow{}).Error; err != nil {
			return fmt.Errorf("clear file records: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		rows := make([]database.FileRecordRow, 0, len(records))
		for _, r := range records {
			row := toRow(r)
			row.Username = user
			rows = append(rows, row)
		}
		if err := tx.CreateInBatches(rows, 100).Error; err != nil {
			return fmt.Errorf("insert file records: %w", err)
		}
		return nil
	})
}

func toRow(r Record) database.FileRecordRow {
	return database.FileRecordRow{
		ID:             r.ID,
		Username:       r.User,
		Path:           r.Path,
		Kind:           string(r.Kind),
		Content:        r.Content,
		Size:           r.Size,
		ContentOmitted: r.ContentOmitted,
		CreatedAt:      r.CreatedAt,
		ModifiedAt:     r.ModifiedAt,
	}
}

func fromRow(row database.FileRecordRow) Record {
	return Record{
		ID:             row.ID,
		User:           row.Username,
		Path:           row.Path,
		Kind:           Kind(row.Kind),
		Content:        row.Content,
		Size:           row.Size,
		ContentOmitted: row.ContentOmitted,
		CreatedAt:      row.CreatedAt.UTC(),
		ModifiedAt:     row.ModifiedAt.UTC(),
	}
}
