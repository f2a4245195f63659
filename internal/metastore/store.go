package metastore

import (
	"context"
	"fmt"

	"github.com/gluk-w/claworc/termsync/internal/workspace"
	"gorm.io/gorm"
)

// Store loads and saves a user's full record list.
type Store interface {
	// Load returns the persisted records sorted by path. A missing or
	// unreadable snapshot yields an empty list.
	Load(ctx context.Context, user string) ([]Record, error)
	// Save atomically replaces the user's snapshot.
	Save(ctx context.Context, user string, records []Record) error
}

const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Open returns the store for the named backend.
func Open(backend string, layout *workspace.Layout, db *gorm.DB) (Store, error) {
	switch backend {
	case "", BackendJSON:
		return NewJSONStore(layout), nil
	case BackendSQLite:
		if db == nil {
			return nil, fmt.Errorf("sqlite metadata backend requires a database")
		}
		return NewSQLStore(db), nil
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", backend)
	}
}
