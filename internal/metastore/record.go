// Package metastore persists the per-user file metadata snapshot kept in
// step with each workspace by the synchronizer.
package metastore

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

var ErrRecordNotFound = errors.New("record not found")

// Record describes one workspace entry. Paths are POSIX and relative to the
// workspace root; records are kept sorted by path.
type Record struct {
	ID             string    `json:"id"`
	User           string    `json:"user"`
	Path           string    `json:"path"`
	Kind           Kind      `json:"type"`
	Content        string    `json:"content,omitempty"`
	Size           int64     `json:"size"`
	ContentOmitted bool      `json:"contentOmitted,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ModifiedAt     time.Time `json:"modifiedAt"`
}

func comparePath(r Record, path string) int { return strings.Compare(r.Path, path) }

// Find returns the index of the record for path.
func Find(records []Record, path string) (int, bool) {
	return slices.BinarySearchFunc(records, path, comparePath)
}

// FindByID returns the record with the given id.
func FindByID(records []Record, id string) (Record, bool) {
	for _, r := range records {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Upsert inserts rec or replaces the record at the same path. The existing
// id and creation time are preserved; new records get a fresh id.
func Upsert(records []Record, rec Record) []Record {
	i, found := Find(records, rec.Path)
	if found {
		rec.ID = records[i].ID
		rec.CreatedAt = records[i].CreatedAt
		records[i] = rec
		return records
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return slices.Insert(records, i, rec)
}

// RemoveByPath drops the record for path, reporting whether one existed.
func RemoveByPath(records []Record, path string) ([]Record, bool) {
	i, found := Find(records, path)
	if !found {
		return records, false
	}
	return slices.Delete(records, i, i+1), true
}

// Sort orders records by path in place.
func Sort(records []Record) {
	slices.SortFunc(records, func(a, b Record) int { return strings.Compare(a.Path, b.Path) })
}

// IsUnder reports whether path equals dir or lies beneath it. The root
// directory "." contains everything.
func IsUnder(path, dir string) bool {
	if dir == "." || dir == "" {
		return true
	}
	return path == dir || strings.HasPrefix(path, dir+"/")
}
