package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/gluk-w/claworc/termsync/internal/logutil"
	"github.com/gluk-w/claworc/termsync/internal/workspace"
)

const snapshotFile = "files.json"

// JSONStore keeps each user's records in a JSON file inside the
// workspace metadata directory.
type JSONStore struct {
	layout *workspace.Layout
}

func NewJSONStore(layout *workspace.Layout) *JSONStore {
	return &JSONStore{layout: layout}
}

func (s *JSONStore) path(user string) (string, error) {
	dir, err := s.layout.MetadataDir(user)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, snapshotFile), nil
}

func (s *JSONStore) Load(_ context.Context, user string) ([]Record, error) {
	path, err := s.path(user)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[metastore] read %s for user=%s: %v", path, logutil.SanitizeForLog(user), err)
		}
		return []Record{}, nil
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		log.Printf("[metastore] corrupt snapshot for user=%s, starting empty: %v", logutil.SanitizeForLog(user), err)
		return []Record{}, nil
	}
	if records == nil {
		records = []Record{}
	}
	Sort(records)
	return records, nil
}

// Save writes to a temp file, fsyncs it and renames it over the snapshot.
func (s *JSONStore) Save(_ context.Context, user string, records []Record) error {
	path, err := s.path(user)
	if err != nil {
		return err
	}
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".files-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
