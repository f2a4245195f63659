package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/termsync/internal/logutil"
	"github.com/gluk-w/claworc/termsync/internal/metastore"
	"github.com/gluk-w/claworc/termsync/internal/workspace"
)

// MaxFileSize caps content accepted by the file API. Set from main.go.
var MaxFileSize int64 = 5 << 20

var (
	errFileExists = errors.New("file already exists")
	errIsFolder   = errors.New("record is a folder")
	errTooLarge   = errors.New("content too large")
	errExcluded   = errors.New("path is excluded from synchronization")
)

type createFileRequest struct {
	Path    string         `json:"path"`
	Content string         `json:"content"`
	Type    metastore.Kind `json:"type"`
}

type updateFileRequest struct {
	Content string `json:"content"`
}

func ListFiles(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	if Syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "Synchronizer not initialized")
		return
	}
	records, err := Syncer.Guard().View(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load workspace metadata")
		return
	}
	if dir := r.URL.Query().Get("path"); dir != "" {
		dir = cleanFilePath(dir)
		filtered := make([]metastore.Record, 0, len(records))
		for _, rec := range records {
			if rec.Path == dir || metastore.IsUnder(rec.Path, dir) {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": records,
		"count": len(records),
	})
}

func CreateFile(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	if Syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "Synchronizer not initialized")
		return
	}
	var req createFileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = metastore.KindFile
	}
	if req.Type != metastore.KindFile && req.Type != metastore.KindFolder {
		writeError(w, http.StatusBadRequest, "Type must be file or folder")
		return
	}
	rel := cleanFilePath(req.Path)
	if rel == "" || rel == "." {
		writeError(w, http.StatusBadRequest, "Path is required")
		return
	}

	var created metastore.Record
	err := Syncer.Guard().Update(r.Context(), user, func(tx *metastore.Tx) error {
		abs, err := resolveFile(user, rel)
		if err != nil {
			return err
		}
		for _, name := range strings.Split(rel, "/") {
			if Syncer.Excluded(name) {
				return errExcluded
			}
		}
		if _, found := metastore.Find(tx.Records, rel); found {
			return errFileExists
		}
		if _, err := os.Lstat(abs); err == nil {
			return errFileExists
		}

		if req.Type == metastore.KindFolder {
			if err := os.MkdirAll(abs, 0755); err != nil {
				return fmt.Errorf("create folder: %w", err)
			}
		} else {
			if int64(len(req.Content)) > MaxFileSize {
				return errTooLarge
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
				return fmt.Errorf("create parent: %w", err)
			}
			if err := os.WriteFile(abs, []byte(req.Content), 0644); err != nil {
				return fmt.Errorf("write file: %w", err)
			}
		}

		for _, p := range withAncestors(rel) {
			tx.Records, err = Syncer.SyncOneFile(r.Context(), user, p, tx.Records)
			if err != nil {
				return err
			}
		}
		created, _ = recordAt(tx.Records, rel)
		return nil
	})
	if err != nil {
		writeFileError(w, err)
		return
	}

	log.Printf("[files] user=%s created %s %s", logutil.SanitizeForLog(user), created.Kind, logutil.SanitizeForLog(rel))
	writeJSON(w, http.StatusCreated, created)
}

func UpdateFile(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	if Syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "Synchronizer not initialized")
		return
	}
	var req updateFileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if int64(len(req.Content)) > MaxFileSize {
		writeFileError(w, errTooLarge)
		return
	}

	fileID := chi.URLParam(r, "fileId")
	var updated metastore.Record
	err := Syncer.Guard().Update(r.Context(), user, func(tx *metastore.Tx) error {
		rec, found := metastore.FindByID(tx.Records, fileID)
		if !found {
			return metastore.ErrRecordNotFound
		}
		if rec.Kind == metastore.KindFolder {
			return errIsFolder
		}
		abs, err := resolveFile(user, rec.Path)
		if err != nil {
			return err
		}
		if err := workspace.RejectSymlink(abs); err != nil {
			return err
		}
		if err := os.WriteFile(abs, []byte(req.Content), 0644); err != nil {
			return fmt.Errorf("write file: %w", err)
		}
		tx.Records, err = Syncer.SyncOneFile(r.Context(), user, rec.Path, tx.Records)
		if err != nil {
			return err
		}
		updated, _ = recordAt(tx.Records, rec.Path)
		return nil
	})
	if err != nil {
		writeFileError(w, err)
		return
	}

	log.Printf("[files] user=%s updated %s", logutil.SanitizeForLog(user), logutil.SanitizeForLog(updated.Path))
	writeJSON(w, http.StatusOK, updated)
}

func DeleteFile(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	if Syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "Synchronizer not initialized")
		return
	}

	fileID := chi.URLParam(r, "fileId")
	var removed string
	err := Syncer.Guard().Update(r.Context(), user, func(tx *metastore.Tx) error {
		rec, found := metastore.FindByID(tx.Records, fileID)
		if !found {
			return metastore.ErrRecordNotFound
		}
		abs, err := resolveFile(user, rec.Path)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(abs); err != nil {
			return fmt.Errorf("remove: %w", err)
		}
		tx.Records, err = Syncer.SyncOneFile(r.Context(), user, rec.Path, tx.Records)
		removed = rec.Path
		return err
	})
	if err != nil {
		writeFileError(w, err)
		return
	}

	log.Printf("[files] user=%s deleted %s", logutil.SanitizeForLog(user), logutil.SanitizeForLog(removed))
	w.WriteHeader(http.StatusNoContent)
}

// resolveFile checks rel against the user's workspace root before any
// filesystem mutation. Symlinked parents are refused by Resolve.
func resolveFile(user, rel string) (string, error) {
	root, err := Syncer.Layout().Ensure(user)
	if err != nil {
		return "", err
	}
	if !workspace.IsPathSafe(rel, root) {
		return "", fmt.Errorf("%w: %s", workspace.ErrUnsafePath, rel)
	}
	return Syncer.Layout().Resolve(user, rel)
}

func cleanFilePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	return path.Clean(p)
}

// withAncestors returns every parent folder of rel followed by rel itself.
func withAncestors(rel string) []string {
	parts := strings.Split(rel, "/")
	out := make([]string, 0, len(parts))
	for i := range parts {
		out = append(out, strings.Join(parts[:i+1], "/"))
	}
	return out
}

func recordAt(records []metastore.Record, rel string) (metastore.Record, bool) {
	i, found := metastore.Find(records, rel)
	if !found {
		return metastore.Record{}, false
	}
	return records[i], true
}

func writeFileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrUnsafePath):
		writeError(w, http.StatusBadRequest, "Path escapes the workspace")
	case errors.Is(err, workspace.ErrInvalidUser):
		writeError(w, http.StatusBadRequest, "Invalid username")
	case errors.Is(err, metastore.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "File not found")
	case errors.Is(err, errFileExists):
		writeError(w, http.StatusConflict, "A file or folder already exists at that path")
	case errors.Is(err, errIsFolder):
		writeError(w, http.StatusBadRequest, "Folders have no content to update")
	case errors.Is(err, errExcluded):
		writeError(w, http.StatusBadRequest, "Path is excluded from synchronization")
	case errors.Is(err, errTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Content exceeds %d bytes", MaxFileSize))
	default:
		log.Printf("[files] request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "File operation failed")
	}
}
