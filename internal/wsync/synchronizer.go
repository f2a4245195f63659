package wsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/docker/go-units"
	"github.com/gluk-w/claworc/termsync/internal/logutil"
	"github.com/gluk-w/claworc/termsync/internal/metastore"
	"github.com/gluk-w/claworc/termsync/internal/workspace"
	"golang.org/x/sync/errgroup"
)

// Options bound a synchronization run.
type Options struct {
	MaxDepth    int
	BatchSize   int
	MaxFileSize int64
	// Exclude lists entry names never recorded. The workspace metadata
	// directory is always excluded.
	Exclude []string
}

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = 10
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = 5 * units.MiB
	}
	return o
}

// Result summarizes one run.
type Result struct {
	User      string
	Records   int
	Added     int
	Updated   int
	Removed   int
	Truncated []string
	Skipped   []string
	Duration  time.Duration
}

type Synchronizer struct {
	layout  *workspace.Layout
	guard   *metastore.Guard
	opts    Options
	exclude map[string]bool
}

func New(layout *workspace.Layout, guard *metastore.Guard, opts Options) *Synchronizer {
	opts = opts.withDefaults()
	exclude := map[string]bool{workspace.MetadataDirName: true}
	for _, name := range opts.Exclude {
		exclude[name] = true
	}
	return &Synchronizer{layout: layout, guard: guard, opts: opts, exclude: exclude}
}

func (s *Synchronizer) Guard() *metastore.Guard { return s.guard }

func (s *Synchronizer) Layout() *workspace.Layout { return s.layout }

func (s *Synchronizer) Excluded(name string) bool { return s.exclude[name] }

type workItem struct {
	abs   string
	rel   string
	depth int
}

// entryResult is what one concurrently examined entry reports back.
type entryResult struct {
	rel     string
	abs     string
	record  *metastore.Record
	missing bool
	isDir   bool
	failed  bool
}

// Sync reconciles the records for the subtree rel ("." for the whole
// workspace) with what is on disk.
func (s *Synchronizer) Sync(ctx context.Context, user, rel string) (Result, error) {
	start := time.Now()
	res := Result{User: user}

	if _, err := s.layout.Ensure(user); err != nil {
		return res, err
	}
	rel = cleanRel(rel)
	startAbs, err := s.layout.Resolve(user, rel)
	if err != nil {
		return res, err
	}

	err = s.guard.Update(ctx, user, func(tx *metastore.Tx) error {
		before := len(tx.Records)

		if rel != "." {
			info, err := os.Lstat(startAbs)
			if err != nil || !info.IsDir() {
				// Not a directory: reconcile the single entry.
				tx.Records, err = s.syncEntry(user, rel, startAbs, tx.Records, &res)
				return err
			}
			rec := folderRecord(user, rel, info)
			tx.Records = s.upsertCounted(tx.Records, rec, &res)
		}

		seen := make(map[string]bool)
		var skipped []string
		batches := 0
		work := []workItem{{abs: startAbs, rel: rel, depth: 0}}

		for len(work) > 0 {
			item := work[len(work)-1]
			work = work[:len(work)-1]

			entries, err := os.ReadDir(item.abs)
			if err != nil {
				log.Printf("[sync] user=%s cannot read %s: %v", logutil.SanitizeForLog(user), logutil.SanitizeForLog(item.rel), err)
				skipped = append(skipped, item.rel)
				res.Skipped = append(res.Skipped, item.rel)
				continue
			}

			var names []string
			for _, e := range entries {
				if !s.exclude[e.Name()] {
					names = append(names, e.Name())
				}
			}

			for lo := 0; lo < len(names); lo += s.opts.BatchSize {
				hi := min(lo+s.opts.BatchSize, len(names))
				results, err := s.examineBatch(ctx, user, item, names[lo:hi])
				if err != nil {
					return err
				}

				for _, r := range results {
					switch {
					case r.missing:
						var removed bool
						tx.Records, removed = metastore.RemoveByPath(tx.Records, r.rel)
						if removed {
							res.Removed++
						}
					case r.failed:
						// Keep whatever was recorded before.
						seen[r.rel] = true
						if r.isDir {
							skipped = append(skipped, r.rel)
						}
					case r.record != nil:
						seen[r.rel] = true
						tx.Records = s.upsertCounted(tx.Records, *r.record, &res)
						if !r.isDir {
							continue
						}
						if item.depth+1 >= s.opts.MaxDepth {
							log.Printf("[sync] user=%s max depth %d reached at %s, not descending",
								logutil.SanitizeForLog(user), s.opts.MaxDepth, logutil.SanitizeForLog(r.rel))
							skipped = append(skipped, r.rel)
							res.Truncated = append(res.Truncated, r.rel)
							continue
						}
						work = append(work, workItem{abs: r.abs, rel: r.rel, depth: item.depth + 1})
					}
				}

				batches++
				if batches%2 == 0 {
					if err := tx.Checkpoint(); err != nil {
						return err
					}
				}
			}
		}

		// Drop records in the synced subtree that were not seen, except
		// beneath directories that were not fully walked.
		kept := tx.Records[:0]
		for _, r := range tx.Records {
			if r.Path == rel || !metastore.IsUnder(r.Path, rel) || seen[r.Path] || underAny(r.Path, skipped) {
				kept = append(kept, r)
				continue
			}
			res.Removed++
		}
		tx.Records = kept

		res.Records = len(tx.Records)
		log.Printf("[sync] user=%s path=%s records=%d (was %d) added=%d updated=%d removed=%d",
			logutil.SanitizeForLog(user), logutil.SanitizeForLog(rel), res.Records, before, res.Added, res.Updated, res.Removed)
		return nil
	})
	res.Duration = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("sync %s for %s: %w", rel, user, err)
	}
	return res, nil
}

func (s *Synchronizer) examineBatch(ctx context.Context, user string, parent workItem, names []string) ([]entryResult, error) {
	results := make([]entryResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rel := name
			if parent.rel != "." {
				rel = parent.rel + "/" + name
			}
			results[i] = s.examine(user, rel, filepath.Join(parent.abs, name))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// examine builds the record for one entry without touching shared state.
func (s *Synchronizer) examine(user, rel, abs string) entryResult {
	r := entryResult{rel: rel, abs: abs}
	info, err := os.Lstat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.missing = true
		} else {
			log.Printf("[sync] user=%s stat %s: %v", logutil.SanitizeForLog(user), logutil.SanitizeForLog(rel), err)
			r.failed = true
		}
		return r
	}

	switch {
	case info.IsDir():
		rec := folderRecord(user, rel, info)
		r.record, r.isDir = &rec, true
	case info.Mode().IsRegular():
		rec, err := s.fileRecord(user, rel, abs, info)
		if err != nil {
			log.Printf("[sync] user=%s read %s: %v", logutil.SanitizeForLog(user), logutil.SanitizeForLog(rel), err)
			r.failed = true
			return r
		}
		r.record = &rec
	default:
		// Symlinks, sockets and devices are never recorded; leaving the
		// result empty lets the prune step drop any stale record.
	}
	return r
}

func folderRecord(user, rel string, info fs.FileInfo) metastore.Record {
	return metastore.Record{
		User:       user,
		Path:       rel,
		Kind:       metastore.KindFolder,
		ModifiedAt: info.ModTime().UTC(),
	}
}

func (s *Synchronizer) fileRecord(user, rel, abs string, info fs.FileInfo) (metastore.Record, error) {
	rec := metastore.Record{
		User:       user,
		Path:       rel,
		Kind:       metastore.KindFile,
		Size:       info.Size(),
		ModifiedAt: info.ModTime().UTC(),
	}
	if info.Size() > s.opts.MaxFileSize {
		rec.ContentOmitted = true
		return rec, nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return rec, err
	}
	if !utf8.Valid(data) {
		rec.ContentOmitted = true
		rec.Size = int64(len(data))
		return rec, nil
	}
	rec.Content = string(data)
	rec.Size = int64(len(data))
	return rec, nil
}

func (s *Synchronizer) upsertCounted(records []metastore.Record, rec metastore.Record, res *Result) []metastore.Record {
	if i, found := metastore.Find(records, rec.Path); found {
		if !sameContent(records[i], rec) {
			res.Updated++
		}
	} else {
		res.Added++
	}
	return metastore.Upsert(records, rec)
}

func sameContent(a, b metastore.Record) bool {
	return a.Kind == b.Kind && a.Content == b.Content && a.Size == b.Size &&
		a.ContentOmitted == b.ContentOmitted && a.ModifiedAt.Equal(b.ModifiedAt)
}

// SyncOneFile reconciles the record for a single path. A missing path
// removes its record and, for folders, every record beneath it.
func (s *Synchronizer) SyncOneFile(ctx context.Context, user, rel string, records []metastore.Record) ([]metastore.Record, error) {
	rel = cleanRel(rel)
	if rel == "." {
		return records, fmt.Errorf("%w: workspace root is not a file", workspace.ErrUnsafePath)
	}
	abs, err := s.layout.Resolve(user, rel)
	if err != nil {
		return records, err
	}
	var res Result
	return s.syncEntry(user, rel, abs, records, &res)
}

func (s *Synchronizer) syncEntry(user, rel, abs string, records []metastore.Record, res *Result) ([]metastore.Record, error) {
	if s.excludedPath(rel) {
		return records, nil
	}
	r := s.examine(user, rel, abs)
	switch {
	case r.failed:
		return records, fmt.Errorf("examine %s", rel)
	case r.record != nil:
		records = s.upsertCounted(records, *r.record, res)
	default:
		// Missing or not recordable: drop the path and anything beneath it.
		kept := records[:0]
		for _, rec := range records {
			if metastore.IsUnder(rec.Path, rel) {
				res.Removed++
				continue
			}
			kept = append(kept, rec)
		}
		records = kept
	}
	res.Records = len(records)
	return records, nil
}

func (s *Synchronizer) excludedPath(rel string) bool {
	for _, part := range splitPath(rel) {
		if s.exclude[part] {
			return true
		}
	}
	return false
}

// MaterializeResult counts what Materialize wrote.
type MaterializeResult struct {
	Folders int `json:"folders"`
	Files   int `json:"files"`
	Skipped int `json:"skipped"`
}

// Materialize recreates records on disk: folders first, then files. Files
// whose content was omitted are left alone and unsafe paths are refused.
// Running it twice is harmless.
func (s *Synchronizer) Materialize(ctx context.Context, user string, records []metastore.Record) (MaterializeResult, error) {
	var res MaterializeResult
	if _, err := s.layout.Ensure(user); err != nil {
		return res, err
	}

	type placed struct {
		abs   string
		rel   string
		mtime time.Time
	}
	var folders []placed

	for _, rec := range records {
		if rec.Kind != metastore.KindFolder {
			continue
		}
		abs, ok := s.materialPath(user, rec)
		if !ok {
			res.Skipped++
			continue
		}
		if err := workspace.RejectSymlink(abs); err != nil {
			log.Printf("[sync] user=%s refusing to materialize %s: %v", logutil.SanitizeForLog(user), logutil.SanitizeForLog(rec.Path), err)
			res.Skipped++
			continue
		}
		if err := os.MkdirAll(abs, 0755); err != nil {
			return res, fmt.Errorf("create folder %s: %w", rec.Path, err)
		}
		folders = append(folders, placed{abs: abs, rel: rec.Path, mtime: rec.ModifiedAt})
		res.Folders++
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if rec.Kind != metastore.KindFile {
			continue
		}
		abs, ok := s.materialPath(user, rec)
		if !ok || rec.ContentOmitted {
			res.Skipped++
			continue
		}
		if err := writeIfChanged(abs, rec.Content); err != nil {
			if errors.Is(err, workspace.ErrUnsafePath) {
				log.Printf("[sync] user=%s refusing to materialize %s: %v", logutil.SanitizeForLog(user), logutil.SanitizeForLog(rec.Path), err)
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("write file %s: %w", rec.Path, err)
		}
		if !rec.ModifiedAt.IsZero() {
			if err := chtimes(abs, rec.ModifiedAt, rec.ModifiedAt); err != nil {
				log.Printf("[sync] user=%s set mtime %s: %v", logutil.SanitizeForLog(user), logutil.SanitizeForLog(rec.Path), err)
			}
		}
		res.Files++
	}

	// Folder mtimes last, deepest first, since writing children bumps them.
	for i := len(folders) - 1; i >= 0; i-- {
		if folders[i].mtime.IsZero() {
			continue
		}
		if err := chtimes(folders[i].abs, folders[i].mtime, folders[i].mtime); err != nil {
			log.Printf("[sync] user=%s set mtime %s: %v", logutil.SanitizeForLog(user), logutil.SanitizeForLog(folders[i].rel), err)
		}
	}

	log.Printf("[sync] user=%s materialized folders=%d files=%d skipped=%d",
		logutil.SanitizeForLog(user), res.Folders, res.Files, res.Skipped)
	return res, nil
}

func (s *Synchronizer) materialPath(user string, rec metastore.Record) (string, bool) {
	rel := cleanRel(rec.Path)
	if rel == "." || s.excludedPath(rel) {
		return "", false
	}
	abs, err := s.layout.Resolve(user, rel)
	if err != nil {
		log.Printf("[sync] user=%s refusing to materialize %s: %v", logutil.SanitizeForLog(user), logutil.SanitizeForLog(rec.Path), err)
		return "", false
	}
	return abs, true
}

// chtimes is replaced in tests.
var chtimes = os.Chtimes

func writeIfChanged(abs, content string) error {
	if err := workspace.RejectSymlink(abs); err != nil {
		return err
	}
	if existing, err := os.ReadFile(abs); err == nil && string(existing) == content {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return err
	}
	return os.WriteFile(abs, []byte(content), 0644)
}

func cleanRel(rel string) string {
	if rel == "" {
		return "."
	}
	return path.Clean(filepath.ToSlash(rel))
}

func splitPath(rel string) []string {
	var parts []string
	for rel != "." && rel != "/" && rel != "" {
		dir, file := path.Split(rel)
		parts = append(parts, file)
		rel = path.Clean(dir)
	}
	return parts
}

func underAny(p string, dirs []string) bool {
	for _, d := range dirs {
		if p != d && metastore.IsUnder(p, d) {
			return true
		}
	}
	return false
}
