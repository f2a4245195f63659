package wsync

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gluk-w/claworc/termsync/internal/logutil"
	"github.com/gluk-w/claworc/termsync/internal/workspace"
)

type userWatch struct {
	fw   *fsnotify.Watcher
	root string
	refs int
	done chan struct{}
}

// Watcher reports filesystem activity in watched workspaces through notify.
// Each user is reference counted so a workspace shared by several sessions
// is watched once.
type Watcher struct {
	layout   *workspace.Layout
	sync     *Synchronizer
	maxDepth int
	notify   func(user string)

	mu    sync.Mutex
	users map[string]*userWatch
}

func NewWatcher(layout *workspace.Layout, s *Synchronizer, notify func(user string)) *Watcher {
	return &Watcher{
		layout:   layout,
		sync:     s,
		maxDepth: s.opts.MaxDepth,
		notify:   notify,
		users:    make(map[string]*userWatch),
	}
}

// Watch starts watching user's workspace, or adds a reference if it is
// already watched.
func (w *Watcher) Watch(user string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if uw, ok := w.users[user]; ok {
		uw.refs++
		return nil
	}
	root, err := w.layout.Ensure(user)
	if err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	uw := &userWatch{fw: fw, root: root, refs: 1, done: make(chan struct{})}
	w.addTree(uw, root, 0)
	w.users[user] = uw
	go w.loop(user, uw)
	log.Printf("[sync] watching workspace of user=%s", logutil.SanitizeForLog(user))
	return nil
}

// Unwatch drops a reference; the last one stops the watcher.
func (w *Watcher) Unwatch(user string) {
	w.mu.Lock()
	uw, ok := w.users[user]
	if !ok {
		w.mu.Unlock()
		return
	}
	uw.refs--
	if uw.refs > 0 {
		w.mu.Unlock()
		return
	}
	delete(w.users, user)
	w.mu.Unlock()

	uw.fw.Close()
	<-uw.done
	log.Printf("[sync] stopped watching workspace of user=%s", logutil.SanitizeForLog(user))
}

// Watching reports whether user's workspace is watched.
func (w *Watcher) Watching(user string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.users[user]
	return ok
}

// Close stops every watcher.
func (w *Watcher) Close() {
	w.mu.Lock()
	users := w.users
	w.users = make(map[string]*userWatch)
	w.mu.Unlock()
	for _, uw := range users {
		uw.fw.Close()
		<-uw.done
	}
}

// addTree watches dir and its subdirectories down to the maximum depth.
func (w *Watcher) addTree(uw *userWatch, dir string, depth int) {
	if depth >= w.maxDepth {
		return
	}
	if err := uw.fw.Add(dir); err != nil {
		log.Printf("[sync] cannot watch %s: %v", dir, err)
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && !w.sync.Excluded(e.Name()) {
			w.addTree(uw, filepath.Join(dir, e.Name()), depth+1)
		}
	}
}

func (w *Watcher) loop(user string, uw *userWatch) {
	defer close(uw.done)
	for {
		select {
		case ev, ok := <-uw.fw.Events:
			if !ok {
				return
			}
			w.handle(user, uw, ev)
		case err, ok := <-uw.fw.Errors:
			if !ok {
				return
			}
			log.Printf("[sync] watcher error for user=%s: %v", logutil.SanitizeForLog(user), err)
		}
	}
}

func (w *Watcher) handle(user string, uw *userWatch, ev fsnotify.Event) {
	rel, err := workspace.Rel(uw.root, ev.Name)
	if err != nil || rel == "." {
		return
	}
	if w.sync.excludedPath(rel) {
		return
	}
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Lstat(ev.Name); err == nil && info.Mode()&fs.ModeDir != 0 {
			w.addTree(uw, ev.Name, strings.Count(rel, "/")+1)
		}
	}
	if ev.Op == fsnotify.Chmod {
		return
	}
	w.notify(user)
}
