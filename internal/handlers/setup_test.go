package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/claworc/termsync/internal/audit"
	"github.com/gluk-w/claworc/termsync/internal/cmdfilter"
	"github.com/gluk-w/claworc/termsync/internal/database"
	"github.com/gluk-w/claworc/termsync/internal/metastore"
	"github.com/gluk-w/claworc/termsync/internal/terminal"
	"github.com/gluk-w/claworc/termsync/internal/workspace"
	"github.com/gluk-w/claworc/termsync/internal/wsync"
)

const timeoutShort = 5 * time.Second

// stubProcess echoes nothing and exits when killed.
type stubProcess struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	input strings.Builder
}

func newStubProcess() *stubProcess {
	r, w := io.Pipe()
	return &stubProcess{r: r, w: w, done: make(chan struct{})}
}

func (p *stubProcess) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *stubProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.Write(b)
}

func (p *stubProcess) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

func (p *stubProcess) Resize(cols, rows uint16) error { return nil }

func (p *stubProcess) Wait() (terminal.ExitStatus, error) {
	<-p.done
	return terminal.ExitStatus{}, nil
}

func (p *stubProcess) Kill() error {
	p.once.Do(func() {
		close(p.done)
		p.w.Close()
	})
	return nil
}

type stubSpawner struct {
	mu    sync.Mutex
	procs []*stubProcess
}

func (s *stubSpawner) Spawn(opts terminal.SpawnOptions) (terminal.Process, error) {
	p := newStubProcess()
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	return p, nil
}

func (s *stubSpawner) last() *stubProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

type testEnv struct {
	layout  *workspace.Layout
	spawner *stubSpawner
	mgr     *terminal.Manager
	router  http.Handler

	// syncRuns counts coordinator runs that saw themselves reported as
	// running while in progress.
	syncRuns atomic.Int32
}

// settleDelay is the debounce applied to submitted lines in tests.
const settleDelay = 50 * time.Millisecond

// setupHandlers wires real managers over a temp workspace root and a
// file-backed sqlite database, and installs them in the package globals.
func setupHandlers(t *testing.T) *testEnv {
	t.Helper()
	spawner := &stubSpawner{}
	e := setupHandlersWith(t, spawner)
	e.spawner = spawner
	return e
}

func setupHandlersWith(t *testing.T, spawner terminal.Spawner) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := database.Open(filepath.Join(dir, "test.db"), logger.Silent)
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	database.DB = db
	audit.SetGlobalForTest(audit.NewAuditor(db, 90))

	layout, err := workspace.NewLayout(filepath.Join(dir, "workspaces"))
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	e := &testEnv{layout: layout}
	guard := metastore.NewGuard(metastore.NewJSONStore(layout))
	syncer := wsync.New(layout, guard, wsync.Options{Exclude: []string{"node_modules"}})
	var coord *wsync.Coordinator
	coord = wsync.NewCoordinator(func(ctx context.Context, user string) (wsync.Result, error) {
		if coord.Status(user).Running {
			e.syncRuns.Add(1)
		}
		return syncer.Sync(ctx, user, ".")
	})
	debouncer := wsync.NewDebouncer(settleDelay, 0, func(user string) {
		coord.RequestSync(user)
	})

	mgr := terminal.NewManager(terminal.Options{
		Layout:   layout,
		Spawner:  spawner,
		Filter:   cmdfilter.New(cmdfilter.DefaultPolicy()),
		Sync:     coord,
		Activity: debouncer,
	})

	SessionMgr, SyncCoord, Syncer = mgr, coord, syncer
	MaxFileSize = 1024

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeoutShort)
		defer cancel()
		debouncer.Stop()
		mgr.ShutdownAll(ctx)
		coord.Drain(ctx)
		SessionMgr, SyncCoord, Syncer = nil, nil, nil
		MaxFileSize = 5 << 20
		audit.SetGlobalForTest(nil)
		database.Close()
	})

	e.mgr, e.router = mgr, testRouter()
	return e
}

func testRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	r.Get("/terminal", TerminalWS)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions", CreateSession)
		r.Get("/sessions", ListSessions)
		r.Get("/sessions/{id}", GetSession)
		r.Delete("/sessions/{id}", DeleteSession)
		r.Post("/sessions/{id}/execute", ExecuteCommand)
		r.Get("/workspaces/{user}/sync", GetSyncStatus)
		r.Post("/workspaces/{user}/sync", TriggerSync)
		r.Post("/workspaces/{user}/load", LoadWorkspace)
		r.Get("/workspaces/{user}/files", ListFiles)
		r.Post("/workspaces/{user}/files", CreateFile)
		r.Put("/workspaces/{user}/files/{fileId}", UpdateFile)
		r.Delete("/workspaces/{user}/files/{fileId}", DeleteFile)
		r.Get("/audit", GetAuditLogs)
		r.Delete("/audit", PurgeAuditLogs)
	})
	return r
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, target, rd)
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w
}
