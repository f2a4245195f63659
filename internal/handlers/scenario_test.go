package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gluk-w/claworc/termsync/internal/metastore"
	"github.com/gluk-w/claworc/termsync/internal/terminal"
)

// shellClient collects every message the server sends on one channel.
type shellClient struct {
	c *websocket.Conn

	mu     sync.Mutex
	output strings.Builder
	types  []string
	fatal  string
}

func (sc *shellClient) run() {
	for {
		_, data, err := sc.c.Read(context.Background())
		if err != nil {
			return
		}
		var msg terminal.Outbound
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		sc.mu.Lock()
		sc.types = append(sc.types, msg.Type)
		if msg.Type == terminal.MsgOutput {
			sc.output.WriteString(msg.Data)
		}
		if msg.Type == terminal.MsgError && msg.Fatal != nil && *msg.Fatal {
			sc.fatal = msg.Message
		}
		sc.mu.Unlock()
	}
}

func (sc *shellClient) has(typ string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, t := range sc.types {
		if t == typ {
			return true
		}
	}
	return false
}

func (sc *shellClient) send(t *testing.T, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	ctx, cancel := context.WithTimeout(context.Background(), timeoutShort)
	defer cancel()
	if err := sc.c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func userRecords(t *testing.T, user string) []metastore.Record {
	t.Helper()
	records, err := Syncer.Guard().View(context.Background(), user)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	return records
}

func TestShellScenario_TouchSyncRemove(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	spawner, err := terminal.NewPTYSpawner("/bin/sh")
	if err != nil {
		t.Fatalf("NewPTYSpawner: %v", err)
	}
	e := setupHandlersWith(t, spawner)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	s := createTestSession(t, e, "alice")
	sc := &shellClient{c: dialTerminal(t, srv, s.SessionID, s.Token)}
	go sc.run()

	sc.send(t, map[string]any{"type": "start", "cols": 80, "rows": 24})
	eventually(t, "ready or fatal error", func() bool {
		sc.mu.Lock()
		fatal := sc.fatal
		sc.mu.Unlock()
		if fatal != "" {
			t.Skipf("shell could not start: %s", fatal)
		}
		return sc.has(terminal.MsgReady)
	})

	sc.send(t, map[string]any{"type": "input", "data": "echo hi-$((1+1))\r"})
	eventually(t, "echo output", func() bool {
		sc.mu.Lock()
		defer sc.mu.Unlock()
		return strings.Contains(sc.output.String(), "hi-2")
	})

	root, _ := e.layout.Root("alice")
	sc.send(t, map[string]any{"type": "input", "data": "touch a.txt\r"})
	eventually(t, "a.txt on disk", func() bool {
		_, err := os.Stat(filepath.Join(root, "a.txt"))
		return err == nil
	})

	sc.send(t, map[string]any{"type": "sync"})
	eventually(t, "sync-started", func() bool { return sc.has(terminal.MsgSyncStarted) })

	var fileID string
	eventually(t, "a.txt record", func() bool {
		for _, rec := range userRecords(t, "alice") {
			if rec.Path == "a.txt" && rec.Kind == metastore.KindFile && rec.Size == 0 {
				fileID = rec.ID
				return true
			}
		}
		return false
	})
	if n := len(userRecords(t, "alice")); n != 1 {
		t.Errorf("records = %d, want exactly a.txt", n)
	}

	sc.send(t, map[string]any{"type": "input", "data": "rm a.txt\r"})
	eventually(t, "a.txt removed from disk", func() bool {
		_, err := os.Stat(filepath.Join(root, "a.txt"))
		return os.IsNotExist(err)
	})
	sc.send(t, map[string]any{"type": "sync"})
	eventually(t, "a.txt record removed", func() bool {
		return len(userRecords(t, "alice")) == 0
	})

	// A new file never inherits the removed record's id.
	os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0644)
	if _, err := SyncCoord.SyncAndWait(context.Background(), "alice"); err != nil {
		t.Fatalf("SyncAndWait: %v", err)
	}
	for _, rec := range userRecords(t, "alice") {
		if rec.ID == fileID {
			t.Errorf("id %s reused for %s", fileID, rec.Path)
		}
	}
}

func TestShellScenario_SubmittedLineTriggersQuietSync(t *testing.T) {
	e := setupHandlers(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	w := e.do(t, "POST", "/api/v1/workspaces/alice/files", `{"path":"notes.txt","content":"keep"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create file: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	before := userRecords(t, "alice")

	s := createTestSession(t, e, "alice")
	sc := &shellClient{c: dialTerminal(t, srv, s.SessionID, s.Token)}
	go sc.run()
	sc.send(t, map[string]any{"type": "start", "cols": 80, "rows": 24})
	eventually(t, "ready", func() bool { return sc.has(terminal.MsgReady) })

	if st := SyncCoord.Status("alice"); st.LastRunAt != nil || e.syncRuns.Load() != 0 {
		t.Fatalf("no sync expected before input, status = %+v", st)
	}

	sc.send(t, map[string]any{"type": "input", "data": "echo hi\r"})
	eventually(t, "echo forwarded", func() bool {
		return strings.Contains(e.spawner.last().Input(), "echo hi\r")
	})
	eventually(t, "debounced sync", func() bool {
		st := SyncCoord.Status("alice")
		return e.syncRuns.Load() == 1 && st.LastRunAt != nil && !st.Running
	})

	// Only one run for one line, and it finds nothing new.
	time.Sleep(3 * settleDelay)
	if n := e.syncRuns.Load(); n != 1 {
		t.Errorf("sync runs = %d, want 1", n)
	}
	st := SyncCoord.Status("alice")
	if st.Running || st.Pending || st.LastError != "" || st.Records != len(before) {
		t.Errorf("status after sync = %+v", st)
	}
	after := userRecords(t, "alice")
	if len(after) != len(before) {
		t.Fatalf("records = %v, want %v", after, before)
	}
	for i := range before {
		b, a := before[i], after[i]
		if a.ID != b.ID || a.Path != b.Path || a.Content != b.Content || !a.ModifiedAt.Equal(b.ModifiedAt) {
			t.Errorf("record %d changed: %+v -> %+v", i, b, a)
		}
	}
	if !e.mgr.Dirty("alice") {
		t.Error("submitted line should mark the workspace dirty")
	}
}
