package terminal

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/termsync/internal/cmdfilter"
)

func TestBridge_StartOutputExit(t *testing.T) {
	h := newHarness(t)
	s, conn, proc := h.start(t, "alice")

	h.spawner.mu.Lock()
	opts := h.spawner.opts[0]
	h.spawner.mu.Unlock()
	if opts.Cols != 100 || opts.Rows != 30 {
		t.Errorf("spawn size = %dx%d, want 100x30", opts.Cols, opts.Rows)
	}
	if opts.Dir != s.Dir || !strings.HasSuffix(opts.Dir, "/alice") {
		t.Errorf("spawn dir = %q, want the alice workspace", opts.Dir)
	}
	if got := s.Status(); got != StatusActive {
		t.Errorf("status = %s, want active", got)
	}

	proc.emit("first ")
	if got := conn.expect(t, MsgOutput).Data; got != "first " {
		t.Errorf("output = %q, want %q", got, "first ")
	}
	proc.emit("second")
	if got := conn.expect(t, MsgOutput).Data; got != "second" {
		t.Errorf("output = %q, want %q", got, "second")
	}

	proc.finish(3)
	exit := conn.expect(t, MsgExit)
	if exit.Code == nil || *exit.Code != 3 {
		t.Errorf("exit code = %v, want 3", exit.Code)
	}
	if exit.Signal != nil {
		t.Errorf("exit signal = %q, want none", *exit.Signal)
	}
	if code := conn.waitClosed(t); code != 1000 {
		t.Errorf("close code = %d, want 1000", code)
	}
	if _, err := h.mgr.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("session still registered after exit: %v", err)
	}
}

func TestBridge_StartClampsSize(t *testing.T) {
	h := newHarness(t)
	_, conn := h.attach(t, "alice")
	conn.sendJSON(t, Inbound{Type: MsgStart, Cols: 5000, Rows: 5000})
	proc := h.spawner.next(t)
	conn.expect(t, MsgReady)
	if c, r := proc.Size(); c != MaxTermCols || r != MaxTermRows {
		t.Errorf("size = %dx%d, want %dx%d", c, r, MaxTermCols, MaxTermRows)
	}
}

func TestBridge_StartTwiceRejected(t *testing.T) {
	h := newHarness(t)
	_, conn, _ := h.start(t, "alice")
	conn.sendJSON(t, Inbound{Type: MsgStart})
	msg := conn.expect(t, MsgError)
	if msg.Fatal == nil || *msg.Fatal {
		t.Errorf("second start should be a non-fatal error, got %+v", msg)
	}
}

func TestBridge_ProtocolErrors(t *testing.T) {
	h := newHarness(t)
	s, conn := h.attach(t, "alice")

	tests := []struct {
		name    string
		send    func()
		message string
	}{
		{"unknown type", func() { conn.sendRaw(`{"type":"bogus"}`) }, `unknown message type "bogus"`},
		{"malformed json", func() { conn.sendRaw(`{"type":`) }, "malformed message"},
		{"missing type", func() { conn.sendRaw(`{"data":"x"}`) }, "malformed message"},
		{"input before start", func() { conn.sendJSON(t, Inbound{Type: MsgInput, Data: "ls\r"}) }, "session not started"},
		{"resize before start", func() { conn.sendJSON(t, Inbound{Type: MsgResize, Cols: 10, Rows: 10}) }, "session not started"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.send()
			msg := conn.expect(t, MsgError)
			if msg.Message != tt.message {
				t.Errorf("message = %q, want %q", msg.Message, tt.message)
			}
			if msg.Fatal == nil || *msg.Fatal {
				t.Errorf("expected fatal=false, got %+v", msg.Fatal)
			}
		})
	}
	if got := s.Status(); got != StatusPending {
		t.Errorf("status after protocol errors = %s, want pending", got)
	}
}

func TestBridge_InputForwarded(t *testing.T) {
	h := newHarness(t)
	_, conn, proc := h.start(t, "alice")

	conn.sendJSON(t, Inbound{Type: MsgInput, Data: "touch a.txt\r"})
	waitFor(t, "input to reach shell", func() bool { return proc.Input() == "touch a.txt\r" })
	waitFor(t, "activity notification", func() bool { return len(h.notifier.Users()) == 1 })
	if got := h.notifier.Users()[0]; got != "alice" {
		t.Errorf("notified user = %q, want alice", got)
	}
	if !h.mgr.Dirty("alice") {
		t.Error("expected alice to be marked dirty")
	}
}

func TestBridge_BinaryFrameIsInput(t *testing.T) {
	h := newHarness(t)
	_, conn, proc := h.start(t, "alice")

	conn.sendBinary("echo hi")
	waitFor(t, "binary input", func() bool { return proc.Input() == "echo hi" })
	if len(h.notifier.Users()) != 0 {
		t.Error("unterminated line should not notify the debouncer")
	}
}

func TestBridge_BlockedLineNeverReachesShell(t *testing.T) {
	var mu sync.Mutex
	var blocked []string
	h := newHarness(t, func(o *Options) {
		o.Hooks.CommandBlocked = func(info Info, command string, v cmdfilter.Verdict) {
			mu.Lock()
			blocked = append(blocked, command)
			mu.Unlock()
		}
	})
	_, conn, proc := h.start(t, "alice")

	conn.sendJSON(t, Inbound{Type: MsgInput, Data: "rm -rf ../bob\r"})
	warn := conn.expect(t, MsgOutput)
	if !strings.Contains(warn.Data, "Command blocked") {
		t.Errorf("warning output = %q", warn.Data)
	}
	waitFor(t, "interrupt", func() bool { return strings.HasSuffix(proc.Input(), "\x03") })
	if got := proc.Input(); got != "rm -rf ../bob\x03" {
		t.Errorf("shell input = %q, want line followed by interrupt", got)
	}
	if len(h.notifier.Users()) != 0 {
		t.Error("blocked line must not trigger a sync")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(blocked) != 1 || blocked[0] != "rm -rf ../bob" {
		t.Errorf("blocked hook calls = %q", blocked)
	}
}

func TestBridge_BlockedAcrossMessages(t *testing.T) {
	h := newHarness(t)
	_, conn, proc := h.start(t, "alice")

	for _, part := range []string{"cat ", "../", "secret", "\r"} {
		conn.sendJSON(t, Inbound{Type: MsgInput, Data: part})
	}
	conn.expect(t, MsgOutput)
	waitFor(t, "interrupt", func() bool { return strings.HasSuffix(proc.Input(), "\x03") })
	if strings.Contains(proc.Input(), "\r") {
		t.Errorf("terminator leaked to shell: %q", proc.Input())
	}

	conn.sendJSON(t, Inbound{Type: MsgInput, Data: "ls\r"})
	waitFor(t, "next line", func() bool { return strings.HasSuffix(proc.Input(), "ls\r") })
}

func TestBridge_BlockedTabSeparatedPaste(t *testing.T) {
	h := newHarness(t)
	_, conn, proc := h.start(t, "alice")

	conn.sendJSON(t, Inbound{Type: MsgInput, Data: "\x1b[200~rm\t-rf\t../bob\x1b[201~\r"})
	warn := conn.expect(t, MsgOutput)
	if !strings.Contains(warn.Data, "Command blocked") {
		t.Errorf("warning output = %q", warn.Data)
	}
	waitFor(t, "interrupt", func() bool { return strings.HasSuffix(proc.Input(), "\x03") })
	if got := proc.Input(); got != "\x1b[200~rm\t-rf\t../bob\x1b[201~\x03" {
		t.Errorf("shell input = %q, want pasted line followed by interrupt", got)
	}
	if len(h.notifier.Users()) != 0 {
		t.Error("blocked line must not trigger a sync")
	}
}

func TestBridge_InputTooLarge(t *testing.T) {
	h := newHarness(t)
	_, conn, proc := h.start(t, "alice")

	conn.sendBinary(strings.Repeat("x", MaxInputMessageSize+1))
	msg := conn.expect(t, MsgError)
	if msg.Fatal == nil || *msg.Fatal {
		t.Errorf("oversized input should be non-fatal, got %+v", msg)
	}
	if proc.Input() != "" {
		t.Error("oversized input reached the shell")
	}
}

func TestBridge_Resize(t *testing.T) {
	h := newHarness(t)
	s, conn, proc := h.start(t, "alice")

	conn.sendJSON(t, Inbound{Type: MsgResize, Cols: 900, Rows: 50})
	waitFor(t, "resize", func() bool {
		c, r := proc.Size()
		return c == MaxTermCols && r == 50
	})
	waitFor(t, "session size", func() bool {
		info := s.Info()
		return info.Cols == MaxTermCols && info.Rows == 50
	})
}

func TestBridge_SyncMessage(t *testing.T) {
	h := newHarness(t)
	_, conn := h.attach(t, "alice")

	conn.sendJSON(t, Inbound{Type: MsgSync})
	conn.expect(t, MsgSyncStarted)
	if got := h.sync.Requests(); len(got) != 1 || got[0] != "alice" {
		t.Errorf("sync requests = %v, want [alice]", got)
	}
}

func TestBridge_ChannelCloseTerminates(t *testing.T) {
	h := newHarness(t)
	s, conn, proc := h.start(t, "alice")

	close(conn.in)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not destroyed after channel close")
	}
	if !proc.Killed() {
		t.Error("process not killed")
	}
	if reason := s.Info().EndReason; reason != ReasonDisconnected {
		t.Errorf("end reason = %q, want %q", reason, ReasonDisconnected)
	}
}

func TestBridge_InactivityTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SessionTimeout = 150 * time.Millisecond })
	s, conn, proc := h.start(t, "alice")

	// Input keeps the session alive past the original deadline.
	for i := 0; i < 3; i++ {
		time.Sleep(75 * time.Millisecond)
		conn.sendBinary("x")
	}
	if s.Status() != StatusActive {
		t.Fatal("session timed out despite input")
	}

	msg := conn.expect(t, MsgError)
	if msg.Message != "session timed out" {
		t.Errorf("message = %q, want session timed out", msg.Message)
	}
	conn.waitClosed(t)
	if !proc.Killed() {
		t.Error("process not killed on timeout")
	}
	if reason := s.Info().EndReason; reason != ReasonTimeout {
		t.Errorf("end reason = %q, want %q", reason, ReasonTimeout)
	}
}

func TestBridge_SpawnError(t *testing.T) {
	h := newHarness(t)
	h.spawner.err = errors.New("no such shell")
	s, conn := h.attach(t, "alice")

	conn.sendJSON(t, Inbound{Type: MsgStart})
	msg := conn.expect(t, MsgError)
	if msg.Fatal == nil || !*msg.Fatal {
		t.Errorf("spawn failure should be fatal, got %+v", msg)
	}
	if !strings.Contains(msg.Message, "no such shell") {
		t.Errorf("message = %q", msg.Message)
	}
	conn.waitClosed(t)
	if s.Status() != StatusDestroyed {
		t.Errorf("status = %s, want destroyed", s.Status())
	}
}

func TestBridge_SplitUTF8Output(t *testing.T) {
	h := newHarness(t)
	_, conn, proc := h.start(t, "alice")

	euro := "€" // 3 bytes
	proc.emit("a" + euro[:1])
	if got := conn.expect(t, MsgOutput).Data; got != "a" {
		t.Errorf("first chunk = %q, want %q", got, "a")
	}
	proc.emit(euro[1:] + "b")
	if got := conn.expect(t, MsgOutput).Data; got != euro+"b" {
		t.Errorf("second chunk = %q, want %q", got, euro+"b")
	}
}
