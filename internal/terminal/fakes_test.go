package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/termsync/internal/cmdfilter"
	"github.com/gluk-w/claworc/termsync/internal/workspace"
)

// fakeProcess is an in-memory shell: tests push output and exit codes and
// inspect what was written to it.
type fakeProcess struct {
	outR *io.PipeReader
	outW *io.PipeWriter
	exit chan ExitStatus

	mu     sync.Mutex
	input  strings.Builder
	cols   uint16
	rows   uint16
	killed bool

	killOnce sync.Once
	killCh   chan struct{}
}

func newFakeProcess(cols, rows uint16) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{
		outR:   r,
		outW:   w,
		exit:   make(chan ExitStatus, 1),
		cols:   cols,
		rows:   rows,
		killCh: make(chan struct{}),
	}
}

func (p *fakeProcess) Read(b []byte) (int, error) { return p.outR.Read(b) }

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.input.Write(b)
	return len(b), nil
}

func (p *fakeProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cols, p.rows = cols, rows
	return nil
}

func (p *fakeProcess) Wait() (ExitStatus, error) {
	select {
	case st := <-p.exit:
		return st, nil
	case <-p.killCh:
		return ExitStatus{Code: -1, Signal: "killed"}, nil
	}
}

func (p *fakeProcess) Kill() error {
	p.killOnce.Do(func() {
		p.mu.Lock()
		p.killed = true
		p.mu.Unlock()
		p.outW.Close()
		close(p.killCh)
	})
	return nil
}

func (p *fakeProcess) emit(s string) {
	p.outW.Write([]byte(s))
}

func (p *fakeProcess) finish(code int) {
	p.outW.Close()
	p.exit <- ExitStatus{Code: code}
}

func (p *fakeProcess) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

func (p *fakeProcess) Size() (uint16, uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

func (p *fakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeSpawner struct {
	err   error
	procs chan *fakeProcess

	mu   sync.Mutex
	opts []SpawnOptions
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{procs: make(chan *fakeProcess, 8)}
}

func (s *fakeSpawner) Spawn(opts SpawnOptions) (Process, error) {
	s.mu.Lock()
	s.opts = append(s.opts, opts)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProcess(opts.Cols, opts.Rows)
	s.procs <- p
	return p, nil
}

func (s *fakeSpawner) next(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-s.procs:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for spawn")
		return nil
	}
}

type frame struct {
	binary bool
	data   []byte
}

// fakeConn is a client channel driven by the test.
type fakeConn struct {
	in  chan frame
	out chan Outbound

	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.Mutex
	code      int
	reason    string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan frame, 16),
		out:    make(chan Outbound, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (bool, []byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return false, nil, io.EOF
		}
		return f.binary, f.data, nil
	case <-c.closed:
		return false, nil, errors.New("connection closed")
	case <-ctx.Done():
		return false, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, msg Outbound) error {
	select {
	case c.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.code, c.reason = code, reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) sendJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.in <- frame{data: data}
}

func (c *fakeConn) sendRaw(data string) {
	c.in <- frame{data: []byte(data)}
}

func (c *fakeConn) sendBinary(data string) {
	c.in <- frame{binary: true, data: []byte(data)}
}

// next returns the next outbound message.
func (c *fakeConn) next(t *testing.T) Outbound {
	t.Helper()
	select {
	case msg := <-c.out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return Outbound{}
	}
}

// expect returns the next outbound message and checks its type.
func (c *fakeConn) expect(t *testing.T, typ string) Outbound {
	t.Helper()
	msg := c.next(t)
	if msg.Type != typ {
		t.Fatalf("expected %q message, got %+v", typ, msg)
	}
	return msg
}

func (c *fakeConn) waitClosed(t *testing.T) int {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

type fakeSync struct {
	mu       sync.Mutex
	requests []string
	drains   int
}

func (s *fakeSync) RequestSync(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, user)
	return true
}

func (s *fakeSync) Drain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drains++
	return nil
}

func (s *fakeSync) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	users []string
}

func (n *fakeNotifier) Notify(user string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, user)
}

func (n *fakeNotifier) Users() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.users...)
}

type harness struct {
	mgr      *Manager
	spawner  *fakeSpawner
	sync     *fakeSync
	notifier *fakeNotifier
	layout   *workspace.Layout
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	layout, err := workspace.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	h := &harness{
		spawner:  newFakeSpawner(),
		sync:     &fakeSync{},
		notifier: &fakeNotifier{},
		layout:   layout,
	}
	opts := Options{
		Layout:   layout,
		Spawner:  h.spawner,
		Filter:   cmdfilter.New(cmdfilter.DefaultPolicy()),
		Sync:     h.sync,
		Activity: h.notifier,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	h.mgr = NewManager(opts)
	t.Cleanup(func() {
		for _, info := range h.mgr.List() {
			h.mgr.Terminate(info.ID)
		}
	})
	return h
}

// attach creates a session for user and runs a bridge on a fake channel.
func (h *harness) attach(t *testing.T, user string) (*Session, *fakeConn) {
	t.Helper()
	s, err := h.mgr.CreateSession(user, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	conn := newFakeConn()
	b, err := h.mgr.Attach(s.ID, s.Token, conn)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	go b.Run(context.Background())
	return s, conn
}

// start attaches and starts the shell, returning its fake process.
func (h *harness) start(t *testing.T, user string) (*Session, *fakeConn, *fakeProcess) {
	t.Helper()
	s, conn := h.attach(t, user)
	conn.sendJSON(t, Inbound{Type: MsgStart, Cols: 100, Rows: 30})
	proc := h.spawner.next(t)
	ready := conn.expect(t, MsgReady)
	if ready.SessionID != s.ID {
		t.Fatalf("ready sessionId = %q, want %q", ready.SessionID, s.ID)
	}
	return s, conn, proc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
