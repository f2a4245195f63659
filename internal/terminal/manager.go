package terminal

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/claworc/termsync/internal/cmdfilter"
	"github.com/gluk-w/claworc/termsync/internal/logutil"
	"github.com/gluk-w/claworc/termsync/internal/workspace"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrBadToken         = errors.New("invalid session token")
	ErrAlreadyAttached  = errors.New("session already has an attached channel")
	ErrShuttingDown     = errors.New("server is shutting down")
	ErrSessionNotActive = errors.New("session is not active")
	ErrInvalidCommand   = errors.New("command must be a single line")
)

// Defaults for Options fields left zero.
const (
	DefaultSessionTimeout      = 15 * time.Minute
	DefaultShutdownSyncTimeout = 10 * time.Second
)

// TokenIssuer issues and checks channel tokens bound to a session ID.
type TokenIssuer interface {
	Issue(sessionID string) (string, error)
	Verify(token, sessionID string) error
}

// SyncRequester is the part of the sync coordinator the manager drives.
type SyncRequester interface {
	RequestSync(user string) bool
	Drain(ctx context.Context) error
}

// ActivityNotifier is told when a user submits a line that may have
// changed the workspace.
type ActivityNotifier interface {
	Notify(user string)
}

// WorkspaceWatcher watches a user's workspace while they have an active
// session. Calls are reference counted.
type WorkspaceWatcher interface {
	Watch(user string) error
	Unwatch(user string)
}

// Hooks observe session lifecycle events. Any field may be nil.
type Hooks struct {
	SessionCreated func(Info)
	SessionStarted func(Info)
	SessionEnded   func(info Info, reason string)
	CommandBlocked func(info Info, command string, v cmdfilter.Verdict)
}

// Options configures a Manager. Layout, Spawner and Filter are required.
type Options struct {
	Layout   *workspace.Layout
	Spawner  Spawner
	Filter   *cmdfilter.Filter
	Tokens   TokenIssuer
	Sync     SyncRequester
	Activity ActivityNotifier
	Watcher  WorkspaceWatcher
	Hooks    Hooks

	SessionTimeout      time.Duration
	ShutdownSyncTimeout time.Duration
}

// Manager owns every terminal session: creation, channel authorization,
// inactivity timeouts, termination and shutdown.
type Manager struct {
	opts     Options
	registry *Registry
	nowFn    func() time.Time

	mu        sync.Mutex
	closing   bool
	// dirtyGen counts changes per user; syncedGen is the count the last
	// successful sync started from.
	dirtyGen  map[string]uint64
	syncedGen map[string]uint64

	bridges sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.ShutdownSyncTimeout <= 0 {
		opts.ShutdownSyncTimeout = DefaultShutdownSyncTimeout
	}
	return &Manager{
		opts:      opts,
		registry:  NewRegistry(),
		nowFn:     time.Now,
		dirtyGen:  make(map[string]uint64),
		syncedGen: make(map[string]uint64),
	}
}

// Filter returns the command filter applied to submitted lines.
func (m *Manager) Filter() *cmdfilter.Filter { return m.opts.Filter }

// TokenTTL reports how long issued tokens stay valid when the issuer
// exposes it.
func (m *Manager) TokenTTL() time.Duration {
	if t, ok := m.opts.Tokens.(interface{ TTL() time.Duration }); ok {
		return t.TTL()
	}
	return 0
}

// CreateSession allocates a pending session for user. No process is started
// until a channel sends start.
func (m *Manager) CreateSession(user string, metadata map[string]any) (*Session, error) {
	if m.isClosing() {
		return nil, ErrShuttingDown
	}
	if err := workspace.ValidateUser(user); err != nil {
		return nil, err
	}
	dir, err := m.opts.Layout.Ensure(user)
	if err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}

	id := uuid.New().String()
	token, err := m.issueToken(id)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	s := newSession(id, user, dir, token, metadata, m.nowFn())
	s.timer = time.AfterFunc(m.opts.SessionTimeout, func() { m.expire(s) })
	m.registry.Add(s)

	log.Printf("[session-mgr] created session %s for user %s", s.ID, logutil.SanitizeForLog(user))
	if m.opts.Hooks.SessionCreated != nil {
		m.opts.Hooks.SessionCreated(s.Info())
	}
	return s, nil
}

func (m *Manager) issueToken(id string) (string, error) {
	if m.opts.Tokens == nil {
		return uuid.New().String(), nil
	}
	return m.opts.Tokens.Issue(id)
}

// Authorize checks a channel's credentials without attaching it.
func (m *Manager) Authorize(sessionID, token string) (*Session, error) {
	if m.isClosing() {
		return nil, ErrShuttingDown
	}
	s, ok := m.registry.Get(sessionID)
	if !ok || s.Status() == StatusDestroyed {
		return nil, ErrSessionNotFound
	}
	if m.opts.Tokens != nil {
		if err := m.opts.Tokens.Verify(token, sessionID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
		}
	} else if subtle.ConstantTimeCompare([]byte(token), []byte(s.Token)) != 1 {
		return nil, ErrBadToken
	}
	return s, nil
}

// Attach authorizes a channel and binds it to the session. The caller must
// run the returned bridge.
func (m *Manager) Attach(sessionID, token string, conn Conn) (*Bridge, error) {
	s, err := m.Authorize(sessionID, token)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDestroyed {
		return nil, ErrSessionNotFound
	}
	if s.attached {
		return nil, ErrAlreadyAttached
	}
	s.attached = true
	b := newBridge(m, s, conn)
	s.bridge = b
	m.bridges.Add(1)
	log.Printf("[session-mgr] channel attached to session %s", s.ID)
	return b, nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sessionID string) (Info, error) {
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return Info{}, ErrSessionNotFound
	}
	return s.Info(), nil
}

// List returns snapshots of all sessions ordered by creation time.
func (m *Manager) List() []Info {
	sessions := m.registry.List()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int { return m.registry.Count() }

// ActiveCount returns the number of sessions with a running shell.
func (m *Manager) ActiveCount() int {
	n := 0
	for _, s := range m.registry.List() {
		if s.Status() == StatusActive {
			n++
		}
	}
	return n
}

// Terminate destroys a session. Terminating an unknown or already destroyed
// session is not an error.
func (m *Manager) Terminate(sessionID string) {
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return
	}
	m.terminate(s, ReasonTerminated)
}

// terminate stops the timer, kills the process and removes the session, in
// that order. It reports whether this call performed the teardown.
func (m *Manager) terminate(s *Session, reason string) bool {
	s.mu.Lock()
	if s.status == StatusDestroyed {
		s.mu.Unlock()
		return false
	}
	wasActive := s.status == StatusActive
	s.status = StatusDestroyed
	s.endReason = reason
	if s.timer != nil {
		s.timer.Stop()
	}
	b := s.bridge
	s.mu.Unlock()

	if b != nil {
		b.killProcess()
	}
	close(s.done)
	m.registry.Remove(s.ID)
	if wasActive && m.opts.Watcher != nil {
		m.opts.Watcher.Unwatch(s.User)
	}

	log.Printf("[session-mgr] session %s ended (%s)", s.ID, reason)
	if m.opts.Hooks.SessionEnded != nil {
		m.opts.Hooks.SessionEnded(s.Info(), reason)
	}
	return true
}

// Execute submits a single command line to an active session as if typed,
// subject to the command filter.
func (m *Manager) Execute(ctx context.Context, sessionID, command string) error {
	if strings.ContainsAny(command, "\r\n") {
		return ErrInvalidCommand
	}
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	b := s.activeBridge()
	if b == nil || s.Status() != StatusActive {
		return ErrSessionNotActive
	}

	reply := make(chan error, 1)
	if !b.post(event{kind: evExecute, command: command, reply: reply}) {
		return ErrSessionNotActive
	}
	select {
	case err := <-reply:
		return err
	case <-b.done:
		return ErrSessionNotActive
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkDirty records that user's workspace may have unsynced changes.
func (m *Manager) MarkDirty(user string) {
	m.mu.Lock()
	m.dirtyGen[user]++
	m.mu.Unlock()
}

// DirtyGeneration returns the change count for user. Capture it before a
// sync starts and hand it to MarkSynced once the sync succeeds.
func (m *Manager) DirtyGeneration(user string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirtyGen[user]
}

// MarkSynced records that a sync covered every change up to gen. Changes
// marked after gen was captured keep the workspace dirty.
func (m *Manager) MarkSynced(user string, gen uint64) {
	m.mu.Lock()
	if gen > m.syncedGen[user] {
		m.syncedGen[user] = gen
	}
	m.mu.Unlock()
}

// Dirty reports whether user has changes not yet covered by a sync.
func (m *Manager) Dirty(user string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirtyGen[user] > m.syncedGen[user]
}

// Sweep destroys sessions idle for more than twice the session timeout.
// Timers normally handle this; Sweep catches sessions whose timer was lost.
func (m *Manager) Sweep() int {
	cutoff := m.nowFn().Add(-2 * m.opts.SessionTimeout)
	n := 0
	for _, s := range m.registry.List() {
		if s.Info().LastActivity.Before(cutoff) && m.terminate(s, ReasonSwept) {
			n++
		}
	}
	if n > 0 {
		log.Printf("[session-mgr] swept %d stale session(s)", n)
	}
	return n
}

// ShutdownAll stops accepting sessions, requests a final sync for every
// user with an active session and unsynced changes, waits for syncs up to
// the shutdown sync timeout, then terminates every session.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.closing = true
	m.mu.Unlock()

	var users []string
	for _, u := range m.registry.ActiveUsers() {
		if m.Dirty(u) {
			users = append(users, u)
		}
	}

	if m.opts.Sync != nil {
		for _, u := range users {
			log.Printf("[session-mgr] final sync for %s", logutil.SanitizeForLog(u))
			m.opts.Sync.RequestSync(u)
		}
		sctx, cancel := context.WithTimeout(ctx, m.opts.ShutdownSyncTimeout)
		if err := m.opts.Sync.Drain(sctx); err != nil {
			log.Printf("[session-mgr] final sync did not finish: %v", err)
		}
		cancel()
	}

	sessions := m.registry.List()
	for _, s := range sessions {
		m.terminate(s, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.bridges.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[session-mgr] shutdown: channels still open: %v", ctx.Err())
	}
	log.Printf("[session-mgr] shutdown complete, %d session(s) terminated", len(sessions))
}

func (m *Manager) isClosing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

// expire handles the inactivity timer. An attached bridge reports the
// timeout to its client before tearing down.
func (m *Manager) expire(s *Session) {
	if b := s.activeBridge(); b != nil && b.post(event{kind: evTimeout}) {
		return
	}
	if m.terminate(s, ReasonTimeout) {
		log.Printf("[session-mgr] session %s timed out", s.ID)
	}
}

// touch records activity and restarts the inactivity timer.
func (m *Manager) touch(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = m.nowFn()
	if s.timer != nil && s.status != StatusDestroyed {
		s.timer.Reset(m.opts.SessionTimeout)
	}
}

// lineSubmitted is called for every line forwarded to a shell.
func (m *Manager) lineSubmitted(user, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	m.MarkDirty(user)
	if m.opts.Activity != nil {
		m.opts.Activity.Notify(user)
	}
}

func (m *Manager) sessionStarted(s *Session) {
	if m.opts.Watcher != nil {
		if err := m.opts.Watcher.Watch(s.User); err != nil {
			log.Printf("[session-mgr] watch workspace for %s: %v", logutil.SanitizeForLog(s.User), err)
		}
	}
	log.Printf("[session-mgr] session %s started shell in %s", s.ID, s.Dir)
	if m.opts.Hooks.SessionStarted != nil {
		m.opts.Hooks.SessionStarted(s.Info())
	}
}

func (m *Manager) commandBlocked(s *Session, line string, v cmdfilter.Verdict) {
	log.Printf("[session-mgr] blocked command in session %s (%s): %s",
		s.ID, v.Reason, logutil.SanitizeForLog(line))
	if m.opts.Hooks.CommandBlocked != nil {
		m.opts.Hooks.CommandBlocked(s.Info(), line, v)
	}
}

func (m *Manager) requestSync(user string) {
	if m.opts.Sync != nil {
		m.opts.Sync.RequestSync(user)
	}
}
