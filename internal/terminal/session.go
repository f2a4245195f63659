package terminal

import (
	"slices"
	"sync"
	"time"
)

// Status is the lifecycle state of a terminal session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusDestroyed Status = "destroyed"
)

// End reasons recorded when a session is destroyed.
const (
	ReasonExited       = "exited"
	ReasonProcessError = "process_error"
	ReasonSpawnError   = "spawn_error"
	ReasonDisconnected = "disconnected"
	ReasonTimeout      = "timeout"
	ReasonTerminated   = "terminated"
	ReasonShutdown     = "shutdown"
	ReasonSwept        = "swept"
)

// Session is one user's terminal. The shell process is owned by the bridge
// attached to it; the fields here are snapshots guarded by mu.
type Session struct {
	ID        string
	User      string
	Token     string
	Dir       string
	Metadata  map[string]any
	CreatedAt time.Time

	mu           sync.Mutex
	status       Status
	attached     bool
	bridge       *Bridge
	cols, rows   uint16
	lastActivity time.Time
	endReason    string
	timer        *time.Timer
	done         chan struct{}
}

// Info is a point-in-time view of a session, safe to serialize.
type Info struct {
	ID           string         `json:"sessionId"`
	User         string         `json:"username"`
	Status       Status         `json:"status"`
	Attached     bool           `json:"attached"`
	Cols         uint16         `json:"cols,omitempty"`
	Rows         uint16         `json:"rows,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
	EndReason    string         `json:"endReason,omitempty"`
}

func newSession(id, user, dir, token string, metadata map[string]any, now time.Time) *Session {
	return &Session{
		ID:           id,
		User:         user,
		Token:        token,
		Dir:          dir,
		Metadata:     metadata,
		CreatedAt:    now,
		status:       StatusPending,
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

// Status returns the session's lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed once the session is destroyed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		User:         s.User,
		Status:       s.status,
		Attached:     s.attached,
		Cols:         s.cols,
		Rows:         s.rows,
		Metadata:     s.Metadata,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		EndReason:    s.endReason,
	}
}

func (s *Session) activeBridge() *Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDestroyed {
		return nil
	}
	return s.bridge
}

func (s *Session) endedBy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Registry holds live sessions by ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes a session and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveUsers returns the distinct users that have an active session.
func (r *Registry) ActiveUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var users []string
	for _, s := range r.sessions {
		if s.Status() != StatusActive || seen[s.User] {
			continue
		}
		seen[s.User] = true
		users = append(users, s.User)
	}
	slices.Sort(users)
	return users
}
