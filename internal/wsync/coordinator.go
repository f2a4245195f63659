package wsync

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/claworc/termsync/internal/logutil"
)

// ErrClosed is returned once Drain has been called.
var ErrClosed = errors.New("sync coordinator is shutting down")

// RunFunc performs one synchronization for user.
type RunFunc func(ctx context.Context, user string) (Result, error)

// CompleteFunc observes every finished run.
type CompleteFunc func(user string, res Result, err error)

// Status is the queue state and last outcome for one user.
type Status struct {
	Running   bool       `json:"running"`
	Pending   bool       `json:"pending"`
	LastRunAt *time.Time `json:"lastRunAt"`
	LastError string     `json:"lastError,omitempty"`
	Records   int        `json:"records"`
}

type userQueue struct {
	running   bool
	pending   bool
	started   uint64
	completed uint64
	changed   chan struct{}

	lastRunAt *time.Time
	lastErr   error
	records   int
}

// Coordinator runs at most one sync per user at a time. A request made
// while a run is in progress is remembered as a single trailing run.
type Coordinator struct {
	run RunFunc

	mu         sync.Mutex
	closing    bool
	users      map[string]*userQueue
	onComplete []CompleteFunc
	wg         sync.WaitGroup
}

func NewCoordinator(run RunFunc) *Coordinator {
	return &Coordinator{run: run, users: make(map[string]*userQueue)}
}

// OnComplete registers fn to be called after every run.
func (c *Coordinator) OnComplete(fn CompleteFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onComplete = append(c.onComplete, fn)
}

func (c *Coordinator) queue(user string) *userQueue {
	q, ok := c.users[user]
	if !ok {
		q = &userQueue{changed: make(chan struct{})}
		c.users[user] = q
	}
	return q
}

// RequestSync starts a run for user, or marks one pending if a run is in
// progress. It reports whether a new run started. Requests made after
// Drain are ignored.
func (c *Coordinator) RequestSync(user string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestLocked(user)
}

func (c *Coordinator) requestLocked(user string) bool {
	if c.closing {
		return false
	}
	q := c.queue(user)
	if q.running {
		q.pending = true
		return false
	}
	q.running = true
	q.started++
	c.wg.Add(1)
	go c.loop(user, q)
	return true
}

func (c *Coordinator) loop(user string, q *userQueue) {
	defer c.wg.Done()
	for {
		// Runs are never cancelled midway.
		res, err := c.run(context.Background(), user)
		if err != nil {
			log.Printf("[sync] run failed for user=%s: %v", logutil.SanitizeForLog(user), err)
		}

		c.mu.Lock()
		now := time.Now().UTC()
		q.lastRunAt = &now
		q.lastErr = err
		if err == nil {
			q.records = res.Records
		}
		q.completed++
		close(q.changed)
		q.changed = make(chan struct{})
		hooks := append([]CompleteFunc(nil), c.onComplete...)

		again := q.pending
		if again {
			q.pending = false
			q.started++
		} else {
			q.running = false
		}
		c.mu.Unlock()

		for _, fn := range hooks {
			fn(user, res, err)
		}
		if !again {
			return
		}
	}
}

// Status returns the current queue state for user.
func (c *Coordinator) Status(user string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.users[user]
	if !ok {
		return Status{}
	}
	return q.statusLocked()
}

func (q *userQueue) statusLocked() Status {
	st := Status{Running: q.running, Pending: q.pending, LastRunAt: q.lastRunAt, Records: q.records}
	if q.lastErr != nil {
		st.LastError = q.lastErr.Error()
	}
	return st
}

// SyncAndWait requests a sync and blocks until a run that began after the
// request has finished, returning that run's error.
func (c *Coordinator) SyncAndWait(ctx context.Context, user string) (Status, error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return c.Status(user), ErrClosed
	}
	q := c.queue(user)
	target := q.started + 1
	c.requestLocked(user)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if q.completed >= target {
			st := q.statusLocked()
			err := q.lastErr
			c.mu.Unlock()
			return st, err
		}
		ch := q.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return c.Status(user), ctx.Err()
		}
	}
}

// Drain stops accepting requests and waits for every in-flight and pending
// run to finish. It may be called more than once.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
