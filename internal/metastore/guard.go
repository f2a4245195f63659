package metastore

import (
	"context"
	"fmt"
	"sync"
)

// Guard serializes read-modify-write cycles on a user's records so the
// synchronizer and the file API never overwrite each other's changes.
type Guard struct {
	store Store

	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewGuard(store Store) *Guard {
	return &Guard{store: store, locks: make(map[string]chan struct{})}
}

func (g *Guard) Store() Store { return g.store }

// Tx is the state handed to an Update callback.
type Tx struct {
	ctx     context.Context
	store   Store
	User    string
	Records []Record
}

// Checkpoint persists the current Records without releasing the guard.
func (t *Tx) Checkpoint() error {
	if err := t.store.Save(t.ctx, t.User, t.Records); err != nil {
		return fmt.Errorf("checkpoint records: %w", err)
	}
	return nil
}

func (g *Guard) lock(ctx context.Context, user string) (func(), error) {
	g.mu.Lock()
	ch, ok := g.locks[user]
	if !ok {
		ch = make(chan struct{}, 1)
		g.locks[user] = ch
	}
	g.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Update loads user's records, runs fn and saves the result when fn
// succeeds. Concurrent updates for the same user run one at a time.
func (g *Guard) Update(ctx context.Context, user string, fn func(tx *Tx) error) error {
	unlock, err := g.lock(ctx, user)
	if err != nil {
		return err
	}
	defer unlock()

	records, err := g.store.Load(ctx, user)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	tx := &Tx{ctx: ctx, store: g.store, User: user, Records: records}
	if err := fn(tx); err != nil {
		return err
	}
	Sort(tx.Records)
	if err := g.store.Save(ctx, user, tx.Records); err != nil {
		return fmt.Errorf("save records: %w", err)
	}
	return nil
}

// View returns a consistent copy of user's records.
func (g *Guard) View(ctx context.Context, user string) ([]Record, error) {
	unlock, err := g.lock(ctx, user)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return g.store.Load(ctx, user)
}
