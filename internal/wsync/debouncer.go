package wsync

import (
	"sync"
	"time"
)

type debounceState struct {
	timer     *time.Timer
	scheduled bool
	lastFire  time.Time
}

// Debouncer coalesces activity notifications into sync requests. A trigger
// fires no sooner than settle after the notification that scheduled it and
// no more often than once per quiet interval. While a trigger is scheduled
// further notifications are absorbed into it.
type Debouncer struct {
	settle time.Duration
	quiet  time.Duration
	fire   func(user string)

	mu      sync.Mutex
	users   map[string]*debounceState
	stopped bool
	now     func() time.Time
}

func NewDebouncer(settle, quiet time.Duration, fire func(user string)) *Debouncer {
	return &Debouncer{
		settle: settle,
		quiet:  quiet,
		fire:   fire,
		users:  make(map[string]*debounceState),
		now:    time.Now,
	}
}

// Notify records activity for user. It never blocks on the sync itself.
func (d *Debouncer) Notify(user string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	st, ok := d.users[user]
	if !ok {
		st = &debounceState{}
		d.users[user] = st
	}
	if st.scheduled {
		return
	}

	now := d.now()
	at := now.Add(d.settle)
	if !st.lastFire.IsZero() {
		if earliest := st.lastFire.Add(d.quiet); at.Before(earliest) {
			at = earliest
		}
	}
	st.scheduled = true
	st.timer = time.AfterFunc(at.Sub(now), func() {
		d.mu.Lock()
		if d.stopped || !st.scheduled {
			d.mu.Unlock()
			return
		}
		st.scheduled = false
		st.lastFire = d.now()
		d.mu.Unlock()
		d.fire(user)
	})
}

// Cancel drops a scheduled trigger for user.
func (d *Debouncer) Cancel(user string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.users[user]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(d.users, user)
	}
}

// Stop cancels every scheduled trigger; later notifications are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for user, st := range d.users {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(d.users, user)
	}
}
