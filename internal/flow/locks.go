package flow

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a transition could not acquire the
// contact's serialization lock within the engine's wait budget. The event is
// safe to redeliver: nothing was committed or logged for it.
var ErrLockTimeout = errors.New("timed out waiting for contact lock")

type contactLock struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

// lockRegistry serializes transitions per contact. Locks are created on
// demand and removed once the last waiter releases, so the map stays
// proportional to in-flight contacts rather than all contacts ever seen.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*contactLock
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*contactLock)}
}

// acquire blocks until the contact's lock is free, the wait budget elapses,
// or ctx is cancelled. On success the returned release func must be called
// exactly once.
func (r *lockRegistry) acquire(ctx context.Context, contactID string, wait time.Duration) (func(), error) {
	r.mu.Lock()
	l, ok := r.locks[contactID]
	if !ok {
		l = &contactLock{ch: make(chan struct{}, 1)}
		l.ch <- struct{}{}
		r.locks[contactID] = l
	}
	l.refs++
	r.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-l.ch:
		return func() {
			l.ch <- struct{}{}
			r.put(contactID, l)
		}, nil
	case <-timer.C:
		r.put(contactID, l)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		r.put(contactID, l)
		return nil, ctx.Err()
	}
}

func (r *lockRegistry) put(contactID string, l *contactLock) {
	r.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, contactID)
	}
	r.mu.Unlock()
}
