// Package lock guards reconciliation so that at most one pass runs per user.
package lock

import (
	"context"
	"sync"
)

// Locker hands out per-user exclusive leases. TryLock never waits: ok is
// false when another holder has the user.
type Locker interface {
	TryLock(ctx context.Context, userID string) (release func(), ok bool, err error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryLock takes the user's lease if it is free.
func (l *Local) TryLock(_ context.Context, userID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[userID]; busy {
		return nil, false, nil
	}
	l.held[userID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, userID)
			l.mu.Unlock()
		})
	}, true, nil
}

// Held reports whether userID is currently locked.
func (l *Local) Held(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[userID]
	return busy
}

// Chain takes the leases of every locker in order, releasing the ones already
// taken when a later one is busy or fails.
type Chain []Locker

// TryLock implements Locker.
func (c Chain) TryLock(ctx context.Context, userID string) (func(), bool, error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, l := range c {
		release, ok, err := l.TryLock(ctx, userID)
		if err != nil || !ok {
			releaseAll()
			return nil, false, err
		}
		releases = append(releases, release)
	}
	return releaseAll, true, nil
}
