// Package locks provides per-key mutual exclusion. Booking and cancellation hold
// the lock for their table; the availability sweep holds a single run lock.
package locks

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired is returned by TryAcquire when the key is already held.
var ErrNotAcquired = errors.New("locks: lock is held elsewhere")

// Release gives up a held lock.
type Release func()

// Locker serializes work per key.
type Locker interface {
	// Acquire blocks until the key is held or ctx is done.
	Acquire(ctx context.Context, key string) (Release, error)
	// TryAcquire takes the key only if it is free, returning ErrNotAcquired otherwise.
	TryAcquire(ctx context.Context, key string) (Release, error)
}

// LocalLocker is an in-process keyed mutex. Entries are reference counted so
// idle keys do not accumulate.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	token chan struct{}
	refs  int
}

// NewLocalLocker constructs an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (Release, error) {
	s := l.ref(key)
	select {
	case s.token <- struct{}{}:
		return l.releaser(key, s), nil
	case <-ctx.Done():
		l.unref(key, s)
		return nil, ctx.Err()
	}
}

// TryAcquire implements Locker.
func (l *LocalLocker) TryAcquire(_ context.Context, key string) (Release, error) {
	s := l.ref(key)
	select {
	case s.token <- struct{}{}:
		return l.releaser(key, s), nil
	default:
		l.unref(key, s)
		return nil, ErrNotAcquired
	}
}

func (l *LocalLocker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{token: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *LocalLocker) releaser(key string, s *slot) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.token
			l.unref(key, s)
		})
	}
}

// held reports the number of keys currently tracked; used by tests.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
