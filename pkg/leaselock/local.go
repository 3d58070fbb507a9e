package leaselock

import (
	"context"
	"sync"
)

// Local is a Locker for a single process. Waiters give up when their
// context is done.
type Local struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocal returns an empty Local.
func NewLocal() *Local {
	return &Local{locks: map[string]chan struct{}{}}
}

func (l *Local) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	for {
		l.mu.Lock()
		held, busy := l.locks[key]
		if !busy {
			held = make(chan struct{})
			l.locks[key] = held
			l.mu.Unlock()
			break
		}
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-held:
		}
	}
	defer func() {
		l.mu.Lock()
		close(l.locks[key])
		delete(l.locks, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}
