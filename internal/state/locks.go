package state

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// lockManager provides per-key advisory locks with a bounded wait. Each key
// gets a one-slot channel semaphore so acquisition can race a timeout instead
// of blocking indefinitely.
type lockManager struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockManager() *lockManager {
	return &lockManager{
		locks: make(map[string]chan struct{}),
	}
}

// acquire takes the lock for key, waiting at most timeout. Returns
// ErrLockTimeout past the ceiling or the context error on cancellation.
func (m *lockManager) acquire(ctx context.Context, key string, timeout time.Duration) error {
	m.mu.Lock()
	ch, ok := m.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[key] = ch
	}
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: key %q after %s", ErrLockTimeout, key, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release frees the lock for key. Releasing an unheld lock is a no-op.
func (m *lockManager) release(key string) {
	m.mu.Lock()
	ch, ok := m.locks[key]
	m.mu.Unlock()

	if !ok {
		return
	}
	select {
	case <-ch:
	default:
	}
}
