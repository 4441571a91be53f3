// Package lock provides the fleet-wide execution lease used by the
// reconciliation loop.
package lock

import (
	"context"
	"sync"
	"time"
)

// Locker hands out exclusive, non-blocking leases.
type Locker interface {
	// TryAcquire attempts to take the lease for key. acquired is false, with
	// a nil error, when someone else holds it. The lease context is derived
	// from ctx and is cancelled on release or as soon as the holder can no
	// longer vouch for the lease; work done under the lease must use it. The
	// returned release is safe to call more than once. A holder that dies
	// without releasing loses the lease after ttl.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (lease context.Context, release func(), acquired bool, err error)
}

// MemoryLock is a Locker for tests and single-process deployments.
type MemoryLock struct {
	mu     sync.Mutex
	leases map[string]*memoryLease
}

type memoryLease struct {
	expires time.Time
	cancel  context.CancelFunc
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{leases: make(map[string]*memoryLease)}
}

func (l *MemoryLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (context.Context, func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if held, ok := l.leases[key]; ok {
		if held.expires.IsZero() || now.Before(held.expires) {
			return nil, nil, false, nil
		}
		// Expired and about to be retaken: the old holder has lost it.
		held.cancel()
	}
	leaseCtx, cancel := context.WithCancel(ctx)
	lease := &memoryLease{cancel: cancel}
	if ttl > 0 {
		lease.expires = now.Add(ttl)
	}
	l.leases[key] = lease

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			cancel()
			l.mu.Lock()
			defer l.mu.Unlock()
			// Only drop our own lease; it may have expired and been retaken.
			if l.leases[key] == lease {
				delete(l.leases, key)
			}
		})
	}
	return leaseCtx, release, true, nil
}
