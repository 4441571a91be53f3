package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// PGAdvisoryLock implements Locker with a session-level pg_try_advisory_lock.
// The lease lives as long as the dedicated connection, so the database frees
// it when the holder's process or network dies. ttl only sets how often the
// holder checks that its connection is still alive.
type PGAdvisoryLock struct {
	db *sql.DB
}

func NewPGAdvisoryLock(db *sql.DB) *PGAdvisoryLock {
	return &PGAdvisoryLock{db: db}
}

func (l *PGAdvisoryLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (context.Context, func(), bool, error) {
	lockID := hashToInt64(key)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, nil, false, fmt.Errorf("advisory lease connection for %s: %w", key, err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Close()
		return nil, nil, false, fmt.Errorf("try advisory lease %s: %w", key, err)
	}
	if !acquired {
		conn.Close()
		return nil, nil, false, nil
	}

	leaseCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go watchConn(leaseCtx, cancel, conn, key, ttl, done)

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			cancel()
			<-done
			_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockID)
			conn.Close()
		})
	}
	return leaseCtx, release, true, nil
}

// watchConn cancels the lease when the session holding the advisory lock
// stops answering; the server drops the lock along with the session.
func watchConn(ctx context.Context, lost context.CancelFunc, conn *sql.Conn, key string, ttl time.Duration, done chan<- struct{}) {
	defer close(done)
	if ttl <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("advisory lease session lost", "key", key, "err", err)
				lost()
				return
			}
		}
	}
}

// hashToInt64 maps a key onto the advisory lock id space with FNV-1a.
func hashToInt64(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}
