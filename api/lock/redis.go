package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Compare-and-act scripts: a holder may only touch a key that still carries its token.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLock implements Locker with SET NX PX and a background renewal that
// keeps the lease alive while the holder runs.
type RedisLock struct {
	client *redis.Client
	log    *slog.Logger
}

func NewRedisLock(client *redis.Client, logger *slog.Logger) *RedisLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLock{client: client, log: logger}
}

// NewRedisLockFromURL parses a redis:// URL.
func NewRedisLockFromURL(rawURL string, logger *slog.Logger) (*RedisLock, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLock(redis.NewClient(opts), logger), nil
}

func (l *RedisLock) Close() error { return l.client.Close() }

func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (context.Context, func(), bool, error) {
	if ttl <= 0 {
		return nil, nil, false, fmt.Errorf("redis lease %s: ttl must be positive", key)
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, nil, false, fmt.Errorf("acquire redis lease %s: %w", key, err)
	}
	if !ok {
		return nil, nil, false, nil
	}

	leaseCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go l.renew(leaseCtx, cancel, key, token, ttl, done)

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			cancel()
			<-done
			// The caller's context may already be cancelled on shutdown.
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(relCtx, l.client, []string{key}, token).Err(); err != nil {
				l.log.Error("release redis lease failed", "key", key, "err", err)
			}
		})
	}
	return leaseCtx, release, true, nil
}

// renew extends the key every ttl/3. It cancels the lease once the key
// carries another token, or once no renewal has succeeded for a full ttl.
func (l *RedisLock) renew(ctx context.Context, lost context.CancelFunc, key, token string, ttl time.Duration, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	renewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := renewScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if time.Since(renewed) >= ttl {
					l.log.Error("redis lease expired without renewal", "key", key, "err", err)
					lost()
					return
				}
				l.log.Warn("renew redis lease failed", "key", key, "err", err)
				continue
			}
			if n == 0 {
				l.log.Error("redis lease lost", "key", key)
				lost()
				return
			}
			renewed = time.Now()
		}
	}
}
