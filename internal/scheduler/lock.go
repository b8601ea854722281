package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RunLock guards a tick so two runs never overlap. TryAcquire never waits:
// ok is false when another run holds the lock.
type RunLock interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// LocalLock serializes ticks inside one process.
type LocalLock struct {
	mu sync.Mutex
}

func (l *LocalLock) TryAcquire(context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return l.mu.Unlock, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock extends LocalLock across instances sharing one Redis. The key
// expires after ttl so a crashed holder cannot block ticks forever. While
// the holder runs, the key is pushed forward every ttl/3.
type RedisLock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	local  LocalLock
}

func NewRedisLock(client redis.UniversalClient, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: key, ttl: ttl}
}

func (l *RedisLock) TryAcquire(ctx context.Context) (func(), bool, error) {
	unlock, ok, _ := l.local.TryAcquire(ctx)
	if !ok {
		return nil, false, nil
	}

	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		unlock()
		return nil, false, err
	}
	if !acquired {
		unlock()
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.keepAlive(token, stop)
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done
		})
		defer unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			slog.Warn("failed to release scheduler lock", "key", l.key, "error", err)
		}
	}
	return release, true, nil
}

func (l *RedisLock) keepAlive(token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			held, err := extendScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				slog.Warn("failed to extend scheduler lock", "key", l.key, "error", err)
				continue
			}
			if held == 0 {
				slog.Warn("scheduler lock lost to another holder", "key", l.key)
				return
			}
		}
	}
}

var (
	_ RunLock = (*LocalLock)(nil)
	_ RunLock = (*RedisLock)(nil)
)
