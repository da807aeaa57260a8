package eventsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

const (
	lockKeySync   = "sync"
	lockKeyOutbox = "outbox"
)

// ErrSyncInProgress is returned when another pass holds the lock.
var ErrSyncInProgress = errors.New("sync already in progress")

// Locker guards the single-actor sections of the engine. Lock never waits: a
// held lock yields ErrSyncInProgress.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker serializes passes within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]bool{}}
}

func (l *LocalLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrSyncInProgress
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// RedisLocker serializes passes across processes sharing one redis, e.g. a
// daemon and the restore CLI on the same device.
type RedisLocker struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLocker(client *redislock.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, l.prefix+key, l.ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrSyncInProgress
		}
		return nil, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}
