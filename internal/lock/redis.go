// Package lock provides a Redis lease that keeps a campaign dispatch loop
// single across processes.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrHeld = errors.New("lock is held by another owner")
	ErrLost = errors.New("lock is no longer owned")
)

const DefaultPrefix = "pacer:lock:"

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	refreshScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLocker hands out leases as SET NX keys with a random owner token
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// Lease is an acquired lock
type Lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// Acquire takes the lock for name or returns ErrHeld
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate lock token: %w", err)
	}
	lease := &Lease{
		client: l.client,
		key:    l.prefix + name,
		token:  hex.EncodeToString(b),
		ttl:    ttl,
	}

	ok, err := l.client.SetNX(ctx, lease.key, lease.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", lease.key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrHeld)
	}
	return lease, nil
}

// Refresh extends the lease by its ttl
func (l *Lease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

// Release drops the lease if still owned
func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Result(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}

// KeepAlive refreshes the lease every ttl/3 until ctx is done; lost is called once if ownership ends
func (l *Lease) KeepAlive(ctx context.Context, lost func(error)) {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				if lost != nil {
					lost(err)
				}
				return
			}
		}
	}
}
