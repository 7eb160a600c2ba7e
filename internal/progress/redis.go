package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "pacer:progress:"
	maxTxRetries     = 10
)

// RedisStore keeps progress in Redis so several processes can poll the same job.
// The cancel flag lives in its own key so the owner's writes never clobber it.
type RedisStore struct {
	client *redis.Client
	cfg    Config
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed progress store
func NewRedisStore(client *redis.Client, cfg Config, prefix string) *RedisStore {
	cfg.setDefaults()
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{
		client: client,
		cfg:    cfg,
		prefix: prefix,
		now:    time.Now,
	}
}

func (r *RedisStore) stateKey(id string) string  { return r.prefix + id }
func (r *RedisStore) cancelKey(id string) string { return r.prefix + id + ":cancel" }

// Create registers a new pending job
func (r *RedisStore) Create(ctx context.Context, id, kind string, total int) (*JobState, error) {
	state, err := newState(id, kind, total, r.now())
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal progress: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.stateKey(id), data, r.cfg.StaleAfter).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create progress: %w", err)
	}
	if !ok {
		return nil, ErrExists
	}
	return state, nil
}

// Get returns a snapshot of the job
func (r *RedisStore) Get(ctx context.Context, id string) (*JobState, error) {
	state, err := r.load(ctx, r.client, id)
	if err != nil {
		return nil, err
	}

	n, err := r.client.Exists(ctx, r.cancelKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	state.CancelRequested = n > 0
	return state, nil
}

// Update merges a partial update into the job
func (r *RedisStore) Update(ctx context.Context, id string, upd Update) error {
	return r.mutate(ctx, id, func(state *JobState) (time.Duration, error) {
		if err := apply(state, upd, r.now(), r.cfg.MaxDetails); err != nil {
			return 0, err
		}
		return r.cfg.StaleAfter, nil
	})
}

// RequestCancel flags the job for cancellation
func (r *RedisStore) RequestCancel(ctx context.Context, id string) error {
	state, err := r.load(ctx, r.client, id)
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return nil
	}
	if err := r.client.Set(ctx, r.cancelKey(id), "1", r.cfg.StaleAfter+r.cfg.Retention).Err(); err != nil {
		return fmt.Errorf("failed to set cancel flag: %w", err)
	}
	return nil
}

// CancelRequested reports whether cancellation was requested
func (r *RedisStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.stateKey(id), r.cancelKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	switch n {
	case 0:
		return false, ErrNotFound
	case 1:
		return false, nil
	default:
		return true, nil
	}
}

// Finalize moves the job to a terminal status
func (r *RedisStore) Finalize(ctx context.Context, id string, status Status, message string) (bool, error) {
	transitioned := false
	err := r.mutate(ctx, id, func(state *JobState) (time.Duration, error) {
		ok, err := finalize(state, status, message, r.now())
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errNoChange
		}
		transitioned = true
		return r.cfg.Retention, nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := r.client.Expire(ctx, r.cancelKey(id), r.cfg.Retention).Err(); err != nil {
		return transitioned, fmt.Errorf("failed to expire cancel flag: %w", err)
	}
	return transitioned, nil
}

var errNoChange = errors.New("no change")

// getter is satisfied by both the client and a WATCH transaction
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// mutate runs fn inside an optimistic transaction and stores the result with the returned TTL
func (r *RedisStore) mutate(ctx context.Context, id string, fn func(*JobState) (time.Duration, error)) error {
	key := r.stateKey(id)

	txf := func(tx *redis.Tx) error {
		state, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		ttl, err := fn(state)
		if err != nil {
			return err
		}
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to marshal progress: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("progress update for %s: too much contention", id)
}

func (r *RedisStore) load(ctx context.Context, c getter, id string) (*JobState, error) {
	data, err := c.Get(ctx, r.stateKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}

	var state JobState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return &state, nil
}
