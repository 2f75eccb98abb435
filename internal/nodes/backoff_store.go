package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BackoffState is the liveness retry schedule of one node.
type BackoffState struct {
	NodeID              string    `json:"node_id"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextRetryAt         time.Time `json:"next_retry_at"`
	LastFailureAt       time.Time `json:"last_failure_at"`
}

// BackoffStore keeps BackoffState per node. Get returns a zero state with
// ok=false when nothing is recorded.
type BackoffStore interface {
	Get(ctx context.Context, nodeID string) (BackoffState, bool, error)
	Put(ctx context.Context, state BackoffState) error
	Clear(ctx context.Context, nodeID string) error
	// Due returns states whose NextRetryAt is not after now.
	Due(ctx context.Context, now time.Time) ([]BackoffState, error)
}

type MemoryBackoffStore struct {
	mu     sync.Mutex
	states map[string]BackoffState
}

func NewMemoryBackoffStore() *MemoryBackoffStore {
	return &MemoryBackoffStore{states: make(map[string]BackoffState)}
}

func (m *MemoryBackoffStore) Get(_ context.Context, nodeID string) (BackoffState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[nodeID]
	if !ok {
		return BackoffState{NodeID: nodeID}, false, nil
	}
	return s, true, nil
}

func (m *MemoryBackoffStore) Put(_ context.Context, state BackoffState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.NodeID] = state
	return nil
}

func (m *MemoryBackoffStore) Clear(_ context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, nodeID)
	return nil
}

func (m *MemoryBackoffStore) Due(_ context.Context, now time.Time) ([]BackoffState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []BackoffState
	for _, s := range m.states {
		if !s.NextRetryAt.After(now) {
			due = append(due, s)
		}
	}
	return due, nil
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RedisBackoffStore shares backoff state between server instances. Each
// node is a JSON value under <prefix>backoff:<node_id>; a sorted set
// indexed by next retry time answers Due.
type RedisBackoffStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisBackoffStore(ctx context.Context, cfg RedisConfig) (*RedisBackoffStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "silofleet:"
	}
	return &RedisBackoffStore{rdb: rdb, prefix: prefix}, nil
}

func (r *RedisBackoffStore) key(nodeID string) string {
	return r.prefix + "backoff:" + nodeID
}

func (r *RedisBackoffStore) indexKey() string {
	return r.prefix + "backoff:due"
}

func (r *RedisBackoffStore) Get(ctx context.Context, nodeID string) (BackoffState, bool, error) {
	data, err := r.rdb.Get(ctx, r.key(nodeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return BackoffState{NodeID: nodeID}, false, nil
		}
		return BackoffState{}, false, fmt.Errorf("get backoff state: %w", err)
	}

	var s BackoffState
	if err := json.Unmarshal(data, &s); err != nil {
		return BackoffState{}, false, fmt.Errorf("decode backoff state: %w", err)
	}
	return s, true, nil
}

func (r *RedisBackoffStore) Put(ctx context.Context, state BackoffState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(state.NodeID), data, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{
			Score:  float64(state.NextRetryAt.UnixMilli()),
			Member: state.NodeID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("put backoff state: %w", err)
	}
	return nil
}

func (r *RedisBackoffStore) Clear(ctx context.Context, nodeID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(nodeID))
		pipe.ZRem(ctx, r.indexKey(), nodeID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear backoff state: %w", err)
	}
	return nil
}

func (r *RedisBackoffStore) Due(ctx context.Context, now time.Time) ([]BackoffState, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due backoff states: %w", err)
	}

	due := make([]BackoffState, 0, len(ids))
	for _, id := range ids {
		s, ok, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			due = append(due, s)
		}
	}
	return due, nil
}

func (r *RedisBackoffStore) Close() error {
	return r.rdb.Close()
}
