package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stratusgg/stratus/pkg/types"
)

// ExecutionStore persists execution state so status polls survive across
// requests (and, with Redis, across server restarts).
type ExecutionStore interface {
	Put(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, executionID string) (*Execution, error)
}

// executionTTL bounds how long finished executions stay queryable.
const executionTTL = 7 * 24 * time.Hour

// RedisExecutionStore keeps executions as JSON values in Redis.
type RedisExecutionStore struct {
	rdb *redis.Client
}

// NewRedisExecutionStore connects to Redis and verifies the connection.
func NewRedisExecutionStore(redisURL string) (*RedisExecutionStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("workflow: invalid redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("workflow: redis ping failed: %w", err)
	}

	return &RedisExecutionStore{rdb: rdb}, nil
}

func executionKey(id string) string { return "wfexec:" + id }

func (s *RedisExecutionStore) Put(ctx context.Context, exec *Execution) error {
	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("workflow: marshal execution: %w", err)
	}
	if err := s.rdb.Set(ctx, executionKey(exec.ID), payload, executionTTL).Err(); err != nil {
		return fmt.Errorf("workflow: store execution: %w", err)
	}
	return nil
}

func (s *RedisExecutionStore) Get(ctx context.Context, executionID string) (*Execution, error) {
	payload, err := s.rdb.Get(ctx, executionKey(executionID)).Bytes()
	if err == redis.Nil {
		return nil, &types.NotFoundError{Resource: "execution"}
	}
	if err != nil {
		return nil, fmt.Errorf("workflow: load execution: %w", err)
	}

	var exec Execution
	if err := json.Unmarshal(payload, &exec); err != nil {
		return nil, fmt.Errorf("workflow: decode execution: %w", err)
	}
	return &exec, nil
}

// Close releases the Redis connection.
func (s *RedisExecutionStore) Close() error { return s.rdb.Close() }

// MemoryExecutionStore is the fallback when no Redis is configured, and the
// store used by tests.
type MemoryExecutionStore struct {
	mu    sync.RWMutex
	execs map[string]Execution
}

// NewMemoryExecutionStore creates an empty in-memory store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{execs: make(map[string]Execution)}
}

func (s *MemoryExecutionStore) Put(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ID] = *exec
	return nil
}

func (s *MemoryExecutionStore) Get(ctx context.Context, executionID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return nil, &types.NotFoundError{Resource: "execution"}
	}
	return &exec, nil
}
