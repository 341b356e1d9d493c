package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/quillhq/ledgerguard/internal/config"
	"github.com/quillhq/ledgerguard/internal/types"
)

const (
	violationsKey = "ratelimit:violations"
	violationsCap = 100
)

// ViolationStore persists rate-limit violations for audit display.
type ViolationStore interface {
	Append(ctx context.Context, v types.Violation) error
	List(ctx context.Context) ([]types.Violation, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisStore keeps the newest violations in a capped Redis list.
type RedisStore struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg *config.RedisConfig, logger *logrus.Logger) (*RedisStore, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, logger: logger}, nil
}

// Append pushes a violation and trims the list to the audit cap.
func (r *RedisStore) Append(ctx context.Context, v types.Violation) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal violation: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, violationsKey, data)
	pipe.LTrim(ctx, violationsKey, 0, violationsCap-1)
	_, err = pipe.Exec(ctx)
	return err
}

// List returns persisted violations, newest first.
func (r *RedisStore) List(ctx context.Context) ([]types.Violation, error) {
	raw, err := r.client.LRange(ctx, violationsKey, 0, violationsCap-1).Result()
	if err != nil {
		return nil, err
	}
	violations := make([]types.Violation, 0, len(raw))
	for _, item := range raw {
		var v types.Violation
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			r.logger.Warnf("Skipping malformed violation record: %v", err)
			continue
		}
		violations = append(violations, v)
	}
	return violations, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// MemoryStore is an in-memory ViolationStore for tests and local runs
// without Redis.
type MemoryStore struct {
	mu         sync.Mutex
	violations []types.Violation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, v types.Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = append([]types.Violation{v}, m.violations...)
	if len(m.violations) > violationsCap {
		m.violations = m.violations[:violationsCap]
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]types.Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Violation, len(m.violations))
	copy(out, m.violations)
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
