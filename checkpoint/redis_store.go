package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
}

// RedisStore persists checkpoints in Redis, suitable for distributed
// deployments. Records are stored as JSON values with a per-workflow sorted
// set indexed by timestamp, so LoadLatest is a single ZRANGE.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "flowguard:"
	}
	return &RedisStore{client: client, keyPrefix: prefix + "ckpt:"}, nil
}

// NewRedisStoreWithClient wraps an existing client; used by tests.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "flowguard:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "ckpt:"}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks store health.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) dataKey(id string) string {
	return s.keyPrefix + "data:" + id
}

func (s *RedisStore) workflowKey(workflowID string) string {
	return s.keyPrefix + "wf:" + workflowID
}

func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) (string, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}

	// SETNX keeps saves idempotent: an append-only record already present
	// is left untouched.
	set, err := s.client.SetNX(ctx, s.dataKey(cp.ID), data, 0).Result()
	if err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	if !set {
		return cp.ID, nil
	}

	if err := s.client.ZAdd(ctx, s.workflowKey(cp.WorkflowID), redis.Z{
		Score:  float64(cp.Timestamp.UnixNano()),
		Member: cp.ID,
	}).Err(); err != nil {
		return "", fmt.Errorf("index checkpoint: %w", err)
	}
	return cp.ID, nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *RedisStore) LoadLatest(ctx context.Context, workflowID string) (*Checkpoint, error) {
	ids, err := s.client.ZRevRange(ctx, s.workflowKey(workflowID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("query latest checkpoint: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return s.Load(ctx, ids[0])
}

func (s *RedisStore) List(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	ids, err := s.client.ZRange(ctx, s.workflowKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	results := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, cp)
	}
	return results, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	cp, err := s.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(id))
	pipe.ZRem(ctx, s.workflowKey(cp.WorkflowID), id)
	_, err = pipe.Exec(ctx)
	return err
}

var _ Store = (*RedisStore)(nil)
