package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"intake/pkg/sentinel"
)

// RedisCache stores inference artifacts under their content-addressed key.
// Evictions never break replay: the key can always be re-derived, a miss in
// determinism mode simply fails the stage closed.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func cacheField(key CacheKey) string {
	return "llm:cache:" + key.StableID()
}

func (c *RedisCache) Get(ctx context.Context, key CacheKey) (*InferenceArtifact, error) {
	data, err := c.client.Get(ctx, cacheField(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("inference %s: %w", key.StableID(), sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("inference cache get: %w: %w", sentinel.ErrUnavailable, err)
	}
	var art InferenceArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("inference cache decode: %w", err)
	}
	return &art, nil
}

func (c *RedisCache) Put(ctx context.Context, key CacheKey, artifact InferenceArtifact) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("inference cache encode: %w", err)
	}
	ok, err := c.client.SetNX(ctx, cacheField(key), data, c.ttl).Result()
	if err != nil {
		return fmt.Errorf("inference cache put: %w: %w", sentinel.ErrUnavailable, err)
	}
	if !ok {
		existing, err := c.Get(ctx, key)
		if err != nil {
			return err
		}
		if existing.OutputSHA256 != artifact.OutputSHA256 {
			return fmt.Errorf("inference %s: %w", key.StableID(), sentinel.ErrImmutability)
		}
	}
	return nil
}

// RedisBudget is the shared daily call counter.
type RedisBudget struct {
	client *redis.Client
	max    int
	now    func() time.Time
}

func NewRedisBudget(client *redis.Client, maxCallsPerDay int) *RedisBudget {
	return &RedisBudget{client: client, max: maxCallsPerDay, now: time.Now}
}

func (b *RedisBudget) key() string {
	return "llm:budget:" + b.now().UTC().Format("2006-01-02")
}

func (b *RedisBudget) Allow(ctx context.Context) (bool, error) {
	if b.max <= 0 {
		return false, nil
	}
	spent, err := b.client.Get(ctx, b.key()).Int()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("llm budget read: %w: %w", sentinel.ErrUnavailable, err)
	}
	return spent < b.max, nil
}

func (b *RedisBudget) Consume(ctx context.Context) error {
	key := b.key()
	pipe := b.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("llm budget consume: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}
