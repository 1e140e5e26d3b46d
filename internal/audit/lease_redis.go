package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"intake/pkg/sentinel"
)

// RedisLease implements the per-chain lease on Redis: SET NX PX plus a
// token-checked release so a worker never releases a lease it lost.
type RedisLease struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLease(client *redis.Client, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{client: client, ttl: ttl, retry: 50 * time.Millisecond}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLease) Acquire(ctx context.Context, chainKey string) (func(), error) {
	key := "audit:lease:" + chainKey
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire chain lease: %w: %w", sentinel.ErrUnavailable, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire chain lease: %w: %w", sentinel.ErrLeaseHeld, ctx.Err())
		case <-time.After(l.retry):
		}
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, nil
}
