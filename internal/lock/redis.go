package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker guards a critical section across processes.
// acquired is false when another holder owns the lock; that is not an error.
type Locker interface {
	TryAcquire(ctx context.Context) (release func(context.Context) error, acquired bool, err error)
}

// Redis is a single-key lock with an owner token and a TTL, so a crashed
// holder frees the lock once the TTL passes.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, key string, ttl time.Duration) *Redis {
	return &Redis{client: client, key: key, ttl: ttl}
}

func (l *Redis) TryAcquire(ctx context.Context) (func(context.Context) error, bool, error) {
	owner := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, owner).Err(); err != nil {
			return fmt.Errorf("release %s: %w", l.key, err)
		}
		return nil
	}
	return release, true, nil
}

// Only the owner may delete; an expired-then-retaken lock is left alone.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
