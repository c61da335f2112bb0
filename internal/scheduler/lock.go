package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker grants a named lease to at most one holder at a time.
type Locker interface {
	// TryLock takes key for ttl. ok is false when another holder has it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release gives key up if token still holds it.
	Release(ctx context.Context, key, token string) error
}

// releaseScript deletes the key only while it still carries our token, so a
// lease that expired and was retaken by a peer is left alone.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLocker is a Locker on a single Redis key per lease.
type RedisLocker struct {
	client  redis.UniversalClient
	release *redis.Script
}

// NewRedisLocker creates a RedisLocker on client.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{
		client:  client,
		release: redis.NewScript(releaseScript),
	}
}

// TryLock sets key to a fresh token with SET NX and returns the token.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("scheduler: lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("scheduler: lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release deletes key if it still holds token. An empty key or token is a no-op.
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{key}, token).Err()
}
