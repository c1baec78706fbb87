package cleaner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ajtak/cas/ticket"
)

// RedisLocker holds leases as Redis keys so that nodes sharing a Redis
// deployment sweep one at a time.
type RedisLocker struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisLocker stores leases under keyPrefix+name.
func NewRedisLocker(client *redis.Client, keyPrefix string) *RedisLocker {
	return &RedisLocker{client: client, keyPrefix: keyPrefix}
}

// releaseScript deletes the lease only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	key := l.keyPrefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: lock %s: %v", ticket.ErrBackendUnavailable, name, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// The caller's ctx may already be done when the sweep ends.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}
