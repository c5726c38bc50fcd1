package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lock:"

// Only the holder's token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX. The TTL bounds how long a crashed
// holder can block others; it must exceed the longest settlement.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedis creates a Redis Locker whose keys expire after ttl.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Acquire sets key with a fresh token, retrying with backoff while another
// holder owns it. The returned Release deletes the key only if the token
// still matches.
func (r *Redis) Acquire(ctx context.Context, key string) (Release, error) {
	k := keyPrefix + key
	token := uuid.NewString()

	for attempt := 0; ; attempt++ {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			break
		}

		t := time.NewTimer(backoff(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %w", ErrNotAcquired, ctx.Err())
		}
	}

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			err = releaseScript.Run(ctx, r.client, []string{k}, token).Err()
		})
		return err
	}, nil
}
