package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "o1relay:slots:"
	defaultSlotTTL   = 10 * time.Minute
)

// acquireScript increments the slot counter and refreshes its expiry.
// KEYS[1] = slot key
// ARGV[1] = ttl in milliseconds
var acquireScript = goredis.NewScript(`
local n = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[1]))
return n
`)

// releaseScript decrements the slot counter and drops it at zero.
// KEYS[1] = slot key
var releaseScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
local n = redis.call("DECR", KEYS[1])
if n <= 0 then
    redis.call("DEL", KEYS[1])
    return 0
end
return n
`)

// RedisSlots shares slot counters between relay instances through Redis.
type RedisSlots struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

var _ Slots = (*RedisSlots)(nil)

// RedisOption configures RedisSlots.
type RedisOption func(*RedisSlots)

// WithKeyPrefix sets the Redis key prefix (default "o1relay:slots:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisSlots) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithSlotTTL bounds how long a slot leaked by a crashed instance survives.
func WithSlotTTL(ttl time.Duration) RedisOption {
	return func(s *RedisSlots) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewRedisSlots creates Redis-backed slots on a connected client.
func NewRedisSlots(client goredis.Cmdable, opts ...RedisOption) *RedisSlots {
	s := &RedisSlots{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		ttl:       defaultSlotTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisSlots) key(token string) string {
	return s.keyPrefix + token
}

// Acquire opens a slot for token.
func (s *RedisSlots) Acquire(ctx context.Context, token string) (int, error) {
	n, err := acquireScript.Run(ctx, s.client, []string{s.key(token)}, s.ttl.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("redis slots: acquire: %w", err)
	}
	return n, nil
}

// Release closes a slot for token.
func (s *RedisSlots) Release(ctx context.Context, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(token)}).Err(); err != nil {
		return fmt.Errorf("redis slots: release: %w", err)
	}
	return nil
}

// InFlight returns the open slots for token.
func (s *RedisSlots) InFlight(ctx context.Context, token string) (int, error) {
	n, err := s.client.Get(ctx, s.key(token)).Int()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis slots: in flight: %w", err)
	}
	return n, nil
}
