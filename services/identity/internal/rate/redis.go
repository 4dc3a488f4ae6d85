package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "identity:rl:"

// hitScript counts one hit and returns the count with the window's
// remaining milliseconds. The window opens on the first hit.
var hitScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {hits, ttl}
`)

var errBadReply = errors.New("unexpected redis reply")

// RedisLimiter shares the window counters across replicas.
type RedisLimiter struct {
	client redis.UniversalClient
	limits Limits
	window time.Duration
	prefix string
}

func NewRedisLimiter(client redis.UniversalClient, limits Limits, window time.Duration, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisLimiter{client: client, limits: limits, window: window, prefix: prefix}
}

func (l *RedisLimiter) redisKey(key Key) string { return l.prefix + key.String() }

func (l *RedisLimiter) Allow(ctx context.Context, key Key, _ time.Time) (Decision, error) {
	limit := l.limits.For(key.Scope)
	if limit <= 0 {
		return admit(-1), nil
	}
	windowMS := l.window.Milliseconds()
	if windowMS <= 0 {
		return Decision{}, fmt.Errorf("rate limit window %s too short", l.window)
	}

	reply, err := hitScript.Run(ctx, l.client, []string{l.redisKey(key)}, windowMS).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key.Scope, err)
	}
	if len(reply) != 2 {
		return Decision{}, errBadReply
	}
	hits, ttl := int(reply[0]), time.Duration(reply[1])*time.Millisecond
	if hits > limit {
		return reject(ttl), nil
	}
	return admit(limit - hits), nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key Key) error {
	return l.client.Del(ctx, l.redisKey(key)).Err()
}
