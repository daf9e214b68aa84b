package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces the hour counters.
const DefaultKeyPrefix = "ratelimit:email:"

// KEYS[1] bucket counter, ARGV[1] ttl ms
var admitScript = goredis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter shares hour counters between processes through Redis.
type RedisLimiter struct {
	client goredis.UniversalClient
	prefix string
	opts   Options
}

// NewRedisLimiter creates a limiter on top of an existing Redis client
func NewRedisLimiter(client goredis.UniversalClient, prefix string, opts Options) *RedisLimiter {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		opts:   opts.withDefaults(),
	}
}

func (l *RedisLimiter) TryAdmit(ctx context.Context) (Decision, error) {
	bucket, next := BucketFor(l.opts.Clock())

	count, err := admitScript.Run(ctx, l.client,
		[]string{l.prefix + bucket},
		time.Hour.Milliseconds(),
	).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit/redis: admit: %w", err)
	}

	d := decide(count, l.opts.Cap, bucket, next)
	if !d.Admitted {
		l.opts.Logger.Debug("Hourly cap reached",
			slog.String("bucket", bucket),
			slog.Int64("count", count),
			slog.Int("cap", l.opts.Cap),
		)
	}
	return d, nil
}
