package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key the RedisQueue touches.
const DefaultKeyPrefix = "mailq:"

// RedisQueue is a durable Queue backed by Redis. Waiting entries live in a
// sorted set scored by not-before milliseconds; each member is prefixed with a
// zero-padded enqueue sequence so equal scores pop in FIFO order. Every state
// change is one Lua script, so exclusivity and the in-flight cap hold across
// processes sharing the same Redis. The scripts derive entry keys from the
// prefix at run time, so the queue needs a single Redis node (or a primary
// with replicas), not a cluster.
type RedisQueue struct {
	client   *goredis.Client
	prefix   string
	opts     Options
	failures chan FailureEvent
}

// NewRedisQueue creates a queue on top of an existing Redis client
func NewRedisQueue(client *goredis.Client, prefix string, opts Options) *RedisQueue {
	opts = opts.withDefaults()
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisQueue{
		client:   client,
		prefix:   prefix,
		opts:     opts,
		failures: make(chan FailureEvent, opts.FailureBuffer),
	}
}

func (q *RedisQueue) entryPrefix() string       { return q.prefix + "entry:" }
func (q *RedisQueue) entryKey(id string) string { return q.entryPrefix() + id }
func (q *RedisQueue) waitingKey() string        { return q.prefix + "waiting" }
func (q *RedisQueue) inFlightKey() string       { return q.prefix + "inflight" }
func (q *RedisQueue) failedKey() string         { return q.prefix + "failed" }
func (q *RedisQueue) seqKey() string            { return q.prefix + "seq" }

func (q *RedisQueue) Enqueue(ctx context.Context, id string, payload Payload, delay time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispatch/redis: marshal payload: %w", err)
	}

	seq, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("dispatch/redis: next sequence: %w", err)
	}

	now := q.opts.Clock()
	notBefore := now.Add(nonNegative(delay)).UnixMilli()
	member := fmt.Sprintf("%020d|%s", seq, id)

	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.entryKey(id), q.waitingKey()},
		member, string(body), notBefore, now.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("dispatch/redis: enqueue: %w", err)
	}
	if created == 0 {
		return ErrDuplicateID
	}
	return nil
}

func (q *RedisQueue) DequeueReady(ctx context.Context, consumer string) (*Entry, error) {
	now := q.opts.Clock().UnixMilli()

	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.waitingKey(), q.inFlightKey()},
		now, q.opts.MaxInFlight, q.entryPrefix(), consumer,
	).Slice()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dispatch/redis: dequeue: %w", err)
	}
	if len(res) != 5 {
		return nil, fmt.Errorf("dispatch/redis: dequeue: unexpected reply length %d", len(res))
	}

	entry := &Entry{ID: asString(res[0])}
	if err := json.Unmarshal([]byte(asString(res[1])), &entry.Payload); err != nil {
		return nil, fmt.Errorf("dispatch/redis: decode payload for %s: %w", entry.ID, err)
	}
	entry.AttemptsMade, _ = strconv.Atoi(asString(res[2]))
	if ms, err := strconv.ParseInt(asString(res[3]), 10, 64); err == nil {
		entry.NotBefore = time.UnixMilli(ms)
	}
	entry.DeliveredMessageID = asString(res[4])
	return entry, nil
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	removed, err := ackScript.Run(ctx, q.client,
		[]string{q.entryKey(id), q.inFlightKey(), q.waitingKey(), q.failedKey()},
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("dispatch/redis: ack: %w", err)
	}
	if removed == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (q *RedisQueue) Requeue(ctx context.Context, id string, delay time.Duration) error {
	notBefore := q.opts.Clock().Add(nonNegative(delay)).UnixMilli()

	moved, err := requeueScript.Run(ctx, q.client,
		[]string{q.entryKey(id), q.inFlightKey(), q.waitingKey()},
		id, notBefore,
	).Int()
	if err != nil {
		return fmt.Errorf("dispatch/redis: requeue: %w", err)
	}
	if moved == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (q *RedisQueue) MarkDelivered(ctx context.Context, id string, messageID string, delay time.Duration) error {
	notBefore := q.opts.Clock().Add(nonNegative(delay)).UnixMilli()

	moved, err := markDeliveredScript.Run(ctx, q.client,
		[]string{q.entryKey(id), q.inFlightKey(), q.waitingKey()},
		id, notBefore, messageID,
	).Int()
	if err != nil {
		return fmt.Errorf("dispatch/redis: mark delivered: %w", err)
	}
	if moved == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (q *RedisQueue) RetryOrFail(ctx context.Context, id string, cause error, backoffBase time.Duration, maxAttempts int) (RetryOutcome, error) {
	now := q.opts.Clock()
	reason := causeMessage(cause)

	res, err := retryScript.Run(ctx, q.client,
		[]string{q.entryKey(id), q.inFlightKey(), q.waitingKey(), q.failedKey()},
		id, now.UnixMilli(), backoffBase.Milliseconds(), maxAttempts, reason,
	).Slice()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return RetryOutcome{}, ErrEntryNotFound
		}
		return RetryOutcome{}, fmt.Errorf("dispatch/redis: retry: %w", err)
	}
	if len(res) != 3 {
		return RetryOutcome{}, fmt.Errorf("dispatch/redis: retry: unexpected reply length %d", len(res))
	}

	attempts := int(asInt64(res[0]))
	nextRun := asInt64(res[1])
	if nextRun > 0 {
		return RetryOutcome{Attempts: attempts, NextRunAt: time.UnixMilli(nextRun)}, nil
	}

	var payload Payload
	if err := json.Unmarshal([]byte(asString(res[2])), &payload); err != nil {
		q.opts.Logger.Warn("Failed to decode payload of failed entry",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}
	emitFailure(q.failures, q.opts.Logger, FailureEvent{
		ID:       id,
		Payload:  payload,
		Attempts: attempts,
		Reason:   reason,
		FailedAt: now,
	})
	return RetryOutcome{Attempts: attempts, Terminal: true}, nil
}

func (q *RedisQueue) Cancel(ctx context.Context, id string) error {
	res, err := cancelScript.Run(ctx, q.client,
		[]string{q.entryKey(id), q.inFlightKey(), q.waitingKey()},
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("dispatch/redis: cancel: %w", err)
	}
	switch res {
	case 0:
		return ErrEntryNotFound
	case -1:
		return ErrInFlight
	}
	return nil
}

func (q *RedisQueue) Contains(ctx context.Context, id string) (bool, error) {
	n, err := q.client.Exists(ctx, q.entryKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("dispatch/redis: contains: %w", err)
	}
	return n > 0, nil
}

func (q *RedisQueue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.opts.Clock()
	cutoff := now.Add(-olderThan).UnixMilli()
	failedCutoff := int64(-1)
	if q.opts.FailedRetention > 0 {
		failedCutoff = now.Add(-q.opts.FailedRetention).UnixMilli()
	}

	n, err := reclaimScript.Run(ctx, q.client,
		[]string{q.inFlightKey(), q.waitingKey(), q.failedKey()},
		cutoff, now.UnixMilli(), q.entryPrefix(), failedCutoff,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("dispatch/redis: reclaim: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	now := strconv.FormatInt(q.opts.Clock().UnixMilli(), 10)

	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.waitingKey())
	ready := pipe.ZCount(ctx, q.waitingKey(), "-inf", now)
	inFlight := pipe.ZCard(ctx, q.inFlightKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("dispatch/redis: stats: %w", err)
	}

	return Stats{
		Waiting:  waiting.Val(),
		Ready:    ready.Val(),
		InFlight: inFlight.Val(),
		Failed:   failed.Val(),
	}, nil
}

func (q *RedisQueue) Failures() <-chan FailureEvent {
	return q.failures
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
