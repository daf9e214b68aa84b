// Package ratelimit admits sends against a fixed hourly quota shared by every
// executor. Counters are keyed by the UTC clock hour; a send is counted first
// and then checked against the cap, so denied attempts also consume a slot in
// the current bucket.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// BucketLayout formats the hour bucket key.
const BucketLayout = "2006-01-02T15"

// DefaultHourlyCap is used when Options.Cap is not set.
const DefaultHourlyCap = 20

// Decision is the result of one admission attempt.
type Decision struct {
	Admitted bool
	// Count is the bucket counter after this attempt's increment.
	Count  int64
	Bucket string
	// WaitUntil is the start of the next bucket. Only meaningful when denied.
	WaitUntil time.Time
}

// Limiter is implemented by MemoryLimiter and RedisLimiter.
type Limiter interface {
	TryAdmit(ctx context.Context) (Decision, error)
}

// Compile-time interface checks.
var (
	_ Limiter = (*MemoryLimiter)(nil)
	_ Limiter = (*RedisLimiter)(nil)
)

// Options configures both limiters.
type Options struct {
	// Cap is the number of sends admitted per hour bucket.
	Cap    int
	Clock  func() time.Time
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Cap <= 0 {
		o.Cap = DefaultHourlyCap
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// BucketFor returns the bucket key containing t and the start of the next one.
func BucketFor(t time.Time) (string, time.Time) {
	start := t.UTC().Truncate(time.Hour)
	return start.Format(BucketLayout), start.Add(time.Hour)
}

func decide(count int64, limit int, bucket string, next time.Time) Decision {
	d := Decision{
		Admitted: count <= int64(limit),
		Count:    count,
		Bucket:   bucket,
	}
	if !d.Admitted {
		d.WaitUntil = next
	}
	return d
}
