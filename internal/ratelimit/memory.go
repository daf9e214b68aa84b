package ratelimit

import (
	"context"
	"sync"
)

// MemoryLimiter keeps hour counters in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	opts    Options
	buckets map[string]int64
}

// NewMemoryLimiter creates a process-local limiter
func NewMemoryLimiter(opts Options) *MemoryLimiter {
	return &MemoryLimiter{
		opts:    opts.withDefaults(),
		buckets: make(map[string]int64),
	}
}

func (l *MemoryLimiter) TryAdmit(_ context.Context) (Decision, error) {
	bucket, next := BucketFor(l.opts.Clock())

	l.mu.Lock()
	defer l.mu.Unlock()

	// Bucket keys sort chronologically, so anything smaller is a past hour.
	for key := range l.buckets {
		if key < bucket {
			delete(l.buckets, key)
		}
	}

	l.buckets[bucket]++
	return decide(l.buckets[bucket], l.opts.Cap, bucket, next), nil
}
