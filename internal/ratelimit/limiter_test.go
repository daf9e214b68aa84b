package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func limiterFactories() map[string]func(t *testing.T, opts Options) Limiter {
	return map[string]func(t *testing.T, opts Options) Limiter{
		"memory": func(t *testing.T, opts Options) Limiter {
			return NewMemoryLimiter(opts)
		},
		"redis": func(t *testing.T, opts Options) Limiter {
			mr := miniredis.RunT(t)
			client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisLimiter(client, "", opts)
		},
	}
}

func TestBucketFor(t *testing.T) {
	tests := []struct {
		name       string
		at         time.Time
		wantBucket string
		wantNext   time.Time
	}{
		{
			name:       "middle of hour",
			at:         time.Date(2026, 3, 1, 10, 37, 12, 0, time.UTC),
			wantBucket: "2026-03-01T10",
			wantNext:   time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		},
		{
			name:       "exact hour boundary",
			at:         time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
			wantBucket: "2026-03-01T11",
			wantNext:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			name:       "day rollover",
			at:         time.Date(2026, 3, 1, 23, 59, 59, 0, time.UTC),
			wantBucket: "2026-03-01T23",
			wantNext:   time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name:       "non-utc input",
			at:         time.Date(2026, 3, 1, 12, 30, 0, 0, time.FixedZone("UTC+2", 2*60*60)),
			wantBucket: "2026-03-01T10",
			wantNext:   time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, next := BucketFor(tt.at)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.True(t, tt.wantNext.Equal(next), "next = %s", next)
		})
	}
}

func TestLimiter_Contract(t *testing.T) {
	for name, factory := range limiterFactories() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("admits up to cap then denies until next hour", func(t *testing.T) {
				clock := &testClock{now: time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)}
				l := factory(t, Options{Cap: 3, Clock: clock.Now})
				ctx := context.Background()

				for i := 1; i <= 3; i++ {
					d, err := l.TryAdmit(ctx)
					require.NoError(t, err)
					assert.True(t, d.Admitted, "attempt %d", i)
					assert.Equal(t, int64(i), d.Count)
					assert.Equal(t, "2026-03-01T10", d.Bucket)
				}

				d, err := l.TryAdmit(ctx)
				require.NoError(t, err)
				assert.False(t, d.Admitted)
				assert.Equal(t, int64(4), d.Count)
				assert.True(t, d.WaitUntil.Equal(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)))

				clock.Set(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC))
				d, err = l.TryAdmit(ctx)
				require.NoError(t, err)
				assert.True(t, d.Admitted)
				assert.Equal(t, int64(1), d.Count)
				assert.Equal(t, "2026-03-01T11", d.Bucket)
			})

			t.Run("concurrent callers never exceed cap", func(t *testing.T) {
				clock := &testClock{now: time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)}
				const limit = 20
				l := factory(t, Options{Cap: limit, Clock: clock.Now})
				ctx := context.Background()

				var (
					admitted atomic.Int64
					wg       sync.WaitGroup
				)
				for i := 0; i < limit+1; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						d, err := l.TryAdmit(ctx)
						if err != nil {
							t.Errorf("admit: %v", err)
							return
						}
						if d.Admitted {
							admitted.Add(1)
						}
					}()
				}
				wg.Wait()

				assert.Equal(t, int64(limit), admitted.Load())
			})

			t.Run("default cap is twenty", func(t *testing.T) {
				clock := &testClock{now: time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)}
				l := factory(t, Options{Clock: clock.Now})
				ctx := context.Background()

				for i := 0; i < DefaultHourlyCap; i++ {
					d, err := l.TryAdmit(ctx)
					require.NoError(t, err)
					require.True(t, d.Admitted)
				}
				d, err := l.TryAdmit(ctx)
				require.NoError(t, err)
				assert.False(t, d.Admitted)
			})
		})
	}
}

func TestRedisLimiter_SetsBucketExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := &testClock{now: time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)}
	l := NewRedisLimiter(client, "rl:", Options{Cap: 5, Clock: clock.Now})

	_, err := l.TryAdmit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "1", mustGet(t, mr, "rl:2026-03-01T10"))
	assert.Equal(t, time.Hour, mr.TTL("rl:2026-03-01T10"))

	mr.FastForward(time.Hour)
	assert.False(t, mr.Exists("rl:2026-03-01T10"))
}

func TestMemoryLimiter_PrunesPastBuckets(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)}
	l := NewMemoryLimiter(Options{Cap: 5, Clock: clock.Now})
	ctx := context.Background()

	_, err := l.TryAdmit(ctx)
	require.NoError(t, err)

	clock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	_, err = l.TryAdmit(ctx)
	require.NoError(t, err)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.buckets, 1)
	assert.Contains(t, l.buckets, "2026-03-01T12")
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
