package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for the Memory backend.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// backend bundles a Store with a way to move its time forward, so the
// same tests run against both implementations.
type backend struct {
	name    string
	store   Store
	advance func(time.Duration)
}

func backends(t *testing.T) []backend {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	mem := NewMemory(WithClock(clock.Now), WithSweepInterval(0))
	t.Cleanup(func() { _ = mem.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rds := NewRedisFromClient(client, "")
	t.Cleanup(func() { _ = rds.Close() })

	return []backend{
		{name: "memory", store: mem, advance: clock.Advance},
		{name: "redis", store: rds, advance: mr.FastForward},
	}
}

func TestIncr_FixedWindow(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			for want := int64(1); want <= 3; want++ {
				n, err := b.store.Incr(ctx, "rl:a", time.Minute)
				require.NoError(t, err)
				assert.Equal(t, want, n)
			}

			// Later increments don't push the expiry out.
			b.advance(59 * time.Second)
			n, err := b.store.Incr(ctx, "rl:a", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(4), n)

			// Window over: the counter starts again at 1.
			b.advance(2 * time.Second)
			n, err = b.store.Incr(ctx, "rl:a", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestIncr_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				_, err := b.store.Incr(ctx, "rl:a", time.Minute)
				require.NoError(t, err)
			}
			n, err := b.store.Incr(ctx, "rl:b", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestIncr_Concurrent(t *testing.T) {
	ctx := context.Background()
	const workers = 50

	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			var wg sync.WaitGroup
			seen := make(chan int64, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					n, err := b.store.Incr(ctx, "rl:burst", time.Minute)
					if err == nil {
						seen <- n
					}
				}()
			}
			wg.Wait()
			close(seen)

			// Every caller must get a distinct count: 1..workers.
			got := make(map[int64]bool)
			for n := range seen {
				assert.False(t, got[n], "count %d handed out twice", n)
				got[n] = true
			}
			assert.Len(t, got, workers)
		})
	}
}

func TestGetSet(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			_, found, err := b.store.Get(ctx, "license:x")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, b.store.Set(ctx, "license:x", []byte(`{"valid":true}`), time.Hour))
			v, found, err := b.store.Get(ctx, "license:x")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, `{"valid":true}`, string(v))

			b.advance(time.Hour + time.Second)
			_, found, err = b.store.Get(ctx, "license:x")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestMemory_Sweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := NewMemory(WithClock(clock.Now), WithSweepInterval(0))
	defer m.Close()

	ctx := context.Background()
	_, _ = m.Incr(ctx, "short", time.Second)
	_ = m.Set(ctx, "long", []byte("v"), time.Hour)
	assert.Equal(t, 2, m.size())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 1, m.size())

	// Close is idempotent.
	require.NoError(t, m.Close())
}

func TestRedis_UsesPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewRedisFromClient(client, "test:")
	defer r.Close()

	_, err := r.Incr(context.Background(), "rl:abc", time.Minute)
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:rl:abc"))
	assert.Equal(t, time.Minute, mr.TTL("test:rl:abc"))
}

func TestNewRedis_PingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedis(ctx, RedisConfig{Addr: addr})
	require.Error(t, err)

	var se *Error
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, "ping", se.Op)
}
