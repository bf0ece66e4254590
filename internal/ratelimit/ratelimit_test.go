package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/howard-nolan/smartbot/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock is a manually advanced time source for the memory store.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLimiter(t *testing.T, opts ...Option) (*Limiter, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	mem := store.NewMemory(store.WithClock(c.Now), store.WithSweepInterval(0))
	t.Cleanup(func() { _ = mem.Close() })
	return New(mem, opts...), c
}

func TestAllow_DefaultLimit(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()

	for i := 1; i <= DefaultLimit; i++ {
		assert.True(t, l.Allow(ctx, "203.0.113.7"), "request %d should be admitted", i)
	}
	assert.False(t, l.Allow(ctx, "203.0.113.7"), "request 31 should be refused")
	assert.False(t, l.Allow(ctx, "203.0.113.7"))
}

func TestAllow_IdentitiesAreIndependent(t *testing.T) {
	l, _ := newLimiter(t, WithLimit(2))
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "10.0.0.1"))
	assert.True(t, l.Allow(ctx, "10.0.0.1"))
	assert.False(t, l.Allow(ctx, "10.0.0.1"))

	assert.True(t, l.Allow(ctx, "10.0.0.2"))
}

func TestAllow_WindowResets(t *testing.T) {
	l, c := newLimiter(t, WithLimit(3), WithWindow(time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow(ctx, "198.51.100.1"))
	}
	require.False(t, l.Allow(ctx, "198.51.100.1"))

	c.Advance(time.Minute + time.Second)
	assert.True(t, l.Allow(ctx, "198.51.100.1"))
}

func TestAllow_ConcurrentAdmitsExactlyLimit(t *testing.T) {
	l, _ := newLimiter(t, WithLimit(30))
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(ctx, "192.0.2.55") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(30), admitted.Load())
}

// failingStore always errors on Incr.
type failingStore struct{ store.Store }

func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestAllow_FailsOpen(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	l := New(failingStore{}, WithLogger(logger))

	assert.True(t, l.Allow(context.Background(), "192.0.2.1"))
	assert.Contains(t, buf.String(), "rate limit store unavailable")
	assert.NotContains(t, buf.String(), "192.0.2.1")
}

func TestOptionsIgnoreInvalid(t *testing.T) {
	l := New(nil, WithLimit(0), WithWindow(-time.Second))
	assert.Equal(t, DefaultLimit, l.Limit())
	assert.Equal(t, DefaultWindow, l.Window())
}

func TestIdentity(t *testing.T) {
	id := Identity("127.0.0.1")
	assert.Len(t, id, 64)
	assert.Equal(t, id, Identity("127.0.0.1"))
	assert.NotEqual(t, id, Identity("127.0.0.2"))
}
