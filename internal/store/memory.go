package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the janitor drops expired entries.
const DefaultSweepInterval = time.Minute

type memoryEntry struct {
	value    []byte
	expireAt time.Time
}

// Memory is an in-process Store: a map behind a mutex.
//
// Expired entries are treated as absent on every read, so the janitor only
// exists to bound memory; correctness doesn't depend on when it runs.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time

	sweepEvery time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces time.Now. Tests use it to step over window
// boundaries without sleeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithSweepInterval sets how often expired entries are dropped. Zero
// disables the janitor.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.sweepEvery = d
	}
}

// NewMemory creates a Memory store and starts its janitor goroutine.
// Call Close to stop it.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:    make(map[string]*memoryEntry),
		now:        time.Now,
		sweepEvery: DefaultSweepInterval,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.sweepEvery > 0 {
		go m.janitor()
	}
	return m
}

// live returns the entry at key if it exists and hasn't expired.
// The caller must hold m.mu.
func (m *Memory) live(key string, now time.Time) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !now.Before(e.expireAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

// Incr implements Store. The whole read-modify-write happens under one
// lock, so concurrent callers are serialized per store.
func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e := m.live(key, now)
	if e == nil {
		m.entries[key] = &memoryEntry{value: []byte("1"), expireAt: now.Add(ttl)}
		return 1, nil
	}

	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, &Error{Op: "incr", Key: key, Err: err}
	}
	n++
	e.value = strconv.AppendInt(e.value[:0], n, 10)
	return n, nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key, m.now())
	if e == nil {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memoryEntry{value: v, expireAt: m.now().Add(ttl)}
	return nil
}

// size returns the number of entries, expired ones included until the
// next sweep.
func (m *Memory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep drops every expired entry and returns how many it removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if !now.Before(e.expireAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}

// Close stops the janitor. It is safe to call more than once.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
