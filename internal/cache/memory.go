package cache

import (
	"context"
	"path"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCapacity = 1000

// MemoryBackend is the in-process fallback: a bounded map that evicts the
// oldest inserted entry once capacity is exceeded. Reads use Peek so lookups
// never change the eviction order.
type MemoryBackend struct {
	// mu makes check-then-remove sequences atomic; the lru is only
	// internally locked per call.
	mu       sync.Mutex
	entries  *lru.Cache[string, Entry]
	capacity int
	now      func() time.Time
}

// NewMemoryBackend returns a fallback store holding at most capacity entries.
func NewMemoryBackend(capacity int, now func() time.Time) *MemoryBackend {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	entries, err := lru.New[string, Entry](capacity)
	if err != nil {
		// lru.New only fails for non-positive sizes, guarded above.
		panic(err)
	}
	return &MemoryBackend{entries: entries, capacity: capacity, now: now}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries.Peek(key)
	if !ok {
		return Entry{}, false, nil
	}
	if entry.Expired(m.now()) {
		m.entries.Remove(key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Set stores entry as the newest insertion, replacing any previous value.
func (m *MemoryBackend) Set(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Remove(entry.Key)
	m.entries.Add(entry.Key, entry)
	return nil
}

func (m *MemoryBackend) DeletePattern(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, key := range m.entries.Keys() {
		if ok, _ := path.Match(pattern, key); ok {
			if m.entries.Remove(key) {
				removed++
			}
		}
	}
	return removed, nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

// Len returns the number of stored entries, expired ones included.
func (m *MemoryBackend) Len() int { return m.entries.Len() }

// Capacity returns the configured bound.
func (m *MemoryBackend) Capacity() int { return m.capacity }

// Keys returns keys from oldest to newest insertion.
func (m *MemoryBackend) Keys() []string { return m.entries.Keys() }
