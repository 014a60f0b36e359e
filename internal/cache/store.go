package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhouzirui/z-tutor/backend/internal/metrics"
	"github.com/zhouzirui/z-tutor/backend/internal/observability"
)

const (
	defaultCooldown  = 30 * time.Second
	defaultOpTimeout = 250 * time.Millisecond
)

// Options configures a Store.
type Options struct {
	// Capacity bounds the in-process fallback map.
	Capacity int
	// Cooldown is how long the networked backend is skipped after a failure.
	Cooldown time.Duration
	// OpTimeout bounds every networked call.
	OpTimeout time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Stats is a read-only snapshot for health checks.
type Stats struct {
	Backend       string `json:"backend"`
	Connected     bool   `json:"connected"`
	LocalEntries  int    `json:"localEntries"`
	LocalCapacity int    `json:"localCapacity"`
	Hits          int64  `json:"hits"`
	Misses        int64  `json:"misses"`
	LastError     string `json:"lastError,omitempty"`
}

// Store is a TTL key/value cache backed by an optional networked backend
// with an in-process fallback. It never returns backend errors: a failing
// remote is skipped for a cool-down while the fallback serves reads and writes.
type Store struct {
	remote    Backend
	local     *MemoryBackend
	cooldown  time.Duration
	opTimeout time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu        sync.RWMutex
	downUntil time.Time
	lastErr   error

	hits   atomic.Int64
	misses atomic.Int64
}

// NewStore builds a Store. remote may be nil, in which case only the
// in-process map is used.
func NewStore(remote Backend, opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.Component("cache")
	}
	return &Store{
		remote:    remote,
		local:     NewMemoryBackend(opts.Capacity, now),
		cooldown:  cooldown,
		opTimeout: opTimeout,
		now:       now,
		logger:    logger,
		metrics:   opts.Metrics,
	}
}

// Get returns a fresh entry for key. Expired entries are misses.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool) {
	if s.remoteUsable() {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		entry, ok, err := s.remote.Get(opCtx, key)
		cancel()
		switch {
		case err != nil:
			s.markDown("get", err)
		case ok:
			s.hits.Add(1)
			return entry, true
		}
	}

	// Entries written while the remote was down live only in the fallback.
	entry, ok, _ := s.local.Get(ctx, key)
	if ok {
		s.hits.Add(1)
		return entry, true
	}
	s.misses.Add(1)
	return Entry{}, false
}

// Set stores payload under key for ttl. A non-positive ttl is ignored.
func (s *Store) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	seconds := int64(ttl / time.Second)
	if seconds <= 0 {
		return
	}
	entry := Entry{
		Key:        key,
		Payload:    append([]byte(nil), payload...),
		CreatedAt:  s.now(),
		TTLSeconds: seconds,
	}

	if s.remoteUsable() {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		err := s.remote.Set(opCtx, entry)
		cancel()
		if err == nil {
			return
		}
		s.markDown("set", err)
	}
	_ = s.local.Set(ctx, entry)
}

// DeletePattern removes keys matching a glob pattern from both backends.
func (s *Store) DeletePattern(ctx context.Context, pattern string) int {
	removed, _ := s.local.DeletePattern(ctx, pattern)
	if s.remoteUsable() {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		n, err := s.remote.DeletePattern(opCtx, pattern)
		cancel()
		if err != nil {
			s.markDown("delete", err)
		}
		removed += n
	}
	return removed
}

// Stats reports the backend in use and its connectivity. It does not probe
// the remote.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	downUntil, lastErr := s.downUntil, s.lastErr
	s.mu.RUnlock()

	st := Stats{
		Backend:       s.local.Name(),
		LocalEntries:  s.local.Len(),
		LocalCapacity: s.local.Capacity(),
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
	}
	if s.remote != nil {
		st.Backend = s.remote.Name()
		st.Connected = !s.now().Before(downUntil)
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	return st
}

// Ping probes the remote backend and clears the cool-down on success.
func (s *Store) Ping(ctx context.Context) error {
	if s.remote == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.remote.Ping(opCtx); err != nil {
		s.markDown("ping", err)
		return err
	}
	s.mu.Lock()
	s.downUntil = time.Time{}
	s.mu.Unlock()
	return nil
}

func (s *Store) remoteUsable() bool {
	if s.remote == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.now().Before(s.downUntil)
}

func (s *Store) markDown(op string, err error) {
	var backendErr *BackendError
	if !errors.As(err, &backendErr) && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("cache operation failed", "op", op, "error", err)
		return
	}
	s.mu.Lock()
	s.downUntil = s.now().Add(s.cooldown)
	s.lastErr = err
	s.mu.Unlock()

	s.metrics.CacheBackendError(op)
	s.logger.Warn("networked cache unavailable, using in-process fallback",
		"op", op, "cooldown", s.cooldown.String(), "error", err)
}
