package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the networked backend. Timeouts are kept short so
// an unreachable server degrades to the fallback instead of stalling requests.
type RedisOptions struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisBackend stores JSON-encoded entries in Redis.
type RedisBackend struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisBackend dials lazily; connection errors surface on first use.
func NewRedisBackend(opts RedisOptions) (*RedisBackend, error) {
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	parsed.DialTimeout = orDefault(opts.DialTimeout, 300*time.Millisecond)
	parsed.ReadTimeout = orDefault(opts.ReadTimeout, 200*time.Millisecond)
	parsed.WriteTimeout = orDefault(opts.WriteTimeout, 200*time.Millisecond)
	// No synchronous retries in the request path.
	parsed.MaxRetries = -1
	return NewRedisBackendFromClient(redis.NewClient(parsed), nil), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, now func() time.Time) *RedisBackend {
	if now == nil {
		now = time.Now
	}
	return &RedisBackend{client: client, now: now}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, &BackendError{Backend: r.Name(), Op: "get", Err: err}
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt value is a miss, not a connectivity problem.
		return Entry{}, false, nil
	}
	if entry.Expired(r.now()) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	ttl := time.Duration(entry.TTLSeconds) * time.Second
	if err := r.client.Set(ctx, entry.Key, data, ttl).Err(); err != nil {
		return &BackendError{Backend: r.Name(), Op: "set", Err: err}
	}
	return nil
}

func (r *RedisBackend) DeletePattern(ctx context.Context, pattern string) (int, error) {
	removed := 0
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		n, err := r.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return removed, &BackendError{Backend: r.Name(), Op: "del", Err: err}
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, &BackendError{Backend: r.Name(), Op: "scan", Err: err}
	}
	return removed, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return &BackendError{Backend: r.Name(), Op: "ping", Err: err}
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
