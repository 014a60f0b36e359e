package cache

import (
	"context"
	"time"
)

// Entry is a cached payload together with its freshness window.
type Entry struct {
	Key        string    `json:"key"`
	Payload    []byte    `json:"payload"`
	CreatedAt  time.Time `json:"createdAt"`
	TTLSeconds int64     `json:"ttlSeconds"`
}

// ExpiresAt is the first instant at which the entry must no longer be served.
func (e Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(time.Duration(e.TTLSeconds) * time.Second)
}

// Expired reports whether the entry is stale at now.
func (e Entry) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return true
	}
	return !now.Before(e.ExpiresAt())
}

// Backend is a key/value store the cache can read from and write to.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, entry Entry) error
	DeletePattern(ctx context.Context, pattern string) (int, error)
	Ping(ctx context.Context) error
}
