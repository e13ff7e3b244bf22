package cache

import (
	"context"
	"time"
)

// Cache is the shared state replicas of the correlator agree on: realert
// claims and the latest match of every rule.
type Cache interface {
	// Claim stores value under key unless the key is already held. It
	// reports whether the claim was taken and how long the current holder
	// keeps the key.
	Claim(ctx context.Context, key, value string, ttl time.Duration) (claimed bool, remaining time.Duration, err error)

	// PutJSON stores value encoded as JSON
	PutJSON(ctx context.Context, key string, value any, ttl time.Duration) error

	// GetJSON decodes the value stored under key into dest
	GetJSON(ctx context.Context, key string, dest any) error

	Ping(ctx context.Context) error
	Close() error
}

// Key prefixes for consistent cache key naming
const (
	RealertPrefix   = "correlator:realert:"
	LastMatchPrefix = "correlator:last_match:"
)

// LastMatchTTL bounds how long the latest match of a rule stays visible
const LastMatchTTL = 7 * 24 * time.Hour

// ErrCacheKeyNotFound is returned when a cache key doesn't exist
type ErrCacheKeyNotFound struct {
	Key string
}

func (e ErrCacheKeyNotFound) Error() string {
	return "cache key not found: " + e.Key
}
