package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching aggregate lookups.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetAggregates retrieves a cached entity aggregate lookup.
	GetAggregates(ctx context.Context, tenantID string, customerID, merchantID string) (*EntityAggregates, error)

	// SetAggregates caches an entity aggregate lookup. Entries carry a
	// short TTL: the values are historical aggregates and a stale read is
	// an accepted consistency relaxation.
	SetAggregates(ctx context.Context, tenantID string, agg *EntityAggregates, ttl time.Duration) error

	// Flush drops all cached entries for a tenant. Called after a
	// successful aggregation pass so reads converge promptly.
	Flush(ctx context.Context, tenantID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis

	// AggregateTTL bounds how long cached aggregate lookups are served.
	AggregateTTL time.Duration
}
