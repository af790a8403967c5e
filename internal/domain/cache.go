package domain

import (
	"context"
	"time"
)

// Cache stores opportunity configuration snapshots so the hot intake path
// avoids re-reading rarely-changing rows. Supports two-phase caching:
// local LRU (Community) + Redis (Pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetOpportunitySnapshot retrieves a cached opportunity snapshot.
	GetOpportunitySnapshot(ctx context.Context, opportunityID string) (*OpportunitySnapshot, error)

	// SetOpportunitySnapshot caches an opportunity snapshot.
	SetOpportunitySnapshot(ctx context.Context, opportunityID string, snap *OpportunitySnapshot, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns the new
	// value. Used as an advisory daily-submission counter; the
	// authoritative limit check stays inside the intake transaction.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// OpportunitySnapshot is the cached view of an opportunity's verification
// configuration used by the flag engine.
type OpportunitySnapshot struct {
	OpportunityID     string                 `json:"opportunityId"`
	AutoApproveVisits bool                   `json:"autoApproveVisits"`
	FlagConfig        VerificationFlagConfig `json:"flagConfig"`
	StartDate         string                 `json:"startDate"`
	EndDate           string                 `json:"endDate"`
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
}
