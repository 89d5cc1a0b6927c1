package ratelimit

import (
	"context"
	"time"
)

// BucketState is the stored representation of a token bucket. Token counts
// are fractional because refill accrues continuously from elapsed time. The
// engine never caches BucketState across requests; the store owns it.
type BucketState struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

// Equal reports whether two states represent the same stored value
func (s BucketState) Equal(other BucketState) bool {
	return s.Tokens == other.Tokens && s.LastRefill.Equal(other.LastRefill)
}

// BucketStore is a shared atomic state store for bucket state. Implementations
// must make CompareAndSet atomic with respect to all concurrent callers,
// including callers in other gateway processes.
type BucketStore interface {
	// Get returns the current state for key. found is false when the bucket
	// does not exist (never created, or reclaimed after its idle TTL).
	Get(ctx context.Context, key string) (state BucketState, found bool, err error)

	// CompareAndSet atomically replaces the state for key with newState if
	// the stored state still equals expected, returning false on conflict.
	// A nil expected creates the key only if it is absent. ttl bounds the
	// idle lifetime of the bucket; the store reclaims it afterwards.
	CompareAndSet(ctx context.Context, key string, expected *BucketState, newState BucketState, ttl time.Duration) (bool, error)

	// Ping checks connectivity to the store
	Ping(ctx context.Context) error

	// Close releases store resources
	Close() error
}
