package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/l-papantoniou/api-gateway/pkg/logger"
	"github.com/l-papantoniou/api-gateway/pkg/types"
)

// BucketConfig holds the token bucket parameters for a route. Immutable once
// constructed. Obtain instances through Engine.Config so that identical
// parameter tuples share one cached value.
type BucketConfig struct {
	Capacity     int64
	RefillAmount int64
	RefillPeriod time.Duration
}

// ratePerSecond returns the continuous refill rate in tokens per second
func (c *BucketConfig) ratePerSecond() float64 {
	return float64(c.RefillAmount) / c.RefillPeriod.Seconds()
}

// Decision is the outcome of an admission check
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
	// RetryAfter is the time until the next token accrues. Only meaningful
	// when the request was denied.
	RetryAfter time.Duration
}

// Engine implements the token bucket algorithm over a shared BucketStore.
// Every check is a read-compute-CAS cycle with a bounded number of retries,
// so the decrement is atomic across all gateway instances without any
// in-process lock.
type Engine struct {
	store      BucketStore
	configs    sync.Map
	maxRetries int
	ttlMargin  time.Duration
	logger     *logger.Logger
	now        func() time.Time
}

// NewEngine creates a new rate limit engine
func NewEngine(store BucketStore, maxRetries int, ttlMargin time.Duration, log *logger.Logger) *Engine {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if ttlMargin <= 0 {
		ttlMargin = 10 * time.Minute
	}

	return &Engine{
		store:      store,
		maxRetries: maxRetries,
		ttlMargin:  ttlMargin,
		logger:     log,
		now:        time.Now,
	}
}

// Config returns the bucket configuration for the given parameter tuple.
// Configurations are cached for the process lifetime; two requests with
// identical parameters always share the same configuration value.
func (e *Engine) Config(capacity, refillAmount int64, refillPeriod time.Duration) (*BucketConfig, error) {
	if capacity <= 0 || refillAmount <= 0 || refillPeriod <= 0 {
		return nil, fmt.Errorf("capacity, refill amount and refill period must be greater than 0")
	}

	cacheKey := fmt.Sprintf("%d:%d:%d", capacity, refillAmount, refillPeriod)
	if cached, ok := e.configs.Load(cacheKey); ok {
		return cached.(*BucketConfig), nil
	}

	cfg := &BucketConfig{
		Capacity:     capacity,
		RefillAmount: refillAmount,
		RefillPeriod: refillPeriod,
	}
	// Concurrent population is idempotent; losing one of two racing configs
	// is fine, LoadOrStore keeps whichever landed first.
	actual, _ := e.configs.LoadOrStore(cacheKey, cfg)
	return actual.(*BucketConfig), nil
}

// Check attempts to consume one token from the bucket identified by key.
// Buckets are created lazily at full capacity on first use. Exhausting the
// retry budget, whether through store failures or CAS contention, reports the
// rate limiter as unavailable; the caller decides the fail-open/fail-closed
// policy.
func (e *Engine) Check(ctx context.Context, key string, cfg *BucketConfig) (Decision, error) {
	var lastErr error

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		current, found, err := e.store.Get(ctx, key)
		if err != nil {
			lastErr = err
			continue
		}

		now := e.now()
		var expected *BucketState
		var state BucketState
		if found {
			snapshot := current
			expected = &snapshot
			state = refill(current, cfg, now)
		} else {
			state = BucketState{Tokens: float64(cfg.Capacity), LastRefill: now}
		}

		if state.Tokens < 1 {
			// A denied check consumes nothing, so there is nothing to
			// write back; accrual is recomputed from the stored state on
			// the next check.
			return e.decision(state, cfg, now, false), nil
		}

		state.Tokens--
		swapped, err := e.store.CompareAndSet(ctx, key, expected, state, e.bucketTTL(cfg))
		if err != nil {
			lastErr = err
			continue
		}
		if !swapped {
			// Another caller won the race for this key; re-read and retry.
			continue
		}

		return e.decision(state, cfg, now, true), nil
	}

	e.logger.WithComponent("ratelimit").WithError(lastErr).
		WithField("bucket_key", key).Error("Bucket check exhausted retries")

	return Decision{}, types.NewUnavailableError(types.ErrCodeRateLimiterUnavailable,
		"Rate limiter unavailable", lastErr)
}

// Remaining reports the tokens currently available for key without consuming
// any. Best effort: it can race with concurrent checks on the same key and is
// advisory only.
func (e *Engine) Remaining(ctx context.Context, key string, cfg *BucketConfig) (int64, error) {
	current, found, err := e.store.Get(ctx, key)
	if err != nil {
		return 0, types.NewUnavailableError(types.ErrCodeRateLimiterUnavailable,
			"Rate limiter unavailable", err)
	}
	if !found {
		return cfg.Capacity, nil
	}

	state := refill(current, cfg, e.now())
	return int64(state.Tokens), nil
}

// Ping checks connectivity to the underlying store
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// bucketTTL is the idle lifetime requested for bucket state: the time needed
// to refill from empty to full, plus a margin.
func (e *Engine) bucketTTL(cfg *BucketConfig) time.Duration {
	periods := (cfg.Capacity + cfg.RefillAmount - 1) / cfg.RefillAmount
	return time.Duration(periods)*cfg.RefillPeriod + e.ttlMargin
}

// refill applies continuous token accrual for the time elapsed since the last
// refill, capped at capacity
func refill(state BucketState, cfg *BucketConfig, now time.Time) BucketState {
	elapsed := now.Sub(state.LastRefill)
	if elapsed <= 0 {
		return state
	}

	tokens := state.Tokens + elapsed.Seconds()*cfg.ratePerSecond()
	if tokens > float64(cfg.Capacity) {
		tokens = float64(cfg.Capacity)
	}
	return BucketState{Tokens: tokens, LastRefill: now}
}

// decision builds the admission outcome from the post-check bucket state
func (e *Engine) decision(state BucketState, cfg *BucketConfig, now time.Time, allowed bool) Decision {
	rate := cfg.ratePerSecond()

	deficit := float64(cfg.Capacity) - state.Tokens
	if deficit < 0 {
		deficit = 0
	}

	d := Decision{
		Allowed:   allowed,
		Limit:     cfg.Capacity,
		Remaining: int64(state.Tokens),
		ResetAt:   now.Add(time.Duration(deficit / rate * float64(time.Second))),
	}

	if !allowed {
		need := 1 - state.Tokens
		if need < 0 {
			need = 0
		}
		d.RetryAfter = time.Duration(need / rate * float64(time.Second))
	}

	return d
}

// IsUnavailable reports whether err marks the rate limiter as unreachable
func IsUnavailable(err error) bool {
	var gatewayErr *types.GatewayError
	return errors.As(err, &gatewayErr) && gatewayErr.Type == types.ErrorTypeUnavailable
}
