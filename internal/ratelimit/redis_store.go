package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/l-papantoniou/api-gateway/pkg/logger"
)

// errCASConflict signals that the watched bucket state changed between read
// and write inside a transaction.
var errCASConflict = errors.New("bucket state changed concurrently")

// RedisStore is a BucketStore backed by Redis, shared by all gateway
// instances. CompareAndSet is an optimistic WATCH/MULTI transaction: the
// write commits only if no other client touched the key in between, which is
// what makes concurrent token consumption safe across processes.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *logger.Logger
}

// NewRedisStore creates a Redis-backed bucket store
func NewRedisStore(client *redis.Client, prefix string, log *logger.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "ratelimit"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: log,
	}, nil
}

// Get implements BucketStore
func (s *RedisStore) Get(ctx context.Context, key string) (BucketState, bool, error) {
	payload, err := s.client.Get(ctx, s.prefixedKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return BucketState{}, false, nil
	}
	if err != nil {
		return BucketState{}, false, fmt.Errorf("failed to read bucket %s: %w", key, err)
	}

	var state BucketState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return BucketState{}, false, fmt.Errorf("corrupt bucket state for %s: %w", key, err)
	}
	return state, true, nil
}

// CompareAndSet implements BucketStore
func (s *RedisStore) CompareAndSet(ctx context.Context, key string, expected *BucketState, newState BucketState, ttl time.Duration) (bool, error) {
	prefixed := s.prefixedKey(key)

	payload, err := json.Marshal(newState)
	if err != nil {
		return false, fmt.Errorf("failed to encode bucket state: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, prefixed).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if expected != nil {
				return errCASConflict
			}
		case err != nil:
			return err
		default:
			if expected == nil {
				return errCASConflict
			}
			var stored BucketState
			if err := json.Unmarshal([]byte(current), &stored); err != nil {
				return fmt.Errorf("corrupt bucket state for %s: %w", key, err)
			}
			if !stored.Equal(*expected) {
				return errCASConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, prefixed, payload, ttl)
			return nil
		})
		return err
	}, prefixed)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errCASConflict) || errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, fmt.Errorf("failed to update bucket %s: %w", key, err)
	}
}

// Ping implements BucketStore
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements BucketStore
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) prefixedKey(key string) string {
	return s.prefix + ":" + key
}
