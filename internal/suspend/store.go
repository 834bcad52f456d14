// Package suspend provides account suspension management backed by Redis.
// Suspension records are stored as simple key-value pairs with TTL-based
// expiry:
//
//	Key:   suspend:user:<userID>
//	Value: <reason>
//	TTL:   suspension duration (no TTL for indefinite suspensions)
//
// Suspended users are rejected at the WebSocket handshake.
package suspend

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the Redis key prefix for suspension records.
const KeyPrefix = "suspend:user:"

// Store manages suspension records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a suspension store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsSuspended checks whether a user is currently suspended.
// Returns (suspended, remaining, reason, error). For users that are not
// suspended, suspended is false and the other return values are zero/empty.
// Indefinite suspensions report zero remaining time. Redis errors are
// returned so callers can decide how to handle them (the recommended policy
// is fail-open so a Redis outage does not lock everyone out).
func (s *Store) IsSuspended(ctx context.Context, userID string) (bool, time.Duration, string, error) {
	key := KeyPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The suspension exists but the TTL read failed. Report suspended
		// with 0 remaining rather than swallowing the suspension.
		return true, 0, reason, nil
	}

	var remaining time.Duration
	if ttl > 0 {
		remaining = ttl
	}
	return true, remaining, reason, nil
}

// Suspend records a suspension for a user with the given duration and
// reason. A zero duration suspends indefinitely (until Lift is called).
func (s *Store) Suspend(ctx context.Context, userID string, duration time.Duration, reason string) error {
	key := KeyPrefix + userID
	return s.client.Set(ctx, key, reason, duration).Err()
}

// Lift removes a user's suspension immediately.
func (s *Store) Lift(ctx context.Context, userID string) error {
	key := KeyPrefix + userID
	return s.client.Del(ctx, key).Err()
}
