package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// RoutingPrefix is the Redis key prefix for per-user instance sets.
	RoutingPrefix = "rt:user:"

	// RoutingTTL bounds how long a routing record survives an instance that
	// died without cleanup. Re-registration refreshes it.
	RoutingTTL = 1 * time.Hour
)

// Store records which serving instances currently hold connections for a
// user, as a Redis set per user. The surrounding application uses it to
// route out-of-band pushes; the core itself only maintains it.
type Store struct {
	client   *redis.Client
	instance string
}

// NewStore creates a routing record store. The instance name identifies
// this serving process.
func NewStore(client *redis.Client, instance string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return &Store{client: client, instance: instance}, nil
}

// Register adds this instance to the user's routing set and refreshes the
// TTL.
func (s *Store) Register(ctx context.Context, userID string) error {
	key := RoutingPrefix + userID
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, key, s.instance)
	pipe.Expire(ctx, key, RoutingTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Unregister removes this instance from the user's routing set.
func (s *Store) Unregister(ctx context.Context, userID string) error {
	return s.client.SRem(ctx, RoutingPrefix+userID, s.instance).Err()
}

// Instances returns the serving instances currently holding connections for
// the user. Empty when the user is not connected anywhere.
func (s *Store) Instances(ctx context.Context, userID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, RoutingPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("session: routing lookup: %w", err)
	}
	return members, nil
}
