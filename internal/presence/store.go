package presence

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// OnlineSetKey is the Redis set of currently online user IDs.
	OnlineSetKey = "presence:online"

	// UserPrefix is the Redis key prefix for per-user presence hashes.
	UserPrefix = "presence:user:"

	// UserTTL bounds how stale a per-user presence record can get if an
	// instance dies without cleaning up. Live instances refresh it.
	UserTTL = 90 * time.Second
)

// Store mirrors locally derived presence into Redis so other serving
// instances and the REST application can answer "is this user online"
// without a connection to this process. The mirror is advisory: presence is
// reconstructed from live connections, so mirror failures are logged and
// otherwise ignored.
type Store struct {
	client   *redis.Client
	instance string
}

// NewStore creates a presence mirror using the provided Redis client.
// The instance name identifies this serving process in per-user records.
func NewStore(client *redis.Client, instance string) *Store {
	return &Store{client: client, instance: instance}
}

// Apply mirrors a single presence transition. It is shaped as a Tracker
// subscriber: tracker.Subscribe(store.Apply).
func (s *Store) Apply(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var err error
	if ev.Online {
		err = s.setOnline(ctx, ev.UserID)
	} else {
		err = s.setOffline(ctx, ev.UserID)
	}
	if err != nil {
		log.Printf("presence: mirror %s online=%v failed: %v", ev.UserID, ev.Online, err)
	}
}

func (s *Store) setOnline(ctx context.Context, userID string) error {
	key := UserPrefix + userID
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, OnlineSetKey, userID)
	pipe.HSet(ctx, key, map[string]interface{}{
		"instance": s.instance,
		"since":    time.Now().Unix(),
	})
	pipe.Expire(ctx, key, UserTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) setOffline(ctx context.Context, userID string) error {
	pipe := s.client.Pipeline()
	pipe.SRem(ctx, OnlineSetKey, userID)
	pipe.Del(ctx, UserPrefix+userID)
	_, err := pipe.Exec(ctx)
	return err
}

// IsOnline reports whether the user is marked online anywhere in the fleet.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, OnlineSetKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: sismember: %w", err)
	}
	return ok, nil
}

// Refresh extends the TTL on the per-user records of all users currently
// online on this instance. Run it periodically so records outlive UserTTL
// while their connections are alive.
func (s *Store) Refresh(ctx context.Context, users []string) {
	if len(users) == 0 {
		return
	}
	pipe := s.client.Pipeline()
	for _, userID := range users {
		pipe.Expire(ctx, UserPrefix+userID, UserTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("presence: refresh %d users failed: %v", len(users), err)
	}
}

// StartRefresher runs Refresh on the tracker's online set every interval
// until the context is cancelled.
func (s *Store) StartRefresher(ctx context.Context, tracker *Tracker, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				s.Refresh(refreshCtx, tracker.OnlineUsers())
				cancel()
			}
		}
	}()
}
