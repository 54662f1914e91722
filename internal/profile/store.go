// Package profile manages user profile data in Redis: display metadata and
// avatar references keyed by user identity. Avatar lookups on the hot paths
// are best effort; callers degrade to an empty avatar on any error.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ProfilePrefix is the Redis key prefix for all profile hashes.
	ProfilePrefix = "profile:"

	// ProfileTTL is refreshed on every write so profiles of long-gone users
	// eventually expire.
	ProfileTTL = 30 * 24 * time.Hour
)

// Store manages profile state in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a profile store connected to Redis.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("profile: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing Redis client. Used when another
// component owns the connection.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Touch records the user's latest display metadata. Called on every join so
// the profile reflects what the user last presented.
func (s *Store) Touch(ctx context.Context, userID, displayName, contact string) error {
	key := ProfilePrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"display_name", displayName,
		"contact", contact,
		"last_seen", time.Now().Unix(),
	)
	pipe.Expire(ctx, key, ProfileTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetAvatar stores the user's avatar reference.
func (s *Store) SetAvatar(ctx context.Context, userID, avatar string) error {
	key := ProfilePrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "avatar", avatar)
	pipe.Expire(ctx, key, ProfileTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Avatar returns the user's current avatar reference, or an empty string if
// none is set. A missing profile is not an error.
func (s *Store) Avatar(ctx context.Context, userID string) (string, error) {
	key := ProfilePrefix + userID
	avatar, err := s.client.HGet(ctx, key, "avatar").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("profile: avatar lookup for %s: %w", userID, err)
	}
	return avatar, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
