package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the Redis key prefix for stored credentials:
//
//	Key:   credential:<profile>
//	Value: <token>
//	TTL:   until the JWT exp claim, or none
const KeyPrefix = "credential:"

// RedisStore keeps the credential in Redis so several client processes for
// the same profile share it.
type RedisStore struct {
	client  *redis.Client
	profile string
}

// NewRedisStore creates a RedisStore for profile using client.
func NewRedisStore(client *redis.Client, profile string) *RedisStore {
	return &RedisStore{client: client, profile: profile}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("credential: redis connection failed: %w", err)
	}
	return client, nil
}

func (s *RedisStore) key() string { return KeyPrefix + s.profile }

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context) (string, error) {
	token, err := s.client.Get(ctx, s.key()).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("credential: redis get: %w", err)
	}
	return token, nil
}

// Save implements Store. A JWT with an exp claim is stored with a matching
// TTL.
func (s *RedisStore) Save(ctx context.Context, token string) error {
	var ttl time.Duration
	if c, err := Inspect(token); err == nil && !c.ExpiresAt.IsZero() {
		ttl = time.Until(c.ExpiresAt)
		if ttl <= 0 {
			return s.Clear(ctx)
		}
	}
	if err := s.client.Set(ctx, s.key(), token, ttl).Err(); err != nil {
		return fmt.Errorf("credential: redis set: %w", err)
	}
	return nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("credential: redis del: %w", err)
	}
	return nil
}
