package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addresses   []string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

// RedisStore is a Store backed by Redis. Several addresses produce a
// cluster client.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(opts RedisOptions) *RedisStore {
	return &RedisStore{
		client: redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:       opts.Addresses,
			Password:    opts.Password,
			DB:          opts.DB,
			PoolSize:    opts.PoolSize,
			DialTimeout: opts.DialTimeout,
		}),
	}
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying client for components that share the
// connection pool, such as the ingest rate limiter.
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

// Get returns the value for key.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores value with the given TTL. Zero TTL means no expiration.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Touch resets the expiration of key with a single EXPIRE (or PERSIST for
// a zero TTL).
func (s *RedisStore) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		if _, err := s.client.Persist(ctx, key).Result(); err != nil {
			return false, err
		}
		n, err := s.client.Exists(ctx, key).Result()
		return n == 1, err
	}
	return s.client.Expire(ctx, key, ttl).Result()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
