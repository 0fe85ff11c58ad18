package cache

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemcacheStore is a Store backed by one or more memcached servers.
// The memcached protocol has no context support; a cancelled context is
// honoured only before the round-trip starts.
type MemcacheStore struct {
	client MemcacheClient
	now    func() time.Time
}

// MemcacheClient is the subset of *memcache.Client the store uses.
type MemcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Delete(key string) error
	Touch(key string, seconds int32) error
	Ping() error
}

// NewMemcacheStore creates a memcached-backed store.
func NewMemcacheStore(servers []string, timeout time.Duration) *MemcacheStore {
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	return NewMemcacheStoreFromClient(client)
}

// NewMemcacheStoreFromClient wraps an existing client.
func NewMemcacheStoreFromClient(client MemcacheClient) *MemcacheStore {
	return &MemcacheStore{client: client, now: time.Now}
}

// maxRelativeExpiration is the largest expiration memcached reads as
// relative seconds; larger values are absolute unix times.
const maxRelativeExpiration = 30 * 24 * time.Hour

// expirationSeconds converts a TTL to a memcached expiration. Zero means
// never expire and sub-second TTLs round up to one second. TTLs beyond 30
// days are sent as an absolute unix time, clamped to the int32 range.
func expirationSeconds(ttl time.Duration, now time.Time) int32 {
	if ttl <= 0 {
		return 0
	}
	if ttl > maxRelativeExpiration {
		abs := now.Add(ttl).Unix()
		if abs > math.MaxInt32 {
			return math.MaxInt32
		}
		return int32(abs)
	}
	secs := int32(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	return secs
}

// Get returns the value for key.
func (s *MemcacheStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	item, err := s.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(item.Value), true, nil
}

// Set stores value with the given TTL.
func (s *MemcacheStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.client.Set(&memcache.Item{
		Key:        key,
		Value:      []byte(value),
		Expiration: expirationSeconds(ttl, s.now()),
	})
}

// Delete removes key. A missing key is not an error.
func (s *MemcacheStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}

// Touch resets the expiration of key using the memcached touch command.
func (s *MemcacheStore) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	err := s.client.Touch(key, expirationSeconds(ttl, s.now()))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Ping checks that every server is reachable.
func (s *MemcacheStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.client.Ping()
}

// Close is a no-op; the client closes idle connections on its own.
func (s *MemcacheStore) Close() error {
	return nil
}
