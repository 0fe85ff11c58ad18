// Package cache provides the shared key/value stores that hold incident
// memberships, incident records and relation links.
//
// Keys are flat strings and values are plain strings (incident uuids or
// JSON-encoded incident records). Every entry may carry a TTL; a TTL of zero
// means the entry never expires.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Backend names.
const (
	BackendRedis     = "redis"
	BackendMemcached = "memcached"
	BackendMemory    = "memory"
)

// Common errors.
var (
	ErrUnavailable    = errors.New("cache backend unavailable")
	ErrUnknownBackend = errors.New("unknown cache backend")
	ErrClosed         = errors.New("cache store closed")
)

// Default endpoint lists used when no address is configured.
var (
	DefaultRedisAddresses     = []string{"localhost:6379"}
	DefaultMemcachedAddresses = []string{"localhost:11211"}
)

// Store is the get/set/delete contract the correlation engine relies on.
// Get reports a miss as found == false with a nil error.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Toucher is implemented by stores that can extend an entry's expiration
// atomically. Touch reports whether the key existed.
type Toucher interface {
	Touch(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Config selects and configures a cache backend.
type Config struct {
	Backend          string        `yaml:"backend"`               // redis, memcached, memory
	Addresses        []string      `yaml:"cache_backend_address"` // host:port endpoints
	PasswordEnv      string        `yaml:"password_env"`
	DB               int           `yaml:"db"`
	PoolSize         int           `yaml:"pool_size"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:          BackendRedis,
		PasswordEnv:      "INCIDENTFORGE_CACHE_PASSWORD",
		PoolSize:         10,
		DialTimeout:      5 * time.Second,
		OperationTimeout: 2 * time.Second,
	}
}

// Validate checks the backend name.
func (c Config) Validate() error {
	switch strings.ToLower(c.Backend) {
	case BackendRedis, BackendMemcached, BackendMemory:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
}

// Endpoints returns the configured addresses, falling back to the process
// default list for the backend.
func (c Config) Endpoints() []string {
	if len(c.Addresses) > 0 {
		return c.Addresses
	}
	switch strings.ToLower(c.Backend) {
	case BackendMemcached:
		return DefaultMemcachedAddresses
	case BackendRedis:
		return DefaultRedisAddresses
	default:
		return nil
	}
}

// Open builds the configured store and verifies connectivity. When the
// backend cannot be reached the store is closed and an error wrapping
// ErrUnavailable is returned.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var store Store
	switch strings.ToLower(cfg.Backend) {
	case BackendRedis:
		store = NewRedisStore(RedisOptions{
			Addresses:   cfg.Endpoints(),
			Password:    os.Getenv(cfg.PasswordEnv),
			DB:          cfg.DB,
			PoolSize:    cfg.PoolSize,
			DialTimeout: cfg.DialTimeout,
		})
	case BackendMemcached:
		store = NewMemcacheStore(cfg.Endpoints(), cfg.OperationTimeout)
	case BackendMemory:
		store = NewMemoryStore(time.Minute)
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := store.Ping(pingCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("%w: %s %v: %v", ErrUnavailable, cfg.Backend, cfg.Endpoints(), err)
	}

	logger.Info("Cache backend connected",
		zap.String("backend", cfg.Backend),
		zap.Strings("addresses", cfg.Endpoints()),
	)
	return store, nil
}

var (
	_ Store   = (*RedisStore)(nil)
	_ Toucher = (*RedisStore)(nil)
	_ Store   = (*MemcacheStore)(nil)
	_ Toucher = (*MemcacheStore)(nil)
	_ Store   = (*MemoryStore)(nil)
	_ Toucher = (*MemoryStore)(nil)
)
