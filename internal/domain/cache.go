package domain

import (
	"context"
	"time"
)

// Cache is a byte-level key/value cache with per-entry expiry. The
// community tier keeps it in process; the pro tier shares it through Redis.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and sizes the cache.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string `yaml:"type"`

	LocalMaxSize int           `yaml:"local_max_size"`
	LocalTTL     time.Duration `yaml:"local_ttl"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// KeyPrefix namespaces Redis keys so several deployments can share a
	// server. Defaults to "kestrel:".
	KeyPrefix string `yaml:"key_prefix"`

	// EnableTwoPhase fronts Redis with the in-process cache.
	EnableTwoPhase bool `yaml:"enable_two_phase"`
}
