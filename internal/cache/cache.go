// Package cache holds provider metrics between evaluations.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New builds the cache named by cfg.Type. A redis cache with two-phase
// caching enabled is fronted by an in-process LRU.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "", "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		remote, err := NewRedisCache(cfg)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return remote, nil
		}
		return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
	}
	return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
}

// Typed stores JSON values of one type under a key namespace.
type Typed[T any] struct {
	c      domain.Cache
	prefix string
}

// NewTyped wraps c so values of T live under prefix.
func NewTyped[T any](c domain.Cache, prefix string) *Typed[T] {
	return &Typed[T]{c: c, prefix: prefix}
}

// Key returns the raw cache key for id.
func (t *Typed[T]) Key(id string) string { return t.prefix + id }

// Get returns nil, nil on a miss.
func (t *Typed[T]) Get(ctx context.Context, id string) (*T, error) {
	data, err := t.c.Get(ctx, t.Key(id))
	if err != nil || data == nil {
		return nil, err
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode cached %s: %w", t.Key(id), err)
	}
	return v, nil
}

// Set encodes v and stores it under id.
func (t *Typed[T]) Set(ctx context.Context, id string, v *T, ttl time.Duration) error {
	if id == "" {
		return errors.New("cache id is required")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.c.Set(ctx, t.Key(id), data, ttl)
}

// Invalidate drops the entries for ids.
func (t *Typed[T]) Invalidate(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = t.Key(id)
	}
	return t.c.Delete(ctx, keys...)
}

// TwoPhaseCache reads through a local LRU to a shared remote cache. Local
// entries live at most localTTL so nodes converge on remote invalidations.
type TwoPhaseCache struct {
	local    *LRUCache
	remote   domain.Cache
	localTTL time.Duration
}

// NewTwoPhaseCache fronts remote with local.
func NewTwoPhaseCache(local *LRUCache, remote domain.Cache, localTTL time.Duration) *TwoPhaseCache {
	if localTTL <= 0 {
		localTTL = 5 * time.Minute
	}
	return &TwoPhaseCache{local: local, remote: remote, localTTL: localTTL}
}

// Get checks local first and fills it from remote on a local miss.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	if v, _ := c.local.Get(ctx, key); v != nil {
		return v, nil
	}
	v, err := c.remote.Get(ctx, key)
	if err != nil || v == nil {
		return nil, err
	}
	_ = c.local.Set(ctx, key, v, c.localTTL)
	return v, nil
}

// Set writes remote before local. A failed remote write leaves local untouched.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.remote.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.local.Set(ctx, key, value, min(ttl, c.localTTL))
}

// Delete removes keys from both tiers.
func (c *TwoPhaseCache) Delete(ctx context.Context, keys ...string) error {
	_ = c.local.Delete(ctx, keys...)
	return c.remote.Delete(ctx, keys...)
}

// Ping reports the remote tier's health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("remote cache: %w", err)
	}
	return nil
}

// Close releases both tiers.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}
