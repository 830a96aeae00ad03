// Package cache provides the generic TTL-expiring keyed cache used to
// avoid a Postgres round trip on every permission check — the session
// core's CAMERA-permission gate for PHOTO_REQUEST and the RTMP stream requests runs on
// the hot path of every such app message, and permission grants change
// far less often than they're checked.
//
// Grounded on utils/roles/role_cache.go's KeyedCache[V] generic built on
// hashicorp/golang-lru/v2/expirable, adapted from role-name keys to the
// appcatalog package/permission composite key used here.
package cache

import (
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultMaxSize = 2000
	DefaultTTL     = 60 * time.Second
)

// KeyedCache is a generic thread-safe LRU cache with per-entry TTL
// expiration.
type KeyedCache[V any] struct {
	cache  *expirable.LRU[string, V]
	logger *slog.Logger
}

// NewKeyedCache creates a cache holding at most maxSize entries, each
// expiring ttl after insertion.
func NewKeyedCache[V any](maxSize int, ttl time.Duration, logger *slog.Logger) *KeyedCache[V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyedCache[V]{
		cache:  expirable.NewLRU[string, V](maxSize, nil, ttl),
		logger: logger,
	}
}

func (c *KeyedCache[V]) Get(key string) (V, bool) {
	return c.cache.Get(key)
}

func (c *KeyedCache[V]) Set(key string, value V) {
	c.cache.Add(key, value)
}

func (c *KeyedCache[V]) Size() int {
	return c.cache.Len()
}

// PermissionCache wraps KeyedCache[bool] keyed by "<package>:<permission>",
// sitting in front of an appcatalog.Store.
type PermissionCache struct {
	cache *KeyedCache[bool]
}

// NewPermissionCache builds a PermissionCache with the given bounds.
func NewPermissionCache(maxSize int, ttl time.Duration, logger *slog.Logger) *PermissionCache {
	return &PermissionCache{cache: NewKeyedCache[bool](maxSize, ttl, logger)}
}

// Get returns the cached grant for pkg/permission, if present.
func (c *PermissionCache) Get(pkg, permission string) (bool, bool) {
	return c.cache.Get(key(pkg, permission))
}

// Set records whether pkg has been granted permission.
func (c *PermissionCache) Set(pkg, permission string, granted bool) {
	c.cache.Set(key(pkg, permission), granted)
}

func key(pkg, permission string) string {
	return pkg + ":" + permission
}
