// Package appcatalog resolves a third-party app's installed-package
// metadata and permission grants — principally the CAMERA permission
// PHOTO_REQUEST and the RTMP stream requests are gated on, and whether an app has
// declared itself resurrectable after a dropped connection's grace period
// expires. The session core treats this as an external collaborator (its
// source of truth is the app marketplace, not the session itself); this
// package is the narrow interface and a concrete Postgres-backed adapter
// for exercising it.
//
// Grounded on the teacher's internal/postgres/client.go for the pgxpool
// wrapper shape, adapted here into a query layer instead of a generic
// connection helper.
package appcatalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glasses-os/session-core/internal/cache"
)

// Permission names the catalog understands. Only a small, fixed set of
// device-hardware permissions matter to the session core.
type Permission string

const (
	PermissionCamera       Permission = "CAMERA"
	PermissionMicrophone   Permission = "MICROPHONE"
	PermissionLocation     Permission = "LOCATION"
)

// AppRecord is the catalog's view of one installed app.
type AppRecord struct {
	PackageName   string
	DisplayName   string
	Permissions   []Permission
	Resurrectable bool
	WebhookURL    string
}

// Store is the permission/metadata surface the session core depends on.
type Store interface {
	// HasPermission reports whether pkg has been granted perm.
	HasPermission(ctx context.Context, pkg string, perm Permission) (bool, error)
	// SupportsResurrection reports whether pkg has declared itself capable
	// of being woken via the resurrection webhook after a dropped
	// connection's grace period expires.
	SupportsResurrection(pkg string) bool
	// WebhookURL returns pkg's registered resurrection-webhook URL, if any.
	WebhookURL(pkg string) (string, bool)
}

// PostgresStore is a Store backed by a Postgres apps/app_permissions
// schema, queried through pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-connected pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) HasPermission(ctx context.Context, pkg string, perm Permission) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM app_permissions
			WHERE package_name = $1 AND permission = $2 AND granted = true
		)`
	var granted bool
	if err := s.pool.QueryRow(ctx, q, pkg, string(perm)).Scan(&granted); err != nil {
		return false, fmt.Errorf("appcatalog: query permission: %w", err)
	}
	return granted, nil
}

func (s *PostgresStore) SupportsResurrection(pkg string) bool {
	ctx := context.Background()
	const q = `SELECT resurrectable FROM apps WHERE package_name = $1`
	var resurrectable bool
	if err := s.pool.QueryRow(ctx, q, pkg).Scan(&resurrectable); err != nil {
		return false
	}
	return resurrectable
}

func (s *PostgresStore) WebhookURL(pkg string) (string, bool) {
	ctx := context.Background()
	const q = `SELECT webhook_url FROM apps WHERE package_name = $1`
	var url *string
	if err := s.pool.QueryRow(ctx, q, pkg).Scan(&url); err != nil || url == nil || *url == "" {
		return "", false
	}
	return *url, true
}

// MemStore is an in-memory Store for tests and local development.
type MemStore struct {
	records map[string]AppRecord
}

// NewMemStore builds a MemStore seeded with records.
func NewMemStore(records ...AppRecord) *MemStore {
	m := &MemStore{records: make(map[string]AppRecord, len(records))}
	for _, r := range records {
		m.records[r.PackageName] = r
	}
	return m
}

func (m *MemStore) HasPermission(_ context.Context, pkg string, perm Permission) (bool, error) {
	rec, ok := m.records[pkg]
	if !ok {
		return false, fmt.Errorf("appcatalog: unknown package %q", pkg)
	}
	for _, p := range rec.Permissions {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) SupportsResurrection(pkg string) bool {
	return m.records[pkg].Resurrectable
}

func (m *MemStore) WebhookURL(pkg string) (string, bool) {
	url := m.records[pkg].WebhookURL
	return url, url != ""
}

// CachedStore wraps any Store with a TTL permission cache, so a hot-path
// check like PHOTO_REQUEST's CAMERA-permission gate doesn't hit Postgres
// on every message.
type CachedStore struct {
	inner Store
	perms *cache.PermissionCache
}

// NewCachedStore wraps inner with a permission cache of the given bounds.
func NewCachedStore(inner Store, maxSize int, ttl time.Duration, logger *slog.Logger) *CachedStore {
	return &CachedStore{inner: inner, perms: cache.NewPermissionCache(maxSize, ttl, logger)}
}

func (c *CachedStore) HasPermission(ctx context.Context, pkg string, perm Permission) (bool, error) {
	if granted, ok := c.perms.Get(pkg, string(perm)); ok {
		return granted, nil
	}
	granted, err := c.inner.HasPermission(ctx, pkg, perm)
	if err != nil {
		return false, err
	}
	c.perms.Set(pkg, string(perm), granted)
	return granted, nil
}

func (c *CachedStore) SupportsResurrection(pkg string) bool {
	return c.inner.SupportsResurrection(pkg)
}

// WebhookURL passes through uncached: resurrection is rare enough (one
// lookup per dropped-and-unrecovered connection) that caching it buys
// nothing and would risk dispatching to a since-rotated URL.
func (c *CachedStore) WebhookURL(pkg string) (string, bool) {
	return c.inner.WebhookURL(pkg)
}
