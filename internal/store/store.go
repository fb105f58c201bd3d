// Package store provides the key/value backends used for notification
// state and the parsed feed cache.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"doodlenotify/internal/config"
)

// Persistent is the TTL for keys that never expire.
const Persistent time.Duration = 0

var (
	// ErrNotFound is returned by Get for a missing or expired key.
	ErrNotFound = errors.New("key not found")

	// ErrStoreUnavailable wraps every backend failure. A caller must never
	// assume a write succeeded when it gets this error.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Store defines the key/value operations the notifier needs.
// Values are opaque strings.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A ttl of Persistent keeps it forever.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Keys lists live keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Driver returns the backend name ("redis", "sqlite", ...).
	Driver() string
	Close() error
}

// Open connects to the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		return NewMemory(), nil
	case config.StoreRedis, "":
		return NewRedis(ctx, cfg.Address, cfg.Password, cfg.Database)
	case config.StoreSQLite:
		return NewSQLite(cfg.Path)
	case config.StorePostgres:
		return NewPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrStoreUnavailable, cfg.Driver)
	}
}

func unavailable(op, key string, err error) error {
	if key == "" {
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s %q: %w", ErrStoreUnavailable, op, key, err)
}

// expiresAt converts a ttl into an absolute expiry, or nil when persistent.
func expiresAt(now time.Time, ttl time.Duration) *int64 {
	if ttl <= 0 {
		return nil
	}
	v := now.Add(ttl).UnixMilli()
	return &v
}
