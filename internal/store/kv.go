package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist (or has expired).
	ErrNotFound = errors.New("store: key not found")
	// ErrStoreUnavailable is returned when the backing store cannot be reached.
	// Callers must not treat it as ErrNotFound.
	ErrStoreUnavailable = errors.New("store: unavailable")
	// ErrConflict is returned when an atomic update lost too many races.
	ErrConflict = errors.New("store: update conflict")
	// ErrMalformed is returned when a stored value cannot be decoded.
	ErrMalformed = errors.New("store: malformed value")
)

// UpdateFunc receives the current value and returns the replacement.
type UpdateFunc func(current []byte) ([]byte, error)

// KV is the shared key-value store reachable from the api and all workers.
type KV interface {
	// Set writes value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// Update atomically replaces an existing value, keeping its TTL.
	// It returns ErrNotFound when key is absent; errors from fn are returned unchanged.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Delete(ctx context.Context, key string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	// Keys lists keys beginning with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
