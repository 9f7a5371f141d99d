// Package kv wraps the Redis-compatible coordination store used by the
// gateway data plane. Callers must be able to tell "the store is down"
// apart from "the key is missing", so every transport failure wraps
// ErrUnavailable and every miss wraps ErrNotFound.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable marks transport or server failures talking to the
	// store. The pipeline maps it to 503.
	ErrUnavailable = errors.New("kv unavailable")

	// ErrNotFound marks a missing key on an otherwise healthy store.
	ErrNotFound = errors.New("kv key not found")
)

// SetOptions controls Set behavior.
type SetOptions struct {
	// TTL expires the key after the given duration. Zero means no expiry.
	TTL time.Duration

	// IfNotExists performs the write only when the key is absent (NX).
	IfNotExists bool
}

// Store is the coordination surface the gateway needs: plain strings
// with expiry, atomic set-if-absent, and cursor scans.
type Store interface {
	// Get returns the value at key, or an error wrapping ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes key=value. With IfNotExists it reports false when the
	// key already existed and the write was skipped.
	Set(ctx context.Context, key, value string, opts SetOptions) (bool, error)

	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Scan walks keys matching pattern from cursor, returning the next
	// cursor (0 when the iteration is complete).
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	Close() error
}
