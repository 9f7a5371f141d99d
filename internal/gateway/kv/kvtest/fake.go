// Package kvtest provides an in-memory kv.Store for tests, with TTL
// bookkeeping and fault injection.
package kvtest

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/codexmgr/codexmgr/internal/gateway/kv"
)

type entry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// Fake is an in-memory kv.Store. Safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	data    map[string]entry
	now     func() time.Time
	failErr error

	// SetCalls counts Set invocations, for asserting "no extra SET".
	SetCalls int

	// MissNextGets makes the next N Get calls report kv.ErrNotFound
	// regardless of contents, to simulate losing a create race between
	// a GET and a SET NX.
	MissNextGets int
}

var _ kv.Store = (*Fake)(nil)

// NewFake returns an empty fake store using the real clock.
func NewFake() *Fake {
	return &Fake{data: map[string]entry{}, now: time.Now}
}

// SetNow overrides the clock used for expiry checks.
func (f *Fake) SetNow(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// FailWith makes every subsequent operation fail with an error wrapping
// kv.ErrUnavailable. Pass nil to heal.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

func (f *Fake) live(key string) (entry, bool) {
	e, ok := f.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !f.now().Before(e.expiresAt) {
		delete(f.data, key)
		return entry{}, false
	}
	return e, true
}

func (f *Fake) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return "", fmt.Errorf("get %q: %w: %v", key, kv.ErrUnavailable, f.failErr)
	}
	if f.MissNextGets > 0 {
		f.MissNextGets--
		return "", fmt.Errorf("get %q: %w", key, kv.ErrNotFound)
	}
	e, ok := f.live(key)
	if !ok {
		return "", fmt.Errorf("get %q: %w", key, kv.ErrNotFound)
	}
	return e.value, nil
}

func (f *Fake) Set(_ context.Context, key, value string, opts kv.SetOptions) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return false, fmt.Errorf("set %q: %w: %v", key, kv.ErrUnavailable, f.failErr)
	}
	f.SetCalls++
	if opts.IfNotExists {
		if _, exists := f.live(key); exists {
			return false, nil
		}
	}
	e := entry{value: value}
	if opts.TTL > 0 {
		e.expiresAt = f.now().Add(opts.TTL)
	}
	f.data[key] = e
	return true, nil
}

func (f *Fake) Del(_ context.Context, keys ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return 0, fmt.Errorf("del: %w: %v", kv.ErrUnavailable, f.failErr)
	}
	var n int64
	for _, key := range keys {
		if _, ok := f.live(key); ok {
			delete(f.data, key)
			n++
		}
	}
	return n, nil
}

func (f *Fake) Scan(_ context.Context, _ uint64, match string, _ int64) ([]string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, 0, fmt.Errorf("scan %q: %w: %v", match, kv.ErrUnavailable, f.failErr)
	}
	var keys []string
	for key := range f.data {
		if _, ok := f.live(key); !ok {
			continue
		}
		if ok, _ := path.Match(match, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, 0, nil
}

func (f *Fake) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return fmt.Errorf("ping: %w: %v", kv.ErrUnavailable, f.failErr)
	}
	return nil
}

func (f *Fake) Close() error { return nil }

// TTL reports the remaining lifetime of key, or false when the key is
// absent or has no expiry.
func (f *Fake) TTL(key string) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.live(key)
	if !ok || e.expiresAt.IsZero() {
		return 0, false
	}
	return e.expiresAt.Sub(f.now()), true
}

// Put stores a raw value directly, bypassing fault injection.
func (f *Fake) Put(key, value string, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = f.now().Add(ttl)
	}
	f.data[key] = e
}

// Value returns the live value at key, bypassing fault injection and
// MissNextGets.
func (f *Fake) Value(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.live(key)
	return e.value, ok
}
