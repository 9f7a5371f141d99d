// Package session stores gateway sessions in kv. A session is valid iff
// its record exists; expiry is enforced entirely by the kv TTL.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/codexmgr/codexmgr/internal/gateway/kv"
)

const (
	keyPrefix  = "gw:session:"
	keyPattern = "gw:session:*"
	scanCount  = 1000
)

// Session is the record behind an opaque gateway bearer token.
type Session struct {
	AccountPoolID string `json:"account_pool_id"`
	PolicyKey     string `json:"policy_key,omitempty"`
	IssuedAtMS    int64  `json:"issued_at_ms"`
	ExpiresAtMS   int64  `json:"expires_at_ms"`
	Note          string `json:"note,omitempty"`
}

// Store provides CRUD over sessions keyed by token.
type Store struct {
	kv kv.Store
}

func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

// KeyForToken builds the kv key for a raw token.
func KeyForToken(token string) string {
	return keyPrefix + token
}

// TokenFromKey recovers the raw token from a kv key, reporting false
// for keys outside the session namespace.
func TokenFromKey(key string) (string, bool) {
	return strings.CutPrefix(key, keyPrefix)
}

// Get returns the session for token, or nil when no record exists. A
// present but unparseable record is an error.
func (s *Store) Get(ctx context.Context, token string) (*Session, error) {
	key := KeyForToken(token)
	value, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(value), &sess); err != nil {
		return nil, fmt.Errorf("parsing session record %q: %w", key, err)
	}
	return &sess, nil
}

// Put writes the session with the given TTL. The TTL must be positive;
// the kv expiry is the only expiry mechanism.
func (s *Store) Put(ctx context.Context, token string, sess *Session, ttlSeconds int64) error {
	if ttlSeconds <= 0 {
		return fmt.Errorf("ttl_seconds must be > 0, got %d", ttlSeconds)
	}
	value, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("serializing session: %w", err)
	}
	_, err = s.kv.Set(ctx, KeyForToken(token), string(value), kv.SetOptions{
		TTL: time.Duration(ttlSeconds) * time.Second,
	})
	return err
}

// Del removes the session and reports whether a record existed.
func (s *Store) Del(ctx context.Context, token string) (bool, error) {
	n, err := s.kv.Del(ctx, KeyForToken(token))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Entry pairs a token with its session for listings.
type Entry struct {
	Token   string
	Session Session
}

// List scans all sessions, sorted by expiry then token. Records that
// fail to parse propagate as errors; a silent skip would hide expired
// admin state from operators.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.kv.Scan(ctx, cursor, keyPattern, scanCount)
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	var out []Entry
	for _, key := range keys {
		token, ok := TokenFromKey(key)
		if !ok {
			continue
		}
		value, err := s.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				// Expired between SCAN and GET.
				continue
			}
			return nil, err
		}
		var sess Session
		if err := json.Unmarshal([]byte(value), &sess); err != nil {
			return nil, fmt.Errorf("parsing session record %q: %w", key, err)
		}
		out = append(out, Entry{Token: token, Session: sess})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Session.ExpiresAtMS != out[j].Session.ExpiresAtMS {
			return out[i].Session.ExpiresAtMS < out[j].Session.ExpiresAtMS
		}
		return out[i].Token < out[j].Token
	})
	return out, nil
}

// NewToken mints a fresh opaque gateway token.
func NewToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating token bytes: %w", err)
	}
	return "gw_" + base64.RawURLEncoding.EncodeToString(buf[:]), nil
}
