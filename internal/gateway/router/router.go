// Package router selects an account label within a pool, with
// conversation-sticky affinity coordinated through kv so every replica
// resolves the same conversation to the same account.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/codexmgr/codexmgr/internal/gateway/kv"
	"github.com/codexmgr/codexmgr/pkg/logging"
)

const stickyKeyPrefix = "gw:sticky:"

var logger = logging.New("router")

// ErrInvariant marks a programmer or configuration error (empty pool,
// non-positive sticky TTL). The pipeline maps it to 500.
var ErrInvariant = errors.New("routing invariant violated")

// Args are the inputs to a single routing decision.
type Args struct {
	PoolID           string
	Labels           []string
	PolicyKey        string
	StickyTTLSeconds int64

	// ConversationID is empty when the request carries none.
	ConversationID string

	// NonStickyKey seeds hash selection for conversation-less requests.
	NonStickyKey string
}

// Route returns the selected account label for the request.
func Route(ctx context.Context, store kv.Store, args Args) (string, error) {
	if len(args.Labels) == 0 {
		return "", fmt.Errorf("%w: pool %q has no labels configured", ErrInvariant, args.PoolID)
	}
	if args.StickyTTLSeconds <= 0 {
		return "", fmt.Errorf("%w: sticky_ttl_seconds must be > 0", ErrInvariant)
	}

	if args.ConversationID == "" {
		return Select(args.PoolID, args.PolicyKey, args.NonStickyKey, args.Labels), nil
	}

	stickyKey := StickyKey(args.PoolID, args.ConversationID)
	ttl := time.Duration(args.StickyTTLSeconds) * time.Second

	existing, err := store.Get(ctx, stickyKey)
	switch {
	case err == nil && slices.Contains(args.Labels, existing):
		// Sticky hit. The TTL is deliberately not extended; renewing on
		// every hit would amplify warm-binding skew across replicas.
		return existing, nil

	case err == nil:
		// Sticky entry points at a label that has left the pool.
		selected := Select(args.PoolID, args.PolicyKey, args.ConversationID, args.Labels)
		if _, err := store.Set(ctx, stickyKey, selected, kv.SetOptions{TTL: ttl}); err != nil {
			return "", err
		}
		logger.Info("rebuilt sticky binding",
			"pool", args.PoolID, "stale", existing, "selected", selected)
		return selected, nil

	case errors.Is(err, kv.ErrNotFound):
		selected := Select(args.PoolID, args.PolicyKey, args.ConversationID, args.Labels)
		created, err := store.Set(ctx, stickyKey, selected, kv.SetOptions{TTL: ttl, IfNotExists: true})
		if err != nil {
			return "", err
		}
		if created {
			return selected, nil
		}
		// Lost the creation race; honor the winner's binding.
		current, err := store.Get(ctx, stickyKey)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return selected, nil
			}
			return "", err
		}
		if slices.Contains(args.Labels, current) {
			return current, nil
		}
		return selected, nil

	default:
		return "", err
	}
}

// Select deterministically maps (pool, policyKey, key) onto one of the
// labels. Pure; identical inputs yield identical outputs on every
// replica.
func Select(poolID, policyKey, key string, labels []string) string {
	h := sha256.New()
	h.Write([]byte(poolID))
	h.Write([]byte{0})
	h.Write([]byte(policyKey))
	h.Write([]byte{0})
	h.Write([]byte(key))
	digest := h.Sum(nil)

	v := int64(binary.BigEndian.Uint64(digest[:8]))
	if v == math.MinInt64 {
		v = math.MaxInt64
	} else if v < 0 {
		v = -v
	}
	return labels[v%int64(len(labels))]
}

// StickyKey builds the kv key for a conversation binding. The
// conversation id is hashed so adversarial inputs cannot grow the key
// space and the key stays opaque.
func StickyKey(poolID, conversationID string) string {
	digest := sha256.Sum256([]byte(conversationID))
	return stickyKeyPrefix + poolID + ":" + base64.RawURLEncoding.EncodeToString(digest[:])
}

// ExtractConversationID reads the conversation identity from request
// headers: conversation_id first, then session_id, trimmed; empty means
// absent.
func ExtractConversationID(h http.Header) string {
	for _, name := range []string{"conversation_id", "session_id"} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}
