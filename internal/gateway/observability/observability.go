// Package observability holds request tracing helpers shared across the
// pipeline: request id generation and opaque-id hashing for logs.
package observability

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/codexmgr/codexmgr/internal/gateway/clock"
)

// NewRequestID returns a fresh request id: 16 random bytes encoded as
// base64url without padding, prefixed with "req_". If the RNG fails it
// falls back to the current timestamp so a response always carries an
// id.
func NewRequestID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err == nil {
		return "req_" + base64.RawURLEncoding.EncodeToString(buf[:])
	}
	return fmt.Sprintf("req_%d", clock.NowMS())
}

// HashOpaqueID digests an opaque identifier for logging. Conversation
// ids never appear in logs in the clear; only this digest does.
func HashOpaqueID(value string) string {
	digest := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}
