// Package tokenprovider caches per-account upstream bearer credentials
// in kv and coordinates refreshes across replicas with a short-lived
// lock so one replica refreshes while the others wait on the cache.
package tokenprovider

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/codexmgr/codexmgr/internal/gateway/auth"
	"github.com/codexmgr/codexmgr/internal/gateway/clock"
	"github.com/codexmgr/codexmgr/internal/gateway/kv"
	"github.com/codexmgr/codexmgr/pkg/logging"
)

const (
	cacheKeyPrefix = "gw:acct_token:"
	lockKeyPrefix  = "gw:lock:acct_token_refresh:"

	refreshLockTTL = 15 * time.Second
	lockWaitPoll   = 200 * time.Millisecond
)

var logger = logging.New("tokenprovider")

var (
	// ErrTokenFormat marks a structurally broken access token (JWT
	// segments, base64, claim JSON).
	ErrTokenFormat = errors.New("malformed access token")

	// ErrNotCacheable marks a token already inside the safety window at
	// cache-write time; serving it would violate the cache invariant.
	ErrNotCacheable = errors.New("access token expires within safety window")
)

// AuthMaterial is the derived, kv-cached credential handed to the
// forwarder. The invariant is that a cached record always satisfies
// expires_at_ms − now > safety window; entries that would not are never
// written.
type AuthMaterial struct {
	Authorization    string `json:"authorization"`
	ChatGPTAccountID string `json:"chatgpt_account_id,omitempty"`
	ExpiresAtMS      int64  `json:"expires_at_ms"`
}

// ManagerFactory resolves the login collaborator for one account.
type ManagerFactory func(accountID string) auth.Manager

// Provider serves AuthMaterial for accounts.
type Provider struct {
	kv       kv.Store
	managers ManagerFactory
	clock    clock.Clock
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds a Provider over the given kv store and manager factory.
func New(store kv.Store, managers ManagerFactory) *Provider {
	return &Provider{
		kv:       store,
		managers: managers,
		clock:    clock.System{},
		sleep:    sleepContext,
	}
}

// WithClock overrides the clock and sleep function. Intended for tests.
func (p *Provider) WithClock(c clock.Clock, sleep func(ctx context.Context, d time.Duration) error) *Provider {
	p.clock = c
	p.sleep = sleep
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Get returns fresh AuthMaterial for the account. A cached record still
// outside the safety window wins immediately; otherwise the caller
// either takes the cross-replica refresh lock and reloads, or polls the
// cache until the lock holder publishes. If the lock holder dies before
// publishing, the deadline path reloads unilaterally so the request
// still makes progress.
func (p *Provider) Get(ctx context.Context, accountID string, safetyWindowSeconds int64) (AuthMaterial, error) {
	startMS := p.clock.NowMS()
	if safetyWindowSeconds < 0 {
		return AuthMaterial{}, fmt.Errorf("token_safety_window_seconds must be >= 0, got %d", safetyWindowSeconds)
	}
	safetyMS := safetyWindowSeconds * 1000

	if material, ok, err := p.getCached(ctx, accountID); err != nil {
		return AuthMaterial{}, err
	} else if ok && material.ExpiresAtMS-startMS > safetyMS {
		return material, nil
	}

	nonce, err := randomNonce()
	if err != nil {
		return AuthMaterial{}, err
	}
	acquired, err := p.kv.Set(ctx, lockKeyPrefix+accountID, nonce, kv.SetOptions{
		TTL:         refreshLockTTL,
		IfNotExists: true,
	})
	if err != nil {
		return AuthMaterial{}, err
	}

	if acquired {
		// The lock is released by TTL only; an explicit DEL would add
		// nothing and the TTL path stays correct across crashes.
		material, err := p.loadFromAuth(ctx, accountID, safetyWindowSeconds)
		if err != nil {
			return AuthMaterial{}, err
		}
		if err := p.putCached(ctx, accountID, material, safetyWindowSeconds); err != nil {
			return AuthMaterial{}, err
		}
		return material, nil
	}

	deadlineMS := startMS + refreshLockTTL.Milliseconds()
	for {
		if err := p.sleep(ctx, lockWaitPoll); err != nil {
			return AuthMaterial{}, err
		}
		if material, ok, err := p.getCached(ctx, accountID); err != nil {
			return AuthMaterial{}, err
		} else if ok && material.ExpiresAtMS-p.clock.NowMS() > safetyMS {
			return material, nil
		}
		if p.clock.NowMS() >= deadlineMS {
			break
		}
	}

	logger.Warn("refresh lock holder never published; refreshing unilaterally", "account", accountID)
	material, err := p.loadFromAuth(ctx, accountID, safetyWindowSeconds)
	if err != nil {
		return AuthMaterial{}, err
	}
	if err := p.putCached(ctx, accountID, material, safetyWindowSeconds); err != nil {
		return AuthMaterial{}, err
	}
	return material, nil
}

func (p *Provider) getCached(ctx context.Context, accountID string) (AuthMaterial, bool, error) {
	value, err := p.kv.Get(ctx, cacheKeyPrefix+accountID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return AuthMaterial{}, false, nil
		}
		return AuthMaterial{}, false, err
	}
	var material AuthMaterial
	if err := json.Unmarshal([]byte(value), &material); err != nil {
		return AuthMaterial{}, false, fmt.Errorf("parsing token cache for account %q: %w", accountID, err)
	}
	return material, true, nil
}

func (p *Provider) putCached(ctx context.Context, accountID string, material AuthMaterial, safetyWindowSeconds int64) error {
	ttlSeconds := (material.ExpiresAtMS-p.clock.NowMS())/1000 - safetyWindowSeconds
	if ttlSeconds <= 0 {
		return fmt.Errorf("%w: refusing to cache token for account %q", ErrNotCacheable, accountID)
	}
	value, err := json.Marshal(material)
	if err != nil {
		return fmt.Errorf("serializing auth material: %w", err)
	}
	_, err = p.kv.Set(ctx, cacheKeyPrefix+accountID, string(value), kv.SetOptions{
		TTL: time.Duration(ttlSeconds) * time.Second,
	})
	return err
}

// loadFromAuth reads the on-disk credentials, refreshing them first if
// the embedded access token is already inside the safety window.
func (p *Provider) loadFromAuth(ctx context.Context, accountID string, safetyWindowSeconds int64) (AuthMaterial, error) {
	manager := p.managers(accountID)

	current, err := manager.Auth(ctx)
	if err != nil {
		return AuthMaterial{}, fmt.Errorf("reading auth for account %q: %w", accountID, err)
	}
	if current == nil {
		return AuthMaterial{}, fmt.Errorf("%w: account %q", auth.ErrMissingCredentials, accountID)
	}

	tokenData := current.TokenData()
	expiresAtMS, err := jwtExpMS(tokenData.AccessToken)
	if err != nil {
		return AuthMaterial{}, fmt.Errorf("parsing access token exp for account %q: %w", accountID, err)
	}

	safetyMS := safetyWindowSeconds * 1000
	if expiresAtMS-p.clock.NowMS() <= safetyMS {
		if err := manager.RefreshToken(ctx); err != nil {
			return AuthMaterial{}, fmt.Errorf("refreshing access token for account %q: %w", accountID, err)
		}
		refreshed, err := manager.Auth(ctx)
		if err != nil {
			return AuthMaterial{}, fmt.Errorf("re-reading auth for account %q: %w", accountID, err)
		}
		if refreshed == nil {
			return AuthMaterial{}, fmt.Errorf("%w: account %q after refresh", auth.ErrMissingCredentials, accountID)
		}
		tokenData = refreshed.TokenData()
		expiresAtMS, err = jwtExpMS(tokenData.AccessToken)
		if err != nil {
			return AuthMaterial{}, fmt.Errorf("parsing access token exp after refresh for account %q: %w", accountID, err)
		}
	}

	return AuthMaterial{
		Authorization:    "Bearer " + tokenData.AccessToken,
		ChatGPTAccountID: tokenData.IDToken.ChatGPTAccountID,
		ExpiresAtMS:      expiresAtMS,
	}, nil
}

// jwtExpMS extracts the exp claim (seconds) from an unverified JWT and
// returns it in milliseconds. The gateway never validates the signature;
// it only needs the expiry to schedule refreshes.
func jwtExpMS(token string) (int64, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTokenFormat, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, fmt.Errorf("%w: missing exp claim", ErrTokenFormat)
	}
	return exp.UnixMilli(), nil
}

func randomNonce() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating lock nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}
