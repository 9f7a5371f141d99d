// Package config loads the gateway's TOML configuration and applies
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/codexmgr/codexmgr/pkg/logging"
)

const (
	DefaultListen                   = "127.0.0.1:8787"
	DefaultUpstreamBaseURL          = "https://chatgpt.com/backend-api/"
	DefaultRedisURL                 = "redis://127.0.0.1:6379"
	DefaultStickyTTLSeconds         = 7200
	DefaultTokenSafetyWindowSeconds = 120

	// envPrefix namespaces environment overrides, e.g.
	// CODEX_MGR_LISTEN, CODEX_MGR_REDIS_URL.
	envPrefix = "codex_mgr"
)

var logger = logging.New("config")

// Config is the process-wide configuration, loaded once at startup.
// Pools are re-loadable only by restart.
type Config struct {
	Gateway GatewayConfig         `toml:"gateway"`
	Pools   map[string]PoolConfig `toml:"pools"`
}

// GatewayConfig is the [gateway] section.
type GatewayConfig struct {
	Listen                   string `toml:"listen" envconfig:"LISTEN"`
	UpstreamBaseURL          string `toml:"upstream_base_url" envconfig:"UPSTREAM_BASE_URL"`
	RedisURL                 string `toml:"redis_url" envconfig:"REDIS_URL"`
	StickyTTLSeconds         int64  `toml:"sticky_ttl_seconds" envconfig:"STICKY_TTL_SECONDS"`
	TokenSafetyWindowSeconds int64  `toml:"token_safety_window_seconds" envconfig:"TOKEN_SAFETY_WINDOW_SECONDS"`
}

// PoolConfig is one [pools.<id>] entry.
type PoolConfig struct {
	Labels    []string `toml:"labels"`
	PolicyKey string   `toml:"policy_key"`
}

// Path returns the config file location under the state root.
func Path(stateRoot string) string {
	return filepath.Join(stateRoot, "config.toml")
}

// Load reads config.toml under stateRoot, fills defaults, applies
// CODEX_MGR_* env overrides, and validates pool invariants.
func Load(stateRoot string) (*Config, error) {
	path := Path(stateRoot)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(string(raw))
}

// Parse decodes a TOML document into a validated Config.
func Parse(text string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(text, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&cfg.Gateway)
	if err := envconfig.Process(envPrefix, &cfg.Gateway); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	warnSuspiciousBaseURL(cfg.Gateway.UpstreamBaseURL)
	return &cfg, nil
}

func applyDefaults(gw *GatewayConfig) {
	if strings.TrimSpace(gw.Listen) == "" {
		gw.Listen = DefaultListen
	}
	if strings.TrimSpace(gw.UpstreamBaseURL) == "" {
		gw.UpstreamBaseURL = DefaultUpstreamBaseURL
	}
	if strings.TrimSpace(gw.RedisURL) == "" {
		gw.RedisURL = DefaultRedisURL
	}
	if gw.StickyTTLSeconds == 0 {
		gw.StickyTTLSeconds = DefaultStickyTTLSeconds
	}
	if gw.TokenSafetyWindowSeconds == 0 {
		gw.TokenSafetyWindowSeconds = DefaultTokenSafetyWindowSeconds
	}
}

func validate(cfg *Config) error {
	if cfg.Gateway.StickyTTLSeconds <= 0 {
		return fmt.Errorf("sticky_ttl_seconds must be > 0, got %d", cfg.Gateway.StickyTTLSeconds)
	}
	if cfg.Gateway.TokenSafetyWindowSeconds < 0 {
		return fmt.Errorf("token_safety_window_seconds must be >= 0, got %d", cfg.Gateway.TokenSafetyWindowSeconds)
	}
	for poolID, pool := range cfg.Pools {
		if len(pool.Labels) == 0 {
			return fmt.Errorf("pool %q has no labels configured", poolID)
		}
		seen := map[string]struct{}{}
		for _, label := range pool.Labels {
			if label == "" {
				return fmt.Errorf("pool %q contains an empty label", poolID)
			}
			if _, dup := seen[label]; dup {
				return fmt.Errorf("pool %q lists label %q twice", poolID, label)
			}
			seen[label] = struct{}{}
		}
	}
	return nil
}

func warnSuspiciousBaseURL(base string) {
	if strings.HasSuffix(base, "/backend-api") {
		logger.Warn("upstream_base_url ends in /backend-api without a trailing slash; the canonical form ends in /backend-api/",
			"upstream_base_url", base)
	}
}

// RedactURL masks the password component of a URL for logging. It is
// idempotent and leaves every other component intact.
func RedactURL(raw string) string {
	schemeEnd := strings.Index(raw, "://")
	if schemeEnd < 0 {
		return raw
	}
	schemeEnd += len("://")
	rest := raw[schemeEnd:]
	at := strings.Index(rest, "@")
	if at < 0 {
		return raw
	}
	userinfo := rest[:at]
	user, _, hasPassword := strings.Cut(userinfo, ":")
	if !hasPassword {
		return raw
	}
	return raw[:schemeEnd] + user + ":****" + rest[at:]
}

// CheckAccountHomes warns for every pool label with no credential home
// under accountsRoot. Every label is expected to correspond to an
// account directory produced by the login flow.
func CheckAccountHomes(cfg *Config, accountsRoot string) {
	for poolID, pool := range cfg.Pools {
		for _, label := range pool.Labels {
			home := filepath.Join(accountsRoot, label)
			if info, err := os.Stat(home); err != nil || !info.IsDir() {
				logger.Warn("pool label has no account home on disk",
					"pool", poolID, "label", label, "home", home)
			}
		}
	}
}
