// Package serve boots the gateway: configuration, kv connectivity,
// collaborator wiring, and the HTTP server lifecycle.
package serve

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	retry "github.com/avast/retry-go/v4"

	"github.com/codexmgr/codexmgr/internal/gateway/auth"
	"github.com/codexmgr/codexmgr/internal/gateway/config"
	"github.com/codexmgr/codexmgr/internal/gateway/kv"
	"github.com/codexmgr/codexmgr/internal/gateway/metrics"
	"github.com/codexmgr/codexmgr/internal/gateway/proxy"
	"github.com/codexmgr/codexmgr/internal/gateway/server"
	"github.com/codexmgr/codexmgr/internal/gateway/session"
	"github.com/codexmgr/codexmgr/internal/gateway/tokenprovider"
	"github.com/codexmgr/codexmgr/pkg/logging"
)

var logger = logging.New("serve")

// Options locate the gateway's on-disk collaborators.
type Options struct {
	StateRoot    string
	AccountsRoot string
}

// Run serves until the process receives SIGINT or SIGTERM.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.StateRoot)
	if err != nil {
		return err
	}

	logger.Info("starting gateway",
		"config", config.Path(opts.StateRoot),
		"listen", cfg.Gateway.Listen,
		"upstream_base_url", cfg.Gateway.UpstreamBaseURL,
		"redis_url", config.RedactURL(cfg.Gateway.RedisURL),
		"sticky_ttl_seconds", cfg.Gateway.StickyTTLSeconds,
		"token_safety_window_seconds", cfg.Gateway.TokenSafetyWindowSeconds,
		"pools", len(cfg.Pools),
	)
	config.CheckAccountHomes(cfg, opts.AccountsRoot)

	store, err := kv.Open(cfg.Gateway.RedisURL)
	if err != nil {
		return err
	}
	defer store.Close()

	// A replica often races its Redis at boot; retry the first ping
	// before declaring the store unreachable.
	err = retry.Do(
		func() error { return store.Ping(ctx) },
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("kv not ready, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("kv unreachable at startup: %w", err)
	}

	m := metrics.New()
	sessions := session.NewStore(store)
	tokens := tokenprovider.New(store, func(accountID string) auth.Manager {
		return auth.NewDirManager(filepath.Join(opts.AccountsRoot, accountID))
	})
	httpClient := &http.Client{
		// No overall timeout: streamed responses stay open as long as
		// the upstream keeps sending. Per-request cancellation comes
		// from the incoming request context.
		Transport: http.DefaultTransport,
	}
	forwarder := proxy.New(httpClient, cfg.Gateway.UpstreamBaseURL, m)

	srv := server.New(cfg, store, sessions, tokens, forwarder, m)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(runCtx)
}
