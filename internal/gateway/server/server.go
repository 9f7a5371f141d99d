// Package server composes the request pipeline: trace/metrics context,
// session authentication, routing, and dispatch to the forwarder, plus
// the public health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/codexmgr/codexmgr/internal/gateway/clock"
	"github.com/codexmgr/codexmgr/internal/gateway/config"
	"github.com/codexmgr/codexmgr/internal/gateway/kv"
	"github.com/codexmgr/codexmgr/internal/gateway/metrics"
	"github.com/codexmgr/codexmgr/internal/gateway/proxy"
	"github.com/codexmgr/codexmgr/internal/gateway/session"
	"github.com/codexmgr/codexmgr/internal/gateway/tokenprovider"
	"github.com/codexmgr/codexmgr/pkg/logging"
)

// RequestIDHeader labels every gateway response with its request id.
const RequestIDHeader = "x-codex-mgr-request-id"

var logger = logging.New("server")

var publicPaths = map[string]struct{}{
	"/healthz": {},
	"/readyz":  {},
	"/metrics": {},
}

// Server wires the pipeline together. It holds read-only configuration
// and shared handles; all mutable routing state lives in kv.
type Server struct {
	cfg       *config.Config
	kv        kv.Store
	sessions  *session.Store
	tokens    *tokenprovider.Provider
	forwarder *proxy.Forwarder
	metrics   *metrics.Metrics
	clock     clock.Clock
}

// New assembles a Server from its collaborators.
func New(cfg *config.Config, store kv.Store, sessions *session.Store, tokens *tokenprovider.Provider, forwarder *proxy.Forwarder, m *metrics.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		kv:        store,
		sessions:  sessions,
		tokens:    tokens,
		forwarder: forwarder,
		metrics:   m,
		clock:     clock.System{},
	}
}

// Handler returns the full middleware-wrapped handler tree.
func (s *Server) Handler() http.Handler {
	// The endpoints below answer GET only; any other method on their
	// paths is proxied like every other request.
	getOnly := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				s.handleProxy(w, r)
				return
			}
			h(w, r)
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", getOnly(s.handleHealthz))
	mux.HandleFunc("/readyz", getOnly(s.handleReadyz))
	mux.HandleFunc("/metrics", getOnly(s.metrics.Handler().ServeHTTP))
	mux.HandleFunc("/authz", getOnly(s.handleAuthz))
	mux.HandleFunc("/", s.handleProxy)

	var h http.Handler = mux
	h = s.routeMiddleware(h)
	h = s.authMiddleware(h)
	h = s.traceMiddleware(h)
	return h
}

// Run serves until ctx is cancelled, then stops accepting connections
// and drains in-flight requests (streams included) before returning.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Gateway.Listen,
		Handler: s.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", s.cfg.Gateway.Listen)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listening on %s: %w", s.cfg.Gateway.Listen, err)
	case <-ctx.Done():
	}

	logger.Info("shutting down; draining in-flight requests")
	if err := srv.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("draining connections: %w", err)
	}
	return nil
}

// isPublic reports whether the request targets a public endpoint.
// Only GETs are exempt; any other method on these paths is proxied like
// every other request.
func isPublic(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	_, ok := publicPaths[r.URL.Path]
	return ok
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprint(w, "ok\n")
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.kv.Ping(r.Context()); err != nil {
		s.metrics.KVErrorsTotal.Inc()
		logger.Error("readiness kv ping failed", "error", err)
		http.Error(w, "kv unavailable", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprint(w, "ok\n")
}

// handleAuthz is a diagnostic endpoint showing what the pipeline
// resolved for the caller's credentials.
func (s *Server) handleAuthz(w http.ResponseWriter, r *http.Request) {
	route, ok := RouteFromContext(r.Context())
	if !ok {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	conversation := route.ConversationID
	if conversation == "" {
		conversation = "-"
	}
	fmt.Fprintf(w, "pool=%s account=%s conversation=%s\n",
		route.AccountPoolID, route.AccountID, conversation)
}

// handleProxy acquires upstream credentials for the routed account and
// hands the request to the forwarder.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	route, ok := RouteFromContext(r.Context())
	if !ok {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	material, err := s.tokens.Get(r.Context(), route.AccountID, s.cfg.Gateway.TokenSafetyWindowSeconds)
	if err != nil {
		if errors.Is(err, kv.ErrUnavailable) {
			s.metrics.KVErrorsTotal.Inc()
			logger.Error("token acquisition hit kv failure", "account", route.AccountID, "error", err)
			http.Error(w, "kv unavailable", http.StatusServiceUnavailable)
			return
		}
		s.metrics.TokenErrorsTotal.Inc()
		logger.Error("token acquisition failed", "account", route.AccountID, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	s.forwarder.Forward(w, r, material.Authorization, material.ChatGPTAccountID)
}
