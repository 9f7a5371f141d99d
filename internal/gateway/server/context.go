package server

import (
	"context"

	"github.com/codexmgr/codexmgr/internal/gateway/session"
)

type ctxKey int

const (
	ctxKeyTrace ctxKey = iota
	ctxKeySession
	ctxKeyRoute
)

// Trace is the per-request tracing context written by the outermost
// layer. The conversation id appears only as its SHA-256 digest.
type Trace struct {
	RequestID        string
	ConversationHash string
}

// RouteInfo is the routing decision attached by the routing layer.
type RouteInfo struct {
	AccountPoolID  string
	AccountID      string
	ConversationID string
}

func withTrace(ctx context.Context, t Trace) context.Context {
	return context.WithValue(ctx, ctxKeyTrace, t)
}

// TraceFromContext returns the request's trace context.
func TraceFromContext(ctx context.Context) (Trace, bool) {
	t, ok := ctx.Value(ctxKeyTrace).(Trace)
	return t, ok
}

func withSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, ctxKeySession, s)
}

// SessionFromContext returns the authenticated session, if any.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(ctxKeySession).(*session.Session)
	return s, ok
}

func withRoute(ctx context.Context, r RouteInfo) context.Context {
	return context.WithValue(ctx, ctxKeyRoute, r)
}

// RouteFromContext returns the routing decision, if any.
func RouteFromContext(ctx context.Context) (RouteInfo, bool) {
	r, ok := ctx.Value(ctxKeyRoute).(RouteInfo)
	return r, ok
}
