package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/codexmgr/codexmgr/internal/gateway/kv"
	"github.com/codexmgr/codexmgr/internal/gateway/observability"
	"github.com/codexmgr/codexmgr/internal/gateway/router"
)

// statusRecorder stamps the request id on the response and captures the
// final status for metrics. It forwards Flush so streamed responses
// keep working through the middleware stack.
type statusRecorder struct {
	http.ResponseWriter
	requestID   string
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.Header().Set(RequestIDHeader, r.requestID)
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// traceMiddleware is the outermost layer: request id, conversation hash
// for logging, request counters, in-flight gauge, and duration. Public
// paths get a request id but no counter bookkeeping.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trace := Trace{RequestID: observability.NewRequestID()}
		if cid := router.ExtractConversationID(r.Header); cid != "" {
			trace.ConversationHash = observability.HashOpaqueID(cid)
		}
		r = r.WithContext(withTrace(r.Context(), trace))

		rec := &statusRecorder{ResponseWriter: w, requestID: trace.RequestID, status: http.StatusOK}

		if isPublic(r) {
			next.ServeHTTP(rec, r)
			return
		}

		s.metrics.RequestsTotal.WithLabelValues(r.URL.Path).Inc()
		s.metrics.RequestsInflight.Inc()
		startMS := s.clock.NowMS()
		defer func() {
			durationMS := s.clock.NowMS() - startMS
			s.metrics.RequestsInflight.Dec()
			s.metrics.RequestDurationMS.Observe(float64(durationMS))
			switch {
			case rec.status == http.StatusUnauthorized:
				s.metrics.RequestsUnauthorizedTotal.Inc()
			case rec.status >= 500:
				s.metrics.Requests5xxTotal.Inc()
			}

			attrs := []any{
				"request_id", trace.RequestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", durationMS,
			}
			if trace.ConversationHash != "" {
				attrs = append(attrs, "conversation_sha256", trace.ConversationHash)
			}
			switch {
			case rec.status >= 500:
				logger.Error("request failed", attrs...)
			case rec.status >= 400:
				logger.Warn("request rejected", attrs...)
			default:
				logger.Debug("request served", attrs...)
			}
		}()

		next.ServeHTTP(rec, r)
	})
}

// authMiddleware resolves the gateway session behind the bearer token.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublic(r) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := ParseBearer(r.Header.Get("Authorization"))
		if !ok {
			http.Error(w, "missing or malformed bearer token", http.StatusUnauthorized)
			return
		}

		sess, err := s.sessions.Get(r.Context(), token)
		if err != nil {
			if errors.Is(err, kv.ErrUnavailable) {
				s.metrics.KVErrorsTotal.Inc()
				logger.Error("session lookup hit kv failure", "error", err)
				http.Error(w, "kv unavailable", http.StatusServiceUnavailable)
				return
			}
			logger.Error("session record unreadable", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if sess == nil {
			http.Error(w, "unknown gateway session", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), sess)))
	})
}

// routeMiddleware selects the account for the session's pool and
// attaches the decision. The conversation headers are consumed here and
// never forwarded upstream.
func (s *Server) routeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublic(r) {
			next.ServeHTTP(w, r)
			return
		}

		sess, ok := SessionFromContext(r.Context())
		if !ok {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		pool, ok := s.cfg.Pools[sess.AccountPoolID]
		if !ok {
			s.metrics.RoutingErrorsTotal.Inc()
			logger.Error("session references unknown pool", "pool", sess.AccountPoolID)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		policyKey := sess.PolicyKey
		if policyKey == "" {
			policyKey = pool.PolicyKey
		}

		conversationID := router.ExtractConversationID(r.Header)
		r.Header.Del("conversation_id")
		r.Header.Del("session_id")

		label, err := router.Route(r.Context(), s.kv, router.Args{
			PoolID:           sess.AccountPoolID,
			Labels:           pool.Labels,
			PolicyKey:        policyKey,
			StickyTTLSeconds: s.cfg.Gateway.StickyTTLSeconds,
			ConversationID:   conversationID,
			NonStickyKey:     nonStickyKey(r),
		})
		if err != nil {
			if errors.Is(err, kv.ErrUnavailable) {
				s.metrics.KVErrorsTotal.Inc()
				logger.Error("routing hit kv failure", "pool", sess.AccountPoolID, "error", err)
				http.Error(w, "kv unavailable", http.StatusServiceUnavailable)
				return
			}
			s.metrics.RoutingErrorsTotal.Inc()
			logger.Error("routing failed", "pool", sess.AccountPoolID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		route := RouteInfo{
			AccountPoolID:  sess.AccountPoolID,
			AccountID:      label,
			ConversationID: conversationID,
		}
		next.ServeHTTP(w, r.WithContext(withRoute(r.Context(), route)))
	})
}

// ParseBearer extracts the token from an Authorization header value.
// The scheme must be exactly "Bearer" and the token non-empty.
func ParseBearer(value string) (string, bool) {
	token, ok := strings.CutPrefix(value, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// nonStickyKey seeds hash selection for conversation-less requests so
// identical requests land on the same account without any kv state.
func nonStickyKey(r *http.Request) string {
	pathQuery := r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		pathQuery += "?" + r.URL.RawQuery
	}
	return "non-sticky:" + r.Method + " " + pathQuery
}
