// Package headerpolicy decides which headers cross the proxy boundary.
// Both directions strip the RFC 7230 hop-by-hop set (the names listed
// in any Connection field-value plus the fixed set below); the request
// direction additionally strips headers the gateway replaces or that
// leak edge infrastructure details.
package headerpolicy

import (
	"net/http"
	"strings"
)

var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// ForwardRequestHeaders filters headers for the upstream request.
func ForwardRequestHeaders(in http.Header) http.Header {
	hops := connectionHopHeaders(in)
	out := make(http.Header, len(in))
	for name, values := range in {
		if shouldDropRequestHeader(name, hops) {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}

// ForwardResponseHeaders filters headers for the client-facing response.
func ForwardResponseHeaders(in http.Header) http.Header {
	hops := connectionHopHeaders(in)
	out := make(http.Header, len(in))
	for name, values := range in {
		if isHopByHop(name, hops) {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}

func shouldDropRequestHeader(name string, hops map[string]struct{}) bool {
	if isHopByHop(name, hops) {
		return true
	}
	lower := strings.ToLower(name)
	switch lower {
	case "authorization", "host", "content-length", "cdn-loop", "x-real-ip":
		return true
	}
	if strings.HasPrefix(lower, "cf-") {
		return true
	}
	if strings.HasPrefix(lower, "x-forwarded-") {
		return true
	}
	return false
}

func isHopByHop(name string, hops map[string]struct{}) bool {
	lower := strings.ToLower(name)
	if _, ok := hops[lower]; ok {
		return true
	}
	_, ok := hopByHop[lower]
	return ok
}

// connectionHopHeaders collects the lowercase header names announced in
// Connection field-values.
func connectionHopHeaders(in http.Header) map[string]struct{} {
	out := map[string]struct{}{}
	for _, value := range in.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			out[strings.ToLower(token)] = struct{}{}
		}
	}
	return out
}
