package headerpolicy

import (
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestForwardRequestHeaders_DropsProxyAndEdgeHeaders(t *testing.T) {
	in := http.Header{}
	in.Set("Authorization", "Bearer secret")
	in.Set("Host", "example.com")
	in.Set("Content-Length", "42")
	in.Set("Cf-Connecting-Ip", "1.2.3.4")
	in.Set("Cdn-Loop", "cloudflare")
	in.Set("X-Forwarded-For", "1.2.3.4")
	in.Set("X-Forwarded-Proto", "https")
	in.Set("X-Real-Ip", "1.2.3.4")
	in.Set("Accept", "application/json")
	in.Set("Content-Type", "application/json")

	out := ForwardRequestHeaders(in)

	want := http.Header{}
	want.Set("Accept", "application/json")
	want.Set("Content-Type", "application/json")
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("unexpected headers (-want +got):\n%s", diff)
	}
}

func TestForwardRequestHeaders_HopByHop(t *testing.T) {
	in := http.Header{}
	in.Set("Connection", "close, X-Custom-Hop")
	in.Set("Keep-Alive", "timeout=5")
	in.Set("Proxy-Authenticate", "Basic")
	in.Set("Proxy-Authorization", "Basic abc")
	in.Set("Te", "trailers")
	in.Set("Trailer", "Expires")
	in.Set("Transfer-Encoding", "chunked")
	in.Set("Upgrade", "websocket")
	in.Set("X-Custom-Hop", "drop-me")
	in.Set("X-Custom-Keep", "keep-me")

	out := ForwardRequestHeaders(in)

	assert.Empty(t, out.Get("Connection"))
	assert.Empty(t, out.Get("Keep-Alive"))
	assert.Empty(t, out.Get("Proxy-Authenticate"))
	assert.Empty(t, out.Get("Proxy-Authorization"))
	assert.Empty(t, out.Get("Te"))
	assert.Empty(t, out.Get("Trailer"))
	assert.Empty(t, out.Get("Transfer-Encoding"))
	assert.Empty(t, out.Get("Upgrade"))
	assert.Empty(t, out.Get("X-Custom-Hop"), "Connection-named header must be dropped")
	assert.Equal(t, "keep-me", out.Get("X-Custom-Keep"))
}

func TestForwardResponseHeaders_KeepsEndToEndOnly(t *testing.T) {
	in := http.Header{}
	in.Set("Connection", "x-stream-hint")
	in.Set("X-Stream-Hint", "drop")
	in.Set("Transfer-Encoding", "chunked")
	in.Set("Content-Type", "text/event-stream")
	in.Set("X-Request-Cost", "3")

	out := ForwardResponseHeaders(in)

	assert.Empty(t, out.Get("Connection"))
	assert.Empty(t, out.Get("X-Stream-Hint"))
	assert.Empty(t, out.Get("Transfer-Encoding"))
	assert.Equal(t, "text/event-stream", out.Get("Content-Type"))
	assert.Equal(t, "3", out.Get("X-Request-Cost"))
}

func TestForwardResponseHeaders_KeepsRequestOnlyDrops(t *testing.T) {
	// The response policy drops only the hop-by-hop set; request-only
	// drops such as cf-* must survive in the response direction.
	in := http.Header{}
	in.Set("Cf-Ray", "abc")
	in.Set("X-Forwarded-Host", "x")

	out := ForwardResponseHeaders(in)
	assert.Equal(t, "abc", out.Get("Cf-Ray"))
	assert.Equal(t, "x", out.Get("X-Forwarded-Host"))
}

func TestForwardRequestHeaders_PreservesMultiValues(t *testing.T) {
	in := http.Header{}
	in.Add("Accept-Encoding", "gzip")
	in.Add("Accept-Encoding", "br")

	out := ForwardRequestHeaders(in)
	assert.Equal(t, []string{"gzip", "br"}, out.Values("Accept-Encoding"))
}
