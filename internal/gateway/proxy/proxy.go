// Package proxy forwards requests to the upstream chat backend. Request
// bodies are buffered up to a cap; responses are streamed when the
// client asked for server-sent events and fully buffered otherwise.
package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/codexmgr/codexmgr/internal/gateway/clock"
	"github.com/codexmgr/codexmgr/internal/gateway/headerpolicy"
	"github.com/codexmgr/codexmgr/internal/gateway/metrics"
	"github.com/codexmgr/codexmgr/pkg/logging"
)

// MaxBodyBytes caps the buffered request body at 10 MiB.
const MaxBodyBytes = 10 << 20

const accountIDHeader = "ChatGPT-Account-ID"

var logger = logging.New("proxy")

// ErrRequestTooLarge marks a request body over the buffering cap.
var ErrRequestTooLarge = errors.New("request body too large")

// Forwarder sends requests upstream and writes the result to the
// client.
type Forwarder struct {
	client  *http.Client
	baseURL string
	metrics *metrics.Metrics
	clock   clock.Clock
}

// New builds a Forwarder. The base URL is canonicalised by trimming
// trailing slashes; the incoming path and query are appended verbatim.
func New(client *http.Client, baseURL string, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		client:  client,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		metrics: m,
		clock:   clock.System{},
	}
}

// Forward proxies the request with the given upstream credentials and
// writes the response. All failure modes are written to w; the method
// never panics the pipeline.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, authorization, accountID string) {
	body, err := readBody(r)
	if err != nil {
		if errors.Is(err, ErrRequestTooLarge) {
			http.Error(w, "request body too large", http.StatusBadRequest)
			return
		}
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	upstreamURL := f.baseURL + pathAndQuery(r)
	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		logger.Error("building upstream request", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	req.Header = headerpolicy.ForwardRequestHeaders(r.Header)

	if !httpguts.ValidHeaderFieldValue(authorization) {
		logger.Error("invalid bearer value for upstream request")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	req.Header.Set("Authorization", authorization)
	if accountID != "" {
		if !httpguts.ValidHeaderFieldValue(accountID) {
			logger.Error("invalid account id header value")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		req.Header.Set(accountIDHeader, accountID)
	}

	f.metrics.UpstreamRequestsTotal.Inc()
	sentMS := f.clock.NowMS()
	resp, err := f.client.Do(req)
	if err != nil {
		f.metrics.UpstreamErrorsTotal.Inc()
		logger.Error("upstream request failed", "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	f.metrics.UpstreamLatencyMS.Observe(float64(f.clock.NowMS() - sentMS))
	f.metrics.ObserveUpstreamStatus(resp.StatusCode)

	if acceptsEventStream(r.Header) {
		f.streamResponse(w, r, resp)
		return
	}
	f.bufferedResponse(w, resp)
}

// streamResponse copies the upstream body to the client as it arrives,
// flushing each chunk. The SSE in-flight gauge is decremented exactly
// once whether the stream ends at upstream EOF or client disconnect.
func (f *Forwarder) streamResponse(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	headers := headerpolicy.ForwardResponseHeaders(resp.Header)
	for name, values := range headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	f.metrics.SSEStreamsTotal.Inc()
	f.metrics.SSEStreamsInflight.Inc()
	defer f.metrics.SSEStreamsInflight.Dec()

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Debug("client went away during stream", "error", werr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				f.metrics.UpstreamErrorsTotal.Inc()
				logger.Warn("upstream stream ended with error", "error", err)
			}
			return
		}
		if r.Context().Err() != nil {
			return
		}
	}
}

func (f *Forwarder) bufferedResponse(w http.ResponseWriter, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.metrics.UpstreamErrorsTotal.Inc()
		logger.Error("reading upstream response", "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	headers := headerpolicy.ForwardResponseHeaders(resp.Header)
	for name, values := range headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		logger.Debug("writing response to client", "error", err)
	}
}

// readBody buffers the request body, rejecting anything beyond the cap.
// A body of exactly MaxBodyBytes is accepted.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if len(body) > MaxBodyBytes {
		return nil, ErrRequestTooLarge
	}
	return body, nil
}

func pathAndQuery(r *http.Request) string {
	out := r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		out += "?" + r.URL.RawQuery
	}
	return out
}

func acceptsEventStream(h http.Header) bool {
	return strings.Contains(h.Get("Accept"), "text/event-stream")
}
