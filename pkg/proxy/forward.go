// Package proxy forwards authorized requests to upstream services with
// credentials injected, streaming response bodies back without buffering.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/credgate/credgate/pkg/credential"
	gwerrors "github.com/credgate/credgate/pkg/errors"
	"github.com/credgate/credgate/pkg/logging"
)

// DefaultUpstreamTimeout bounds one upstream round trip.
const DefaultUpstreamTimeout = 60 * time.Second

// hopByHopHeaders must not be relayed to the upstream. The gateway's own
// auth headers are stripped alongside them so session ids and the legacy
// key never leak upstream.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"host":                {},
	"x-session-id":        {},
	"x-auth-key":          {},
}

// excludedResponseHeaders do not survive re-transmission through this
// layer. Content-Length is recomputed by the outbound transport since the
// encoding may differ.
var excludedResponseHeaders = map[string]struct{}{
	"connection":        {},
	"keep-alive":        {},
	"transfer-encoding": {},
	"content-encoding":  {},
	"content-length":    {},
}

// Request describes one proxied call.
type Request struct {
	Service string
	Path    string
	Method  string
	Header  http.Header
	Body    io.Reader
	Query   string
}

// Forwarder builds and issues upstream requests.
type Forwarder struct {
	creds   *credential.Store
	client  *http.Client
	timeout time.Duration
}

// NewForwarder creates a forwarder over the given credential store.
func NewForwarder(creds *credential.Store) *Forwarder {
	return &Forwarder{
		creds:   creds,
		client:  &http.Client{},
		timeout: DefaultUpstreamTimeout,
	}
}

// WithTimeout overrides the upstream timeout, for tests.
func (f *Forwarder) WithTimeout(d time.Duration) *Forwarder {
	f.timeout = d
	return f
}

// Forward proxies one request. On success the upstream response is
// streamed directly to w. On failure nothing has been written to w and
// the returned error carries the gateway error code for status mapping.
func (f *Forwarder) Forward(ctx context.Context, w http.ResponseWriter, req Request) error {
	cred, ok := f.creds.Get(req.Service)
	if !ok {
		return gwerrors.New(gwerrors.ErrCodeServiceUnknown, "unknown service").
			WithContext("service", req.Service).
			WithUserMessage("unknown service: " + req.Service)
	}

	targetURL := strings.TrimRight(cred.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if req.Query != "" {
		targetURL += "?" + req.Query
	}

	header := filterRequestHeaders(req.Header)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	// Injection may itself hit the network for stateful credentials. A
	// failure here still forwards the request un-authenticated; the
	// upstream's 401 is the observable outcome.
	header, targetURL, err := cred.InjectAuth(ctx, header, targetURL)
	if err != nil {
		logging.Default().Warn(logging.CategoryProxy, "inject_failed",
			"credential injection failed, forwarding without auth",
			map[string]any{"service": req.Service, "error": err.Error()})
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, targetURL, req.Body)
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.ErrCodeInternal, "failed to build upstream request").
			WithContext("service", req.Service)
	}
	upstreamReq.Header = header

	logging.Default().Info(logging.CategoryProxy, "forward",
		"proxying request",
		map[string]any{"service": req.Service, "method": req.Method, "path": req.Path})

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		return classifyUpstreamError(err, req.Service)
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if _, excluded := excludedResponseHeaders[strings.ToLower(name)]; excluded {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Stream without buffering; large payloads relay in constant memory.
	if _, err := io.Copy(w, resp.Body); err != nil {
		logging.Default().Warn(logging.CategoryProxy, "relay_interrupted",
			"response relay interrupted",
			map[string]any{"service": req.Service, "error": err.Error()})
	}
	return nil
}

func filterRequestHeaders(header http.Header) http.Header {
	out := make(http.Header, len(header))
	for name, values := range header {
		if _, hop := hopByHopHeaders[strings.ToLower(name)]; hop {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}

func classifyUpstreamError(err error, service string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return gwerrors.Wrap(err, gwerrors.ErrCodeUpstreamTimeout, "upstream timeout").
			WithContext("service", service).
			WithUserMessage("upstream timeout").
			WithRetryable(true)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gwerrors.Wrap(err, gwerrors.ErrCodeUpstreamTimeout, "upstream timeout").
			WithContext("service", service).
			WithUserMessage("upstream timeout").
			WithRetryable(true)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return gwerrors.Wrap(err, gwerrors.ErrCodeUpstreamUnreachable, "upstream connection failed").
			WithContext("service", service).
			WithUserMessage("upstream connection failed").
			WithRetryable(true)
	}

	return gwerrors.Wrap(err, gwerrors.ErrCodeInternal, "proxy error").
		WithContext("service", service).
		WithUserMessage("proxy error")
}
