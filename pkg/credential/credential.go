// Package credential loads per-service upstream credentials and injects
// them into outbound requests. Each service carries exactly one auth
// strategy: a static bearer token, a named header, a query parameter, or a
// stateful ATProto session with its own token lifecycle.
package credential

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/credgate/credgate/pkg/credential/atproto"
	"github.com/credgate/credgate/pkg/errors"
	"github.com/credgate/credgate/pkg/logging"
)

// AuthType identifies a credential injection strategy.
type AuthType string

const (
	AuthBearer  AuthType = "bearer"
	AuthHeader  AuthType = "header"
	AuthQuery   AuthType = "query"
	AuthATProto AuthType = "atproto"
)

const (
	defaultAuthHeader = "X-API-Key"
	defaultQueryParam = "api_key"
)

// Credential is the configuration for one proxied service. The strategy is
// fixed at load time; only the ATProto strategy carries mutable state, and
// that state is guarded by the strategy's own lock.
type Credential struct {
	Service  string
	BaseURL  string
	Type     AuthType
	strategy injector
}

type injector interface {
	inject(ctx context.Context, header http.Header, rawURL string) (http.Header, string, error)
}

// InjectAuth returns a copy of the headers and URL with authentication
// applied. The caller's header map is never mutated. For ATProto
// credentials this may perform network I/O to establish or refresh the
// upstream session; on failure the inputs are returned unchanged along
// with the error so the caller can still forward the request.
func (c *Credential) InjectAuth(ctx context.Context, header http.Header, rawURL string) (http.Header, string, error) {
	return c.strategy.inject(ctx, cloneHeader(header), rawURL)
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}

type bearerAuth struct {
	token string
}

func (b bearerAuth) inject(_ context.Context, header http.Header, rawURL string) (http.Header, string, error) {
	header.Set("Authorization", "Bearer "+b.token)
	return header, rawURL, nil
}

type headerAuth struct {
	name  string
	token string
}

func (h headerAuth) inject(_ context.Context, header http.Header, rawURL string) (http.Header, string, error) {
	header.Set(h.name, h.token)
	return header, rawURL, nil
}

type queryAuth struct {
	param string
	token string
}

func (q queryAuth) inject(_ context.Context, header http.Header, rawURL string) (http.Header, string, error) {
	separator := "?"
	if strings.Contains(rawURL, "?") {
		separator = "&"
	}
	return header, rawURL + separator + q.param + "=" + url.QueryEscape(q.token), nil
}

// sessionSource is the slice of the ATProto client the strategy needs.
// Tests substitute fakes to exercise the lifecycle without network I/O.
type sessionSource interface {
	CreateSession(ctx context.Context, identifier, appPassword string) (*atproto.Session, error)
	RefreshSession(ctx context.Context, refreshToken string) (*atproto.Session, error)
}

type atprotoAuth struct {
	service     string
	identifier  string
	appPassword string
	source      sessionSource
	now         func() time.Time

	// mu serializes the token lifecycle so concurrent requests for the
	// same service never issue duplicate createSession calls. It is held
	// across the refresh/create network I/O intentionally.
	mu     sync.Mutex
	cached *atproto.Session
}

func (a *atprotoAuth) inject(ctx context.Context, header http.Header, rawURL string) (http.Header, string, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return header, rawURL, err
	}
	header.Set("Authorization", "Bearer "+token)
	return header, rawURL, nil
}

func (a *atprotoAuth) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()

	if a.cached != nil && !a.cached.NearExpiry(now) {
		return a.cached.AccessToken, nil
	}

	if a.cached != nil && a.cached.RefreshToken != "" {
		sess, err := a.source.RefreshSession(ctx, a.cached.RefreshToken)
		if err == nil {
			a.cached = sess
			return sess.AccessToken, nil
		}
		logging.Default().Warn(logging.CategoryCredential, "refresh_failed",
			"ATProto session refresh failed, falling back to full login",
			map[string]any{"service": a.service, "error": err.Error()})
	}

	sess, err := a.source.CreateSession(ctx, a.identifier, a.appPassword)
	if err != nil {
		a.cached = nil
		return "", errors.Wrap(err, errors.ErrCodeCredentialRefresh, "ATProto session creation failed").
			WithContext("service", a.service)
	}

	a.cached = sess
	logging.Default().Info(logging.CategoryCredential, "session_created",
		"ATProto session established",
		map[string]any{"service": a.service, "did": sess.DID})
	return sess.AccessToken, nil
}
