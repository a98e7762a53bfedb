// Package atproto implements the ATProto server-session lifecycle used by
// stateful credentials: createSession with an identifier and app password,
// refreshSession with the refresh token, and time-based expiry tracking.
package atproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the public Bluesky PDS entrypoint.
	DefaultBaseURL = "https://bsky.social"

	// SessionValidity is how long an issued access token is treated as
	// valid. Access JWTs from the PDS live about two hours.
	SessionValidity = 2 * time.Hour

	// RefreshMargin is how close to expiry a session is considered
	// near-expiry and eligible for refresh.
	RefreshMargin = 5 * time.Minute

	requestTimeout = 30 * time.Second
)

// Session holds the tokens issued by createSession or refreshSession.
type Session struct {
	AccessToken  string
	RefreshToken string
	DID          string
	Handle       string
	ExpiresAt    time.Time
}

// NearExpiry reports whether fewer than RefreshMargin remains before the
// session expires.
func (s *Session) NearExpiry(now time.Time) bool {
	if s == nil {
		return true
	}
	return now.After(s.ExpiresAt.Add(-RefreshMargin))
}

// Doer issues HTTP requests. *http.Client satisfies it; tests substitute
// fakes so the token lifecycle can be exercised without a PDS.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to an ATProto PDS.
type Client struct {
	baseURL string
	doer    Doer
	now     func() time.Time
}

// NewClient creates a client for the given PDS base URL. An empty base URL
// falls back to DefaultBaseURL.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		doer:    &http.Client{Timeout: requestTimeout},
		now:     time.Now,
	}
}

// WithDoer replaces the HTTP client, for tests.
func (c *Client) WithDoer(doer Doer) *Client {
	c.doer = doer
	return c
}

type sessionResponse struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	DID        string `json:"did"`
	Handle     string `json:"handle"`
}

// CreateSession performs a full login with the configured identifier and
// app password.
func (c *Client) CreateSession(ctx context.Context, identifier, appPassword string) (*Session, error) {
	body, err := json.Marshal(map[string]string{
		"identifier": identifier,
		"password":   appPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal createSession request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/xrpc/com.atproto.server.createSession", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build createSession request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.roundTrip(req, "createSession")
}

// RefreshSession exchanges a refresh token for a fresh session.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/xrpc/com.atproto.server.refreshSession", nil)
	if err != nil {
		return nil, fmt.Errorf("build refreshSession request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+refreshToken)

	return c.roundTrip(req, "refreshSession")
}

func (c *Client) roundTrip(req *http.Request, op string) (*Session, error) {
	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// XRPC errors carry a short JSON body; keep it for diagnostics.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var payload sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op, err)
	}
	if payload.AccessJwt == "" {
		return nil, fmt.Errorf("%s response missing access token", op)
	}

	return &Session{
		AccessToken:  payload.AccessJwt,
		RefreshToken: payload.RefreshJwt,
		DID:          payload.DID,
		Handle:       payload.Handle,
		ExpiresAt:    c.now().Add(SessionValidity),
	}, nil
}
