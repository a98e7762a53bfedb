package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/credgate/credgate/pkg/credential/atproto"
)

func TestBearerInjectDoesNotMutateInput(t *testing.T) {
	cred := &Credential{
		Service:  "github_api",
		BaseURL:  "https://api.github.com",
		Type:     AuthBearer,
		strategy: bearerAuth{token: "tok-123"},
	}

	original := http.Header{}
	original.Set("Accept", "application/json")

	injected, u, err := cred.InjectAuth(context.Background(), original, "https://api.github.com/user")
	if err != nil {
		t.Fatalf("InjectAuth error: %v", err)
	}

	if got := injected.Get("Authorization"); got != "Bearer tok-123" {
		t.Errorf("Authorization = %q", got)
	}
	if u != "https://api.github.com/user" {
		t.Errorf("URL changed: %s", u)
	}
	if original.Get("Authorization") != "" {
		t.Error("input headers were mutated")
	}
	if original.Get("Accept") != "application/json" {
		t.Error("input headers lost existing values")
	}
}

func TestHeaderInject(t *testing.T) {
	cred := &Credential{
		Type:     AuthHeader,
		strategy: headerAuth{name: "X-Custom-Key", token: "secret"},
	}

	injected, _, err := cred.InjectAuth(context.Background(), http.Header{}, "https://x")
	if err != nil {
		t.Fatalf("InjectAuth error: %v", err)
	}
	if got := injected.Get("X-Custom-Key"); got != "secret" {
		t.Errorf("X-Custom-Key = %q", got)
	}
}

func TestQueryInject(t *testing.T) {
	cred := &Credential{
		Type:     AuthQuery,
		strategy: queryAuth{param: "api_key", token: "k&v"},
	}

	_, u, err := cred.InjectAuth(context.Background(), http.Header{}, "https://x/path")
	if err != nil {
		t.Fatalf("InjectAuth error: %v", err)
	}
	if u != "https://x/path?api_key=k%26v" {
		t.Errorf("URL = %s", u)
	}

	_, u, _ = cred.InjectAuth(context.Background(), http.Header{}, "https://x/path?q=1")
	if u != "https://x/path?q=1&api_key=k%26v" {
		t.Errorf("URL with existing query = %s", u)
	}
}

// fakeSource scripts the ATProto session lifecycle.
type fakeSource struct {
	mu          sync.Mutex
	creates     atomic.Int64
	refreshes   atomic.Int64
	createErr   error
	refreshErr  error
	createDelay time.Duration
	counter     int
}

func (f *fakeSource) CreateSession(ctx context.Context, identifier, appPassword string) (*atproto.Session, error) {
	f.creates.Add(1)
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	f.counter++
	n := f.counter
	f.mu.Unlock()
	return &atproto.Session{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
		DID:          "did:plc:test",
		ExpiresAt:    time.Now().Add(atproto.SessionValidity),
	}, nil
}

func (f *fakeSource) RefreshSession(ctx context.Context, refreshToken string) (*atproto.Session, error) {
	f.refreshes.Add(1)
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &atproto.Session{
		AccessToken:  "refreshed-access",
		RefreshToken: "refreshed-refresh",
		DID:          "did:plc:test",
		ExpiresAt:    time.Now().Add(atproto.SessionValidity),
	}, nil
}

func newATProtoCredential(source sessionSource) *Credential {
	return &Credential{
		Service: "bsky",
		BaseURL: atproto.DefaultBaseURL,
		Type:    AuthATProto,
		strategy: &atprotoAuth{
			service:     "bsky",
			identifier:  "alice.bsky.social",
			appPassword: "app-pass",
			source:      source,
			now:         time.Now,
		},
	}
}

func TestATProtoInjectCreatesSessionOnce(t *testing.T) {
	source := &fakeSource{}
	cred := newATProtoCredential(source)

	injected, _, err := cred.InjectAuth(context.Background(), http.Header{}, "https://bsky.social/xrpc/x")
	if err != nil {
		t.Fatalf("InjectAuth error: %v", err)
	}
	if got := injected.Get("Authorization"); got == "" {
		t.Error("Authorization not set")
	}

	// Second call reuses the cached session.
	if _, _, err := cred.InjectAuth(context.Background(), http.Header{}, "https://x"); err != nil {
		t.Fatalf("second InjectAuth error: %v", err)
	}
	if got := source.creates.Load(); got != 1 {
		t.Errorf("createSession called %d times, want 1", got)
	}
	if got := source.refreshes.Load(); got != 0 {
		t.Errorf("refreshSession called %d times, want 0", got)
	}
}

func TestATProtoConcurrentInjectSingleCreate(t *testing.T) {
	source := &fakeSource{createDelay: 20 * time.Millisecond}
	cred := newATProtoCredential(source)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := cred.InjectAuth(context.Background(), http.Header{}, "https://x")
			if err != nil {
				t.Errorf("InjectAuth error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := source.creates.Load(); got != 1 {
		t.Errorf("createSession called %d times under concurrency, want 1", got)
	}
}

func TestATProtoRefreshNearExpiry(t *testing.T) {
	source := &fakeSource{}
	cred := newATProtoCredential(source)
	strategy := cred.strategy.(*atprotoAuth)

	// Seed a cached session with under five minutes remaining.
	strategy.cached = &atproto.Session{
		AccessToken:  "stale-access",
		RefreshToken: "stale-refresh",
		ExpiresAt:    time.Now().Add(3 * time.Minute),
	}

	injected, _, err := cred.InjectAuth(context.Background(), http.Header{}, "https://x")
	if err != nil {
		t.Fatalf("InjectAuth error: %v", err)
	}
	if got := injected.Get("Authorization"); got != "Bearer refreshed-access" {
		t.Errorf("Authorization = %q, want refreshed token", got)
	}
	if source.refreshes.Load() != 1 || source.creates.Load() != 0 {
		t.Errorf("refreshes=%d creates=%d, want 1/0", source.refreshes.Load(), source.creates.Load())
	}
}

func TestATProtoRefreshFailureFallsBackToCreate(t *testing.T) {
	source := &fakeSource{refreshErr: errors.New("ExpiredToken")}
	cred := newATProtoCredential(source)
	strategy := cred.strategy.(*atprotoAuth)
	strategy.cached = &atproto.Session{
		AccessToken:  "stale",
		RefreshToken: "stale-refresh",
		ExpiresAt:    time.Now().Add(time.Minute),
	}

	if _, _, err := cred.InjectAuth(context.Background(), http.Header{}, "https://x"); err != nil {
		t.Fatalf("InjectAuth error: %v", err)
	}
	if source.refreshes.Load() != 1 || source.creates.Load() != 1 {
		t.Errorf("refreshes=%d creates=%d, want 1/1", source.refreshes.Load(), source.creates.Load())
	}
}

func TestATProtoAllAttemptsFailReturnsInputsUnchanged(t *testing.T) {
	source := &fakeSource{
		createErr:  errors.New("AuthenticationRequired"),
		refreshErr: errors.New("ExpiredToken"),
	}
	cred := newATProtoCredential(source)

	original := http.Header{}
	original.Set("Accept", "application/json")

	injected, u, err := cred.InjectAuth(context.Background(), original, "https://x/path")
	if err == nil {
		t.Fatal("expected error when the full lifecycle fails")
	}
	if injected.Get("Authorization") != "" {
		t.Error("headers should be returned without an Authorization value")
	}
	if injected.Get("Accept") != "application/json" {
		t.Error("existing headers should survive")
	}
	if u != "https://x/path" {
		t.Errorf("URL = %s, want unchanged", u)
	}
}
