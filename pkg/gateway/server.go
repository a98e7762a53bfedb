// Package gateway exposes the HTTP front end: session lifecycle
// endpoints, the transparent credential-injecting proxy, and the git
// bundle endpoints. Every request is authorized against the session store
// or the legacy shared key.
package gateway

import (
	"context"
	"crypto/subtle"
	stdliberrors "errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/credgate/credgate/pkg/credential"
	"github.com/credgate/credgate/pkg/gitbundle"
	"github.com/credgate/credgate/pkg/logging"
	"github.com/credgate/credgate/pkg/proxy"
	"github.com/credgate/credgate/pkg/session"
)

const (
	headerSessionID = "X-Session-Id"
	headerAuthKey   = "X-Auth-Key"

	// GitService is the pseudo-service gating the bundle endpoints. It
	// has no credential entry and is rejected by the generic proxy.
	GitService = "git"

	sessionCreateInterval = time.Second
)

// Config controls the gateway server behavior.
type Config struct {
	BindAddress    string
	ExternalURL    string
	SecretKey      string
	MaxUploadBytes int64
}

// Server hosts the gateway HTTP API.
type Server struct {
	cfg        Config
	sessions   *session.Store
	creds      *credential.Store
	forwarder  *proxy.Forwarder
	runner     *gitbundle.Runner
	httpServer *http.Server

	sessionLimiter *rateLimiter
}

// NewServer constructs a server over the provided stores. All
// dependencies are explicit; the server holds no global state.
func NewServer(cfg Config, sessions *session.Store, creds *credential.Store, forwarder *proxy.Forwarder, runner *gitbundle.Runner) *Server {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1:8443"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 512 << 20
	}
	if cfg.SecretKey == "" {
		logging.Default().Warn(logging.CategoryServer, "no_secret_key",
			"no legacy secret key configured; key-based auth is disabled", nil)
	}

	s := &Server{
		cfg:            cfg,
		sessions:       sessions,
		creds:          creds,
		forwarder:      forwarder,
		runner:         runner,
		sessionLimiter: newRateLimiter(sessionCreateInterval),
	}

	router := chi.NewRouter()
	router.Use(s.recoveryMiddleware)
	router.Use(s.securityHeadersMiddleware)
	router.Use(s.requestLogMiddleware)

	router.Get("/health", s.handleHealth)
	router.Get("/metrics", s.handleMetrics)
	router.Get("/services", s.handleListServices)
	router.Post("/sessions", s.handleCreateSession)
	router.Delete("/sessions/{sessionID}", s.handleRevokeSession)
	router.Handle("/proxy/{service}/*", http.HandlerFunc(s.handleProxy))
	router.Post("/git/fetch-bundle", s.handleFetchBundle)
	router.Post("/git/push-bundle", s.handlePushBundle)

	s.httpServer = &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	logging.Default().Info(logging.CategoryServer, "listening",
		"gateway server listening",
		map[string]any{"address": s.cfg.BindAddress, "services": s.creds.ListServices()})
	if err := s.httpServer.ListenAndServe(); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// verifyKey does a constant-time comparison against the legacy secret.
// An unconfigured secret never matches.
func (s *Server) verifyKey(candidate string) bool {
	if s.cfg.SecretKey == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.SecretKey)) == 1
}

// authorizeService accepts a session granting the service, or the legacy
// key.
func (s *Server) authorizeService(r *http.Request, service string) bool {
	if id := r.Header.Get(headerSessionID); id != "" && s.sessions.HasService(id, service) {
		return true
	}
	return s.verifyKey(r.Header.Get(headerAuthKey))
}

// authorizeAny accepts any valid session or the legacy key. Used for
// endpoints that are not scoped to one service, like /metrics.
func (s *Server) authorizeAny(r *http.Request) bool {
	if id := r.Header.Get(headerSessionID); id != "" {
		if _, ok := s.sessions.Get(id); ok {
			return true
		}
	}
	return s.verifyKey(r.Header.Get(headerAuthKey))
}

// availableServices is the configured service list plus the git
// pseudo-service, sorted.
func (s *Server) availableServices() []string {
	services := s.creds.ListServices()
	for _, svc := range services {
		if svc == GitService {
			sort.Strings(services)
			return services
		}
	}
	services = append(services, GitService)
	sort.Strings(services)
	return services
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{
		"status":          "healthy",
		"mode":            "credential-proxy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"services":        s.creds.ListServices(),
		"active_sessions": s.sessions.Count(),
	})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"services": s.availableServices()})
}

// proxyBaseURL computes the base URL clients should use for subsequent
// proxy calls, preferring the configured external URL over the request
// host.
func (s *Server) proxyBaseURL(r *http.Request) string {
	if s.cfg.ExternalURL != "" {
		return s.cfg.ExternalURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// remoteAddrKey extracts the client address for rate limiting.
func remoteAddrKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
