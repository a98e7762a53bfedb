package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/credgate/credgate/pkg/credential/atproto"
	"github.com/credgate/credgate/pkg/errors"
	"github.com/credgate/credgate/pkg/logging"
)

// serviceConfig is one entry in the credentials file.
type serviceConfig struct {
	BaseURL     string `json:"base_url"`
	AuthType    string `json:"auth_type"`
	Credential  string `json:"credential"`
	AuthHeader  string `json:"auth_header"`
	QueryParam  string `json:"query_param"`
	Identifier  string `json:"identifier"`
	AppPassword string `json:"app_password"`
}

// serviceDefaults supplies base URL and strategy for well-known services
// so their config entries only need the secret material.
var serviceDefaults = map[string]struct {
	baseURL  string
	authType AuthType
}{
	"bsky":       {atproto.DefaultBaseURL, AuthATProto},
	"github_api": {"https://api.github.com", AuthBearer},
}

// Store holds the credential mapping loaded from the credentials file.
// Reload builds a complete replacement map before publishing it, so
// in-flight InjectAuth calls against old credentials finish cleanly.
type Store struct {
	path string

	mu    sync.RWMutex
	creds map[string]*Credential
}

// NewStore creates a store and performs the initial load. A missing
// credentials file is not an error: the store starts empty and the git
// pseudo-service still works.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:  path,
		creds: make(map[string]*Credential),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the credentials file and atomically replaces the
// mapping. Malformed entries are logged and skipped; they never abort the
// load of other entries.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Default().Warn(logging.CategoryConfig, "credentials_missing",
				"credentials file not found, starting with no services",
				map[string]any{"path": s.path})
			s.publish(make(map[string]*Credential))
			return nil
		}
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read credentials file").
			WithContext("path", s.path)
	}

	var entries map[string]serviceConfig
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigParse, "credentials file is not valid JSON").
			WithContext("path", s.path)
	}

	next := make(map[string]*Credential, len(entries))
	for name, cfg := range entries {
		cred, err := buildCredential(name, cfg)
		if err != nil {
			logging.Default().Error(logging.CategoryConfig, "credential_invalid",
				"skipping malformed credential entry",
				map[string]any{"service": name, "error": err.Error()})
			continue
		}
		next[name] = cred
		logging.Default().Info(logging.CategoryConfig, "credential_loaded",
			"loaded credentials for service",
			map[string]any{"service": name, "auth_type": string(cred.Type)})
	}

	s.publish(next)
	return nil
}

func (s *Store) publish(next map[string]*Credential) {
	s.mu.Lock()
	s.creds = next
	s.mu.Unlock()
}

// buildCredential resolves the strategy for one entry. An explicit
// auth_type wins; otherwise the strategy is inferred from which fields are
// present (identifier+app_password before a static credential, so an entry
// carrying both loads as ATProto).
func buildCredential(name string, cfg serviceConfig) (*Credential, error) {
	defaults, known := serviceDefaults[name]

	baseURL := cfg.BaseURL
	if baseURL == "" && known {
		baseURL = defaults.baseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("missing base_url")
	}

	authType := AuthType(cfg.AuthType)
	if authType == "" {
		switch {
		case cfg.Identifier != "" && cfg.AppPassword != "":
			authType = AuthATProto
			if cfg.Credential != "" {
				logging.Default().Warn(logging.CategoryConfig, "credential_ambiguous",
					"entry has both identifier/app_password and a static credential; using ATProto and ignoring the static credential",
					map[string]any{"service": name})
			}
		case cfg.Credential != "":
			authType = AuthBearer
		case known:
			authType = defaults.authType
		default:
			return nil, fmt.Errorf("cannot infer auth_type: no credential or identifier/app_password")
		}
	}

	cred := &Credential{
		Service: name,
		BaseURL: baseURL,
		Type:    authType,
	}

	switch authType {
	case AuthBearer:
		if cfg.Credential == "" {
			return nil, fmt.Errorf("bearer auth requires a credential")
		}
		cred.strategy = bearerAuth{token: cfg.Credential}

	case AuthHeader:
		if cfg.Credential == "" {
			return nil, fmt.Errorf("header auth requires a credential")
		}
		headerName := cfg.AuthHeader
		if headerName == "" {
			headerName = defaultAuthHeader
		}
		cred.strategy = headerAuth{name: headerName, token: cfg.Credential}

	case AuthQuery:
		if cfg.Credential == "" {
			return nil, fmt.Errorf("query auth requires a credential")
		}
		param := cfg.QueryParam
		if param == "" {
			param = defaultQueryParam
		}
		cred.strategy = queryAuth{param: param, token: cfg.Credential}

	case AuthATProto:
		if cfg.Identifier == "" || cfg.AppPassword == "" {
			return nil, fmt.Errorf("atproto auth requires identifier and app_password")
		}
		cred.strategy = &atprotoAuth{
			service:     name,
			identifier:  cfg.Identifier,
			appPassword: cfg.AppPassword,
			source:      atproto.NewClient(baseURL),
			now:         time.Now,
		}

	default:
		return nil, fmt.Errorf("unknown auth_type %q", cfg.AuthType)
	}

	return cred, nil
}

// Get returns the credential for a service, if configured.
func (s *Store) Get(service string) (*Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[service]
	return cred, ok
}

// ListServices returns the configured service names in sorted order.
func (s *Store) ListServices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.creds))
	for name := range s.creds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of configured services.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds)
}
