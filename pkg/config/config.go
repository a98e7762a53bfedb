// Package config loads gateway configuration from a YAML file with
// environment variable overrides for secrets.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/credgate/credgate/pkg/errors"
	"github.com/credgate/credgate/pkg/repourl"
)

// Default configuration values.
const (
	DefaultBindAddress     = "127.0.0.1:8443"
	DefaultCredentialsFile = "credentials.json"
	DefaultLogDir          = "logs"
	DefaultMaxUploadMB     = 512
	DefaultCloneTimeout    = 300 * time.Second
	DefaultStepTimeout     = 60 * time.Second
)

// Config is the complete gateway configuration.
type Config struct {
	Server      ServerConfig  `yaml:"server"`
	Credentials CredConfig    `yaml:"credentials"`
	Git         GitConfig     `yaml:"git"`
	Logging     LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	BindAddress string `yaml:"bind_address"`
	// ExternalURL is advertised to clients in session responses when the
	// gateway sits behind a tunnel or reverse proxy.
	ExternalURL string `yaml:"external_url"`
	// SecretKey authorizes session creation and legacy key access.
	// CREDGATE_SECRET_KEY overrides it.
	SecretKey   string `yaml:"secret_key"`
	MaxUploadMB int64  `yaml:"max_upload_mb"`
}

// CredConfig locates the credential store.
type CredConfig struct {
	File string `yaml:"file"`
}

// GitConfig controls the bundle workflows.
type GitConfig struct {
	GitPath             string         `yaml:"git_path"`
	GHPath              string         `yaml:"gh_path"`
	CloneTimeoutSeconds int            `yaml:"clone_timeout_seconds"`
	StepTimeoutSeconds  int            `yaml:"step_timeout_seconds"`
	RepoPolicy          repourl.Policy `yaml:"repo_policy"`
}

// LoggingConfig controls where structured logs land.
type LoggingConfig struct {
	Dir string `yaml:"dir"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress: DefaultBindAddress,
			MaxUploadMB: DefaultMaxUploadMB,
		},
		Credentials: CredConfig{File: DefaultCredentialsFile},
		Git: GitConfig{
			CloneTimeoutSeconds: int(DefaultCloneTimeout / time.Second),
			StepTimeoutSeconds:  int(DefaultStepTimeout / time.Second),
		},
		Logging: LoggingConfig{Dir: DefaultLogDir},
	}
}

// Load reads the config file at path. A missing file yields defaults;
// a present but malformed file is an error. Environment overrides apply
// either way.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeConfigParse, "failed to parse config file").
					WithContext("path", path)
			}
		case os.IsNotExist(err):
			// Defaults apply.
		default:
			return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
				WithContext("path", path)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CREDGATE_SECRET_KEY"); v != "" {
		c.Server.SecretKey = v
	}
	if v := os.Getenv("CREDGATE_BIND_ADDRESS"); v != "" {
		c.Server.BindAddress = v
	}
	if v := os.Getenv("CREDGATE_EXTERNAL_URL"); v != "" {
		c.Server.ExternalURL = v
	}
	if v := os.Getenv("CREDGATE_CREDENTIALS_FILE"); v != "" {
		c.Credentials.File = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.BindAddress == "" {
		c.Server.BindAddress = DefaultBindAddress
	}
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = DefaultMaxUploadMB
	}
	if c.Credentials.File == "" {
		c.Credentials.File = DefaultCredentialsFile
	}
	if c.Git.CloneTimeoutSeconds <= 0 {
		c.Git.CloneTimeoutSeconds = int(DefaultCloneTimeout / time.Second)
	}
	if c.Git.StepTimeoutSeconds <= 0 {
		c.Git.StepTimeoutSeconds = int(DefaultStepTimeout / time.Second)
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = DefaultLogDir
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.BindAddress); err != nil {
		return errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("invalid bind_address %q", c.Server.BindAddress))
	}
	if c.Credentials.File == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "credentials.file must be set")
	}
	return nil
}

// CloneTimeout returns the clone stage timeout as a duration.
func (c *Config) CloneTimeout() time.Duration {
	return time.Duration(c.Git.CloneTimeoutSeconds) * time.Second
}

// StepTimeout returns the per-stage timeout as a duration.
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.Git.StepTimeoutSeconds) * time.Second
}

// MaxUploadBytes converts the upload cap to bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.Server.MaxUploadMB << 20
}

// CredentialsPath resolves the credential file relative to the config
// file's directory when not absolute.
func (c *Config) CredentialsPath(configPath string) string {
	if filepath.IsAbs(c.Credentials.File) || configPath == "" {
		return c.Credentials.File
	}
	return filepath.Join(filepath.Dir(configPath), c.Credentials.File)
}
