package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/credgate/credgate/pkg/config"
	"github.com/credgate/credgate/pkg/credential"
	"github.com/credgate/credgate/pkg/gateway"
	"github.com/credgate/credgate/pkg/gitbundle"
	"github.com/credgate/credgate/pkg/logging"
	"github.com/credgate/credgate/pkg/proxy"
	"github.com/credgate/credgate/pkg/session"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = 10 * time.Minute
	reloadDebounce  = 500 * time.Millisecond
)

func main() {
	var (
		configPath  string
		bindAddr    string
		credsPath   string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to gateway config file")
	flag.StringVar(&bindAddr, "addr", "", "bind address (overrides config)")
	flag.StringVar(&credsPath, "credentials", "", "path to credentials file (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("credgate %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	if err := run(configPath, bindAddr, credsPath); err != nil {
		fmt.Fprintf(os.Stderr, "credgate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, bindAddr, credsPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if bindAddr != "" {
		cfg.Server.BindAddress = bindAddr
	}
	if credsPath == "" {
		credsPath = cfg.CredentialsPath(configPath)
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	logger.Info(logging.CategoryServer, "starting",
		"credential gateway starting",
		map[string]any{"version": version, "credentials": credsPath})

	creds, err := credential.NewStore(credsPath)
	if err != nil {
		return err
	}

	runner, err := gitbundle.NewRunner(gitbundle.Options{
		GitPath:      cfg.Git.GitPath,
		GHPath:       cfg.Git.GHPath,
		Policy:       cfg.Git.RepoPolicy,
		CloneTimeout: cfg.CloneTimeout(),
		StepTimeout:  cfg.StepTimeout(),
	})
	if err != nil {
		return err
	}

	sessions := session.NewStore()

	srv := gateway.NewServer(gateway.Config{
		BindAddress:    cfg.Server.BindAddress,
		ExternalURL:    cfg.Server.ExternalURL,
		SecretKey:      cfg.Server.SecretKey,
		MaxUploadBytes: cfg.MaxUploadBytes(),
	}, sessions, creds, proxy.NewForwarder(creds), runner)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(srv.Start)

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info(logging.CategoryServer, "stopping", "shutting down", nil)
		return srv.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		return sweepSessions(ctx, sessions, logger)
	})

	group.Go(func() error {
		return watchCredentials(ctx, credsPath, creds, logger)
	})

	return group.Wait()
}

// sweepSessions periodically drops expired sessions so the store does not
// grow unbounded between lookups.
func sweepSessions(ctx context.Context, sessions *session.Store, logger *logging.Logger) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := sessions.Sweep(); removed > 0 {
				logger.Info(logging.CategorySession, "swept",
					"removed expired sessions", map[string]any{"count": removed})
			}
		}
	}
}

// watchCredentials reloads the credential store when its file changes.
// Editors often replace rather than write in place, so the watch is on the
// parent directory and filtered by name. Reloads are debounced since a
// single save can emit several events.
func watchCredentials(ctx context.Context, path string, creds *credential.Store, logger *logging.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn(logging.CategoryConfig, "watch_unavailable",
			"credential hot reload disabled", map[string]any{"error": err.Error()})
		<-ctx.Done()
		return nil
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		logger.Warn(logging.CategoryConfig, "watch_failed",
			"credential hot reload disabled", map[string]any{"dir": dir, "error": err.Error()})
		<-ctx.Done()
		return nil
	}

	target := filepath.Base(path)
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn(logging.CategoryConfig, "watch_error",
				"credential watcher error", map[string]any{"error": err.Error()})
		case <-pending:
			pending = nil
			if err := creds.Reload(); err != nil {
				logger.Error(logging.CategoryConfig, "reload_failed",
					"credential reload failed; previous credentials remain active",
					map[string]any{"error": err.Error()})
				continue
			}
			logger.Info(logging.CategoryConfig, "reloaded",
				"credentials reloaded", map[string]any{"services": creds.ListServices()})
		}
	}
}
