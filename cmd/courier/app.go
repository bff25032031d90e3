package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/blackcoderx/courier/pkg/auth/oauth1"
	"github.com/blackcoderx/courier/pkg/auth/oauth2"
	"github.com/blackcoderx/courier/pkg/auth/window"
	"github.com/blackcoderx/courier/pkg/config"
	"github.com/blackcoderx/courier/pkg/cookies"
	"github.com/blackcoderx/courier/pkg/engine"
	"github.com/blackcoderx/courier/pkg/logging"
	"github.com/blackcoderx/courier/pkg/storage"
	"github.com/blackcoderx/courier/pkg/vault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var afs afero.Fs = afero.NewOsFs()

// app holds the wired components one command invocation uses.
type app struct {
	settings *config.Settings
	log      *logging.Logger
	ws       *storage.Workspace
	vault    *vault.Vault
	jar      *cookies.Jar
	engine   *engine.Engine
	registry *prometheus.Registry

	oauth1Store *storage.CredentialStore
	oauth2Store *storage.CredentialStore
	oauth1      *oauth1.Manager
	oauth2      *oauth2.Manager
}

func newApp() (*app, error) {
	created, err := config.Initialize(afs, workspaceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize workspace: %w", err)
	}
	if created {
		fmt.Fprintln(os.Stderr, dimStyle.Render("Initialized "+workspaceDir))
	}

	settings, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(logging.Config{
		Level:       settings.Logging.Level,
		Development: settings.Logging.Development,
	})
	if err != nil {
		return nil, err
	}

	vlt, err := vault.New(vault.WithSaltFile(afs, filepath.Join(workspaceDir, "vault.salt")))
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}
	log.Debug("vault ready", zap.Stringer("backend", vlt.Backend()))

	jar, err := cookies.Open(afs, settings.CookieDir(workspaceDir), vlt, log, cookies.Options{
		Debounce: settings.CookieDebounce(),
	})
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	tlsOpts := settings.TLS
	eng := engine.New(engine.Options{
		Jar:       jar,
		Logger:    log,
		Version:   version,
		TLS:       &tlsOpts,
		RateLimit: settings.Request.RateLimit,
		Burst:     settings.Request.Burst,
		Metrics:   engine.NewMetrics(registry),
	})

	a := &app{
		settings:    settings,
		log:         log,
		ws:          storage.NewWorkspace(afs, workspaceDir),
		vault:       vlt,
		jar:         jar,
		engine:      eng,
		registry:    registry,
		oauth1Store: storage.NewCredentialStore(afs, filepath.Join(workspaceDir, storage.OAuth1StoreFile), vlt, log),
		oauth2Store: storage.NewCredentialStore(afs, filepath.Join(workspaceDir, storage.OAuth2StoreFile), vlt, log),
	}

	var browser window.Browser = window.NewAutoBrowser(log)
	if settings.OAuth.Browser == "prompt" {
		browser = &window.PromptBrowser{}
	}
	base := settings.BaseRequest()
	a.oauth1 = oauth1.NewManager(oauth1.Options{Store: a.oauth1Store, Engine: eng, Browser: browser, Logger: log, Base: base})
	a.oauth2 = oauth2.NewManager(oauth2.Options{Store: a.oauth2Store, Engine: eng, Browser: browser, Logger: log, Base: base})
	return a, nil
}

// Close flushes the cookie jar and the log.
func (a *app) Close() {
	if err := a.jar.Close(); err != nil {
		a.log.Error("failed to persist cookies", zap.Error(err))
	}
	_ = a.log.Sync()
}

// collectionID scopes cached credentials. A request's own collection wins
// over the workspace name.
func (a *app) collectionID(req *storage.Request) string {
	if req != nil && req.Collection != "" {
		return req.Collection
	}
	return a.ws.Name()
}

// loadRequest reads a saved request and applies the named environment.
func (a *app) loadRequest(ref, env string) (*storage.Request, error) {
	saved, err := a.ws.LoadRequest(ref)
	if err != nil {
		return nil, err
	}
	vars := map[string]string{}
	if env != "" {
		vars, err = a.ws.LoadEnvironment(env)
		if err != nil {
			return nil, fmt.Errorf("failed to load environment '%s': %w", env, err)
		}
	}
	return storage.ApplyEnvironment(saved, vars), nil
}
