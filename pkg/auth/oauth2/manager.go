package oauth2

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/blackcoderx/courier/pkg/auth/flight"
	"github.com/blackcoderx/courier/pkg/auth/window"
	"github.com/blackcoderx/courier/pkg/engine"
	"github.com/blackcoderx/courier/pkg/logging"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	xoauth2 "golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Store persists encrypted credential blobs. storage.CredentialStore
// implements it.
type Store interface {
	Get(collectionID, url, credentialsID string) (string, bool, error)
	Put(collectionID, url, credentialsID, value string) error
	Delete(collectionID, url, credentialsID string) error
	SessionID(collectionID, url string) (string, error)
}

// Options configures a Manager.
type Options struct {
	Store   Store
	Engine  *engine.Engine
	Browser window.Browser
	Logger  *logging.Logger
	// Base carries the proxy, TLS and redirect settings token requests
	// use.
	Base engine.Request
}

// Result is the outcome of a token request.
type Result struct {
	CollectionID  string
	URL           string
	CredentialsID string
	// Credentials is nil when no token is available and none was fetched.
	Credentials *Credentials
	// FromCache is true when no network exchange was needed.
	FromCache bool
	// Exchanges holds every token endpoint execution, redirects included.
	Exchanges []*engine.Result
}

// clone copies r so callers sharing one flow do not share credentials.
func (r *Result) clone() *Result {
	c := *r
	if r.Credentials != nil {
		creds := *r.Credentials
		c.Credentials = &creds
	}
	c.Exchanges = slices.Clone(r.Exchanges)
	return &c
}

// Manager acquires and caches OAuth 2.0 credentials.
type Manager struct {
	store   Store
	engine  *engine.Engine
	browser window.Browser
	base    engine.Request
	log     *logging.Logger
	group   flight.Group
	now     func() time.Time
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	base := opts.Base
	// Token exchanges never touch the request cookie jar.
	base.SendCookies = false
	base.StoreCookies = false
	return &Manager{
		store:   opts.Store,
		engine:  opts.Engine,
		browser: opts.Browser,
		base:    base,
		log:     opts.Logger.Named("oauth2"),
		now:     time.Now,
	}
}

// Token returns credentials for cfg, from the cache when they are usable
// and otherwise by running the grant. Concurrent calls for the same
// collection, URL and credentials id share one flow.
func (m *Manager) Token(ctx context.Context, collectionID string, cfg Config, forceFetch bool) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := strings.Join([]string{collectionID, cfg.cacheURL(), cfg.credentialsID()}, "\x00")
	v, err := m.group.Do(ctx, key, func(ctx context.Context) (any, error) {
		return m.token(ctx, collectionID, cfg, forceFetch)
	})
	if v == nil {
		return nil, err
	}
	return v.(*Result).clone(), err
}

func (m *Manager) token(ctx context.Context, collectionID string, cfg Config, forceFetch bool) (*Result, error) {
	res := &Result{CollectionID: collectionID, URL: cfg.cacheURL(), CredentialsID: cfg.credentialsID()}
	log := m.log.With(zap.String("collection", collectionID), zap.String("grant", string(cfg.GrantType)))

	if !forceFetch {
		stored, err := m.load(collectionID, cfg)
		if err != nil {
			log.Warn("discarding unreadable credentials", zap.Error(err))
			stored = nil
		}
		switch {
		case stored == nil:
			if !cfg.AutoFetchToken {
				res.FromCache = true
				return res, nil
			}
		case !IsTokenExpired(stored, m.now()):
			res.Credentials = stored
			res.FromCache = true
			return res, nil
		case cfg.GrantType != Implicit && cfg.AutoRefreshToken && stored.RefreshToken != "":
			refreshed, err := m.refresh(ctx, collectionID, cfg, stored, res)
			if err == nil && refreshed != nil {
				res.Credentials = refreshed
				return res, nil
			}
			log.Info("token refresh failed", zap.Error(err))
			m.clear(collectionID, cfg)
			if !cfg.AutoFetchToken {
				res.Credentials = stored
				res.FromCache = true
				return res, nil
			}
		case cfg.AutoFetchToken:
			m.clear(collectionID, cfg)
		default:
			res.Credentials = stored
			res.FromCache = true
			return res, nil
		}
	}

	creds, err := m.fetch(ctx, collectionID, cfg, res)
	if err != nil {
		return res, err
	}
	res.Credentials = creds
	if err := m.persist(collectionID, cfg, creds); err != nil {
		log.Warn("failed to persist credentials", zap.Error(err))
	}
	log.Debug("token acquired", zap.Bool("refreshable", creds.RefreshToken != ""))
	return res, nil
}

// Refresh runs the refresh_token grant for the stored credentials of cfg.
// Credentials without a refresh token are cleared and an empty result is
// returned. A failed refresh clears the stored credentials.
func (m *Manager) Refresh(ctx context.Context, collectionID string, cfg Config) (*Result, error) {
	res := &Result{CollectionID: collectionID, URL: cfg.cacheURL(), CredentialsID: cfg.credentialsID()}
	stored, err := m.load(collectionID, cfg)
	if err != nil || stored == nil || stored.RefreshToken == "" {
		m.clear(collectionID, cfg)
		return res, nil
	}
	creds, err := m.refresh(ctx, collectionID, cfg, stored, res)
	if err != nil {
		m.clear(collectionID, cfg)
		return res, err
	}
	res.Credentials = creds
	return res, nil
}

// Clear removes the cached credentials of cfg.
func (m *Manager) Clear(collectionID string, cfg Config) error {
	return m.store.Delete(collectionID, cfg.cacheURL(), cfg.credentialsID())
}

// Stored returns the cached credentials of cfg, if any.
func (m *Manager) Stored(collectionID string, cfg Config) (*Credentials, error) {
	return m.load(collectionID, cfg)
}

func (m *Manager) refresh(ctx context.Context, collectionID string, cfg Config, stored *Credentials, res *Result) (*Credentials, error) {
	conf := m.config(cfg, cfg.refreshURL())
	ctx = m.clientContext(ctx, cfg.Additional.Refresh, res)

	src := conf.TokenSource(ctx, &xoauth2.Token{
		RefreshToken: stored.RefreshToken,
		Expiry:       m.now().Add(-time.Minute),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, tokenError(err)
	}
	creds := fromToken(tok)
	if creds.RefreshToken == "" {
		creds.RefreshToken = stored.RefreshToken
	}
	if err := m.persist(collectionID, cfg, creds); err != nil {
		m.log.Warn("failed to persist refreshed credentials", zap.Error(err))
	}
	return creds, nil
}

func (m *Manager) fetch(ctx context.Context, collectionID string, cfg Config, res *Result) (*Credentials, error) {
	switch cfg.GrantType {
	case AuthorizationCode:
		return m.authorizationCode(ctx, collectionID, cfg, res)
	case ClientCredentials:
		conf := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.AccessTokenURL,
			Scopes:       cfg.scopes(),
			AuthStyle:    authStyle(cfg),
		}
		tok, err := conf.Token(m.clientContext(ctx, cfg.Additional.Token, res))
		if err != nil {
			return nil, tokenError(err)
		}
		return fromToken(tok), nil
	case Password:
		conf := m.config(cfg, cfg.AccessTokenURL)
		tok, err := conf.PasswordCredentialsToken(m.clientContext(ctx, cfg.Additional.Token, res), cfg.Username, cfg.Password)
		if err != nil {
			return nil, tokenError(err)
		}
		return fromToken(tok), nil
	case Implicit:
		return m.implicit(ctx, collectionID, cfg)
	}
	return nil, &ValidationError{Message: "unsupported OAuth2 grant type: " + string(cfg.GrantType)}
}

func (m *Manager) authorizationCode(ctx context.Context, collectionID string, cfg Config, res *Result) (*Credentials, error) {
	conf := m.config(cfg, cfg.AccessTokenURL)

	var authOpts, exchangeOpts []xoauth2.AuthCodeOption
	if cfg.PKCE {
		verifier := xoauth2.GenerateVerifier()
		authOpts = append(authOpts, xoauth2.S256ChallengeOption(verifier))
		exchangeOpts = append(exchangeOpts, xoauth2.VerifierOption(verifier))
	}
	for _, p := range enabled(cfg.Additional.Authorization, InQuery) {
		authOpts = append(authOpts, xoauth2.SetAuthURLParam(p.Name, p.Value))
	}
	if cfg.Scope != "" {
		exchangeOpts = append(exchangeOpts, xoauth2.SetAuthURLParam("scope", cfg.Scope))
	}

	outcome, err := m.authorize(ctx, collectionID, cfg, conf.AuthCodeURL(cfg.State, authOpts...), window.GrantAuthorizationCode)
	if err != nil {
		return nil, err
	}

	tok, err := conf.Exchange(m.clientContext(ctx, cfg.Additional.Token, res), outcome.Code, exchangeOpts...)
	if err != nil {
		return nil, tokenError(err)
	}
	return fromToken(tok), nil
}

func (m *Manager) implicit(ctx context.Context, collectionID string, cfg Config) (*Credentials, error) {
	conf := m.config(cfg, cfg.AccessTokenURL)
	authorizeURL := conf.AuthCodeURL(cfg.State, xoauth2.SetAuthURLParam("response_type", "token"))

	outcome, err := m.authorize(ctx, collectionID, cfg, authorizeURL, window.GrantImplicit)
	if err != nil {
		return nil, err
	}
	creds := fromFragment(outcome.Params)
	if creds.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	return creds, nil
}

func (m *Manager) authorize(ctx context.Context, collectionID string, cfg Config, authorizeURL string, grant window.GrantType) (window.Outcome, error) {
	if m.browser == nil {
		return window.Outcome{}, errors.New("no authorization window available")
	}
	session, err := m.store.SessionID(collectionID, cfg.cacheURL())
	if err != nil {
		return window.Outcome{}, fmt.Errorf("failed to load session id: %w", err)
	}
	headers := map[string]string{}
	for _, p := range enabled(cfg.Additional.Authorization, InHeaders) {
		headers[p.Name] = p.Value
	}
	return window.Authorize(ctx, m.browser, window.Options{
		AuthorizeURL: authorizeURL,
		CallbackURL:  cfg.CallbackURL,
		SessionID:    session,
		GrantType:    grant,
		Headers:      headers,
	})
}

func (m *Manager) config(cfg Config, tokenURL string) *xoauth2.Config {
	return &xoauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.CallbackURL,
		Scopes:       cfg.scopes(),
		Endpoint: xoauth2.Endpoint{
			AuthURL:   cfg.AuthorizationURL,
			TokenURL:  tokenURL,
			AuthStyle: authStyle(cfg),
		},
	}
}

func authStyle(cfg Config) xoauth2.AuthStyle {
	if cfg.CredentialsPlacement == PlacementBasicHeader {
		return xoauth2.AuthStyleInHeader
	}
	return xoauth2.AuthStyleInParams
}

// clientContext routes x/oauth2 traffic through the engine and records
// each execution on res.
func (m *Manager) clientContext(ctx context.Context, params []Param, res *Result) context.Context {
	var mu sync.Mutex
	client := m.engine.Client(m.base, func(r *engine.Result, _ error) {
		if r == nil {
			return
		}
		mu.Lock()
		res.Exchanges = append(res.Exchanges, r)
		mu.Unlock()
	})
	client.Transport = &paramTransport{next: client.Transport, params: params}
	return context.WithValue(ctx, xoauth2.HTTPClient, client)
}

func (m *Manager) load(collectionID string, cfg Config) (*Credentials, error) {
	raw, ok, err := m.store.Get(collectionID, cfg.cacheURL(), cfg.credentialsID())
	if err != nil || !ok {
		return nil, err
	}
	var c Credentials
	if err := sonic.ConfigStd.UnmarshalFromString(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return &c, nil
}

// persist stores creds stamped with the current time. Credentials without
// an access token are never stored.
func (m *Manager) persist(collectionID string, cfg Config, creds *Credentials) error {
	if creds == nil || creds.AccessToken == "" {
		return nil
	}
	creds.CreatedAt = m.now().UnixMilli()
	raw, err := sonic.ConfigStd.MarshalToString(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	return m.store.Put(collectionID, cfg.cacheURL(), cfg.credentialsID(), raw)
}

func (m *Manager) clear(collectionID string, cfg Config) {
	if err := m.Clear(collectionID, cfg); err != nil {
		m.log.Warn("failed to clear credentials", zap.Error(err))
	}
}
