package oauth1

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/blackcoderx/courier/pkg/auth/flight"
	"github.com/blackcoderx/courier/pkg/auth/window"
	"github.com/blackcoderx/courier/pkg/engine"
	"github.com/blackcoderx/courier/pkg/logging"
	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Store persists encrypted credential blobs. OAuth 1.0a credentials are
// not bound to a URL, so the manager always passes an empty one.
// storage.CredentialStore implements it.
type Store interface {
	Get(collectionID, url, credentialsID string) (string, bool, error)
	Put(collectionID, url, credentialsID, value string) error
	Delete(collectionID, url, credentialsID string) error
	SessionID(collectionID, key string) (string, error)
}

// Options configures a Manager.
type Options struct {
	Store   Store
	Engine  *engine.Engine
	Browser window.Browser
	Logger  *logging.Logger
	// Base carries the proxy, TLS and redirect settings token requests use.
	Base engine.Request
}

// Result is the outcome of a token request.
type Result struct {
	CollectionID  string
	CredentialsID string
	Credentials   *Credentials
	FromCache     bool
	// Exchanges holds the request token and access token executions.
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

// Manager obtains and caches OAuth 1.0a access tokens.
type Manager struct {
	store   Store
	engine  *engine.Engine
	browser window.Browser
	base    engine.Request
	log     *logging.Logger
	group   flight.Group

	// signer is replaceable for reproducible signatures.
	signer func(Config) (*Signer, error)
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	base := opts.Base
	base.SendCookies = false
	base.StoreCookies = false
	return &Manager{
		store:   opts.Store,
		engine:  opts.Engine,
		browser: opts.Browser,
		base:    base,
		log:     opts.Logger.Named("oauth1"),
		signer:  NewSigner,
	}
}

// Token returns stored credentials for cfg or, when the 3-legged flow is
// configured, runs it. Nothing touches the network before cfg validates.
func (m *Manager) Token(ctx context.Context, collectionID string, cfg Config, forceFetch bool) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := collectionID + "\x00" + cfg.credentialsID()
	v, err := m.group.Do(ctx, key, func(ctx context.Context) (any, error) {
		return m.token(ctx, collectionID, cfg, forceFetch)
	})
	if v == nil {
		return nil, err
	}
	return v.(*Result).clone(), err
}

func (m *Manager) token(ctx context.Context, collectionID string, cfg Config, forceFetch bool) (*Result, error) {
	res := &Result{CollectionID: collectionID, CredentialsID: cfg.credentialsID()}

	if !forceFetch {
		stored, err := m.Stored(collectionID, cfg)
		if err != nil {
			m.log.Warn("discarding unreadable credentials", zap.String("collection", collectionID), zap.Error(err))
		}
		if stored.usable() {
			res.Credentials = stored
			res.FromCache = true
			return res, nil
		}
	}
	if !cfg.ThreeLegged() {
		return res, ErrNoStoredCredentials
	}

	signer, err := m.signer(cfg)
	if err != nil {
		return res, err
	}
	client := m.client(res)

	// Temporary credentials.
	tmp, err := m.post(ctx, client, signer, cfg.RequestTokenURL, url.Values{"oauth_callback": {cfg.CallbackURL}}, "", "")
	if err != nil {
		return res, err
	}
	if tmp.Get("oauth_token") == "" {
		return res, ErrRequestToken
	}

	// Resource owner authorization.
	authorizeURL, err := url.Parse(cfg.AuthorizeURL)
	if err != nil {
		return res, fmt.Errorf("invalid authorize url: %w", err)
	}
	q := authorizeURL.Query()
	q.Add("oauth_token", tmp.Get("oauth_token"))
	authorizeURL.RawQuery = q.Encode()

	verifier, err := m.authorize(ctx, collectionID, cfg, authorizeURL.String())
	if err != nil {
		return res, err
	}

	// Token credentials.
	final, err := m.post(ctx, client, signer, cfg.AccessTokenURL, url.Values{"oauth_verifier": {verifier}},
		tmp.Get("oauth_token"), tmp.Get("oauth_token_secret"))
	if err != nil {
		return res, err
	}
	if final.Get("oauth_token") == "" || final.Get("oauth_token_secret") == "" {
		return res, ErrAccessToken
	}

	creds := &Credentials{
		ConsumerKey:       cfg.ConsumerKey,
		ConsumerSecret:    cfg.ConsumerSecret,
		AccessToken:       final.Get("oauth_token"),
		AccessTokenSecret: final.Get("oauth_token_secret"),
		SignatureMethod:   cfg.method(),
		RSAPrivateKey:     cfg.RSAPrivateKey,
		CredentialsID:     cfg.credentialsID(),
	}
	if err := m.persist(collectionID, cfg, creds); err != nil {
		m.log.Warn("failed to persist credentials", zap.String("collection", collectionID), zap.Error(err))
	}
	res.Credentials = creds
	return res, nil
}

func (m *Manager) authorize(ctx context.Context, collectionID string, cfg Config, authorizeURL string) (string, error) {
	if m.browser == nil {
		return "", errors.New("no authorization window available")
	}
	session, err := m.store.SessionID(collectionID, cfg.credentialsID())
	if err != nil {
		return "", fmt.Errorf("failed to load session id: %w", err)
	}
	outcome, err := window.Authorize(ctx, m.browser, window.Options{
		AuthorizeURL: authorizeURL,
		CallbackURL:  cfg.CallbackURL,
		SessionID:    session,
		GrantType:    window.GrantOAuth1,
	})
	if err != nil {
		return "", err
	}
	if outcome.Verifier() == "" {
		return "", ErrVerifier
	}
	return outcome.Verifier(), nil
}

// client sends through the engine and records every execution on res.
func (m *Manager) client(res *Result) *resty.Client {
	var mu sync.Mutex
	hc := m.engine.Client(m.base, func(r *engine.Result, _ error) {
		if r == nil {
			return
		}
		mu.Lock()
		res.Exchanges = append(res.Exchanges, r)
		mu.Unlock()
	})
	return resty.NewWithClient(hc).
		SetHeader("User-Agent", m.engine.UserAgent()).
		SetHeader("Accept", "application/json")
}

// post sends a signed form POST and parses the token response.
func (m *Manager) post(ctx context.Context, client *resty.Client, signer *Signer, endpoint string, form url.Values, token, secret string) (url.Values, error) {
	params, err := signer.Authorize(http.MethodPost, endpoint, form, token, secret)
	if err != nil {
		return nil, err
	}
	for k := range form {
		if strings.HasPrefix(k, "oauth_") {
			params.Set(k, form.Get(k))
		}
	}

	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Authorization", signer.Header(params)).
		SetFormDataFromValues(form).
		Post(endpoint)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("request failed with status code %d", resp.StatusCode())
	}
	return parseTokenResponse(resp.Body()), nil
}

// parseTokenResponse reads a form-encoded body and falls back to JSON.
func parseTokenResponse(body []byte) url.Values {
	if v, err := url.ParseQuery(strings.TrimSpace(string(body))); err == nil && v.Get("oauth_token") != "" {
		return v
	}
	var obj map[string]any
	if err := sonic.ConfigStd.Unmarshal(body, &obj); err != nil {
		return url.Values{}
	}
	out := url.Values{}
	for k, v := range obj {
		switch t := v.(type) {
		case string:
			out.Set(k, t)
		case nil:
		default:
			out.Set(k, fmt.Sprint(t))
		}
	}
	return out
}

// Stored returns the cached credentials of cfg, if any.
func (m *Manager) Stored(collectionID string, cfg Config) (*Credentials, error) {
	raw, ok, err := m.store.Get(collectionID, "", cfg.credentialsID())
	if err != nil || !ok {
		return nil, err
	}
	var c Credentials
	if err := sonic.ConfigStd.UnmarshalFromString(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return &c, nil
}

// Clear removes the cached credentials of cfg.
func (m *Manager) Clear(collectionID string, cfg Config) error {
	return m.store.Delete(collectionID, "", cfg.credentialsID())
}

func (m *Manager) persist(collectionID string, cfg Config, creds *Credentials) error {
	if !creds.usable() {
		return nil
	}
	raw, err := sonic.ConfigStd.MarshalToString(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	return m.store.Put(collectionID, "", cfg.credentialsID(), raw)
}
