// Package oauth2 acquires, caches and refreshes OAuth 2.0 credentials for
// courier requests. Token endpoint exchanges run through golang.org/x/oauth2
// over an engine-backed HTTP client, so they honor the same proxy and TLS
// settings as the request being authorized.
package oauth2

import (
	"strings"
)

// GrantType is an OAuth 2.0 grant.
type GrantType string

const (
	AuthorizationCode GrantType = "authorization_code"
	ClientCredentials GrantType = "client_credentials"
	Password          GrantType = "password"
	Implicit          GrantType = "implicit"
)

// CredentialsPlacement selects how client credentials reach the token
// endpoint.
type CredentialsPlacement string

const (
	PlacementBody        CredentialsPlacement = "body"
	PlacementBasicHeader CredentialsPlacement = "basic_auth_header"
)

// TokenPlacement selects where Apply puts the access token.
type TokenPlacement string

const (
	TokenInHeader TokenPlacement = "header"
	TokenInURL    TokenPlacement = "url"
)

// SendIn is where an additional parameter goes.
type SendIn string

const (
	InHeaders SendIn = "headers"
	InQuery   SendIn = "queryparams"
	InBody    SendIn = "body"
)

// Param is an additional parameter sent with one of the flow's requests.
type Param struct {
	Name    string `yaml:"name" json:"name"`
	Value   string `yaml:"value" json:"value"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
	SendIn  SendIn `yaml:"sendIn" json:"sendIn"`
}

// AdditionalParams groups extra parameters by the request they belong to.
type AdditionalParams struct {
	Authorization []Param `yaml:"authorization,omitempty" json:"authorization,omitempty"`
	Token         []Param `yaml:"token,omitempty" json:"token,omitempty"`
	Refresh       []Param `yaml:"refresh,omitempty" json:"refresh,omitempty"`
}

// DefaultCredentialsID is used when Config.CredentialsID is empty.
const DefaultCredentialsID = "credentials"

// Config is the OAuth 2.0 block of a request.
type Config struct {
	GrantType            GrantType            `yaml:"grantType" json:"grantType"`
	AuthorizationURL     string               `yaml:"authorizationUrl,omitempty" json:"authorizationUrl,omitempty"`
	AccessTokenURL       string               `yaml:"accessTokenUrl,omitempty" json:"accessTokenUrl,omitempty"`
	RefreshTokenURL      string               `yaml:"refreshTokenUrl,omitempty" json:"refreshTokenUrl,omitempty"`
	CallbackURL          string               `yaml:"callbackUrl,omitempty" json:"callbackUrl,omitempty"`
	ClientID             string               `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	ClientSecret         string               `yaml:"clientSecret,omitempty" json:"clientSecret,omitempty"`
	Username             string               `yaml:"username,omitempty" json:"username,omitempty"`
	Password             string               `yaml:"password,omitempty" json:"password,omitempty"`
	Scope                string               `yaml:"scope,omitempty" json:"scope,omitempty"`
	State                string               `yaml:"state,omitempty" json:"state,omitempty"`
	PKCE                 bool                 `yaml:"pkce,omitempty" json:"pkce,omitempty"`
	CredentialsPlacement CredentialsPlacement `yaml:"credentialsPlacement,omitempty" json:"credentialsPlacement,omitempty"`
	CredentialsID        string               `yaml:"credentialsId,omitempty" json:"credentialsId,omitempty"`
	TokenPlacement       TokenPlacement       `yaml:"tokenPlacement,omitempty" json:"tokenPlacement,omitempty"`
	TokenHeaderPrefix    string               `yaml:"tokenHeaderPrefix,omitempty" json:"tokenHeaderPrefix,omitempty"`
	TokenQueryKey        string               `yaml:"tokenQueryKey,omitempty" json:"tokenQueryKey,omitempty"`
	AutoFetchToken       bool                 `yaml:"autoFetchToken" json:"autoFetchToken"`
	AutoRefreshToken     bool                 `yaml:"autoRefreshToken" json:"autoRefreshToken"`
	Additional           AdditionalParams     `yaml:"additionalParameters,omitempty" json:"additionalParameters,omitempty"`
}

func (c Config) credentialsID() string {
	if c.CredentialsID == "" {
		return DefaultCredentialsID
	}
	return c.CredentialsID
}

// cacheURL is the URL credentials are stored under.
func (c Config) cacheURL() string {
	if c.GrantType == Implicit {
		return c.AuthorizationURL
	}
	return c.AccessTokenURL
}

func (c Config) refreshURL() string {
	if c.RefreshTokenURL != "" {
		return c.RefreshTokenURL
	}
	return c.AccessTokenURL
}

func (c Config) scopes() []string {
	return strings.Fields(c.Scope)
}

// Validate checks the fields the grant requires, in the order a user would
// fill them in.
func (c Config) Validate() error {
	var required []struct{ value, name string }
	flow := ""
	switch c.GrantType {
	case AuthorizationCode:
		flow = "authorization code flow"
		required = []struct{ value, name string }{
			{c.AuthorizationURL, "Authorization URL"},
			{c.AccessTokenURL, "Access Token URL"},
			{c.CallbackURL, "Callback URL"},
			{c.ClientID, "Client ID"},
		}
	case ClientCredentials:
		flow = "client credentials flow"
		required = []struct{ value, name string }{
			{c.AccessTokenURL, "Access Token URL"},
			{c.ClientID, "Client ID"},
			{c.ClientSecret, "Client Secret"},
		}
	case Password:
		flow = "password credentials flow"
		required = []struct{ value, name string }{
			{c.AccessTokenURL, "Access Token URL"},
			{c.Username, "Username"},
			{c.Password, "Password"},
			{c.ClientID, "Client ID"},
		}
	case Implicit:
		flow = "implicit flow"
		required = []struct{ value, name string }{
			{c.AuthorizationURL, "Authorization URL"},
			{c.CallbackURL, "Callback URL"},
		}
	default:
		return &ValidationError{Message: "unsupported OAuth2 grant type: " + string(c.GrantType)}
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Message: r.name + " is required for OAuth2 " + flow}
		}
	}
	return nil
}

// enabled returns the enabled params with a name that go to target.
func enabled(params []Param, target SendIn) []Param {
	var out []Param
	for _, p := range params {
		if p.Enabled && p.Name != "" && p.SendIn == target {
			out = append(out, p)
		}
	}
	return out
}
