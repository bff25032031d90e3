package storage

import (
	"github.com/blackcoderx/courier/pkg/auth/oauth1"
	"github.com/blackcoderx/courier/pkg/auth/oauth2"
	"github.com/blackcoderx/courier/pkg/network/proxy"
)

// Request represents a saved API request in YAML format.
type Request struct {
	Name    string            `yaml:"name"`              // Unique name for the request
	Method  string            `yaml:"method"`            // HTTP method (GET, POST, etc.)
	URL     string            `yaml:"url"`               // Request URL (can contain variables)
	Headers map[string]string `yaml:"headers,omitempty"` // HTTP headers
	Query   map[string]string `yaml:"query,omitempty"`   // Query parameters
	Body    interface{}       `yaml:"body,omitempty"`    // Request body (JSON or string)

	// Collection scopes cached OAuth credentials. Defaults to the
	// workspace name.
	Collection string `yaml:"collection,omitempty"`

	Proxy    *ProxySettings    `yaml:"proxy,omitempty"`
	TLS      *proxy.TLSOptions `yaml:"tls,omitempty"`
	Redirect *RedirectSettings `yaml:"redirect,omitempty"`
	Cookies  *CookieSettings   `yaml:"cookies,omitempty"`
	Timeout  string            `yaml:"timeout,omitempty"` // Go duration, e.g. "30s"
	Auth     *Auth             `yaml:"auth,omitempty"`
}

// ProxySettings overrides the workspace proxy for one request.
type ProxySettings struct {
	Mode         string `yaml:"mode"` // off, on, system
	proxy.Config `yaml:",inline"`
}

// RedirectSettings bounds redirect following. A nil Max keeps the default.
type RedirectSettings struct {
	Max *int `yaml:"max,omitempty"`
}

// CookieSettings toggles the cookie jar per direction.
type CookieSettings struct {
	Send  *bool `yaml:"send,omitempty"`
	Store *bool `yaml:"store,omitempty"`
}

// AuthMode names the auth block variant.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBasic  AuthMode = "basic"
	AuthBearer AuthMode = "bearer"
	AuthOAuth1 AuthMode = "oauth1"
	AuthOAuth2 AuthMode = "oauth2"
)

// Auth is the auth block of a request. Only the field matching Mode is read.
type Auth struct {
	Mode   AuthMode       `yaml:"mode"`
	Basic  *BasicAuth     `yaml:"basic,omitempty"`
	Bearer *BearerAuth    `yaml:"bearer,omitempty"`
	OAuth1 *oauth1.Config `yaml:"oauth1,omitempty"`
	OAuth2 *oauth2.Config `yaml:"oauth2,omitempty"`
}

// BasicAuth is HTTP Basic credentials.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BearerAuth is a static bearer token.
type BearerAuth struct {
	Token string `yaml:"token"`
}
