// Package oauth1 signs requests with OAuth 1.0a and runs the 3-legged flow
// that obtains access tokens for them.
package oauth1

import (
	"errors"
	"strings"
)

// SignatureMethod names how oauth_signature is computed.
type SignatureMethod string

const (
	PlainText  SignatureMethod = "PLAINTEXT"
	HMACSHA1   SignatureMethod = "HMAC-SHA1"
	HMACSHA256 SignatureMethod = "HMAC-SHA256"
	HMACSHA512 SignatureMethod = "HMAC-SHA512"
	RSASHA1    SignatureMethod = "RSA-SHA1"
	RSASHA256  SignatureMethod = "RSA-SHA256"
	RSASHA512  SignatureMethod = "RSA-SHA512"
)

// IsRSA reports whether m signs with a private key.
func (m SignatureMethod) IsRSA() bool { return strings.HasPrefix(string(m), "RSA-") }

// Transmission selects where Sign puts the protocol parameters.
type Transmission string

const (
	InHeader Transmission = "authorization_header"
	InQuery  Transmission = "query_param"
	InBody   Transmission = "request_body"
)

// DefaultCredentialsID is used when Config.CredentialsID is empty.
const DefaultCredentialsID = "credentials"

// Config is the OAuth 1.0a block of a request. The three flow URLs are
// optional; setting any of them turns on the 3-legged flow.
type Config struct {
	ConsumerKey           string          `yaml:"consumerKey" json:"consumerKey"`
	ConsumerSecret        string          `yaml:"consumerSecret" json:"consumerSecret"`
	AccessToken           string          `yaml:"accessToken,omitempty" json:"accessToken,omitempty"`
	AccessTokenSecret     string          `yaml:"accessTokenSecret,omitempty" json:"accessTokenSecret,omitempty"`
	SignatureMethod       SignatureMethod `yaml:"signatureMethod,omitempty" json:"signatureMethod,omitempty"`
	ParameterTransmission Transmission    `yaml:"parameterTransmission,omitempty" json:"parameterTransmission,omitempty"`
	RSAPrivateKey         string          `yaml:"rsaPrivateKey,omitempty" json:"rsaPrivateKey,omitempty"`
	Realm                 string          `yaml:"realm,omitempty" json:"realm,omitempty"`

	RequestTokenURL string `yaml:"requestTokenUrl,omitempty" json:"requestTokenUrl,omitempty"`
	AuthorizeURL    string `yaml:"authorizeUrl,omitempty" json:"authorizeUrl,omitempty"`
	AccessTokenURL  string `yaml:"accessTokenUrl,omitempty" json:"accessTokenUrl,omitempty"`
	CallbackURL     string `yaml:"callbackUrl,omitempty" json:"callbackUrl,omitempty"`

	CredentialsID string `yaml:"credentialsId,omitempty" json:"credentialsId,omitempty"`
}

func (c Config) method() SignatureMethod {
	if c.SignatureMethod == "" {
		return HMACSHA1
	}
	return c.SignatureMethod
}

func (c Config) credentialsID() string {
	if c.CredentialsID == "" {
		return DefaultCredentialsID
	}
	return c.CredentialsID
}

// ThreeLegged reports whether the flow URLs are configured.
func (c Config) ThreeLegged() bool {
	return c.RequestTokenURL != "" || c.AuthorizeURL != "" || c.AccessTokenURL != ""
}

// ValidationError reports a configuration problem found before any
// network call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validate checks the configuration in the order the flow needs it.
func (c Config) Validate() error {
	if c.ThreeLegged() {
		for _, r := range []struct{ value, name string }{
			{c.RequestTokenURL, "Request Token URL"},
			{c.AuthorizeURL, "Authorize URL"},
			{c.AccessTokenURL, "Access Token URL"},
			{c.CallbackURL, "Callback URL"},
		} {
			if r.value == "" {
				return &ValidationError{Message: r.name + " is required for OAuth 1.0 3-legged flow"}
			}
		}
	}
	if c.ConsumerKey == "" {
		return &ValidationError{Message: "Consumer Key is required for OAuth 1.0"}
	}
	if c.ConsumerSecret == "" {
		return &ValidationError{Message: "Consumer Secret is required for OAuth 1.0"}
	}
	if c.method().IsRSA() && c.RSAPrivateKey == "" {
		return &ValidationError{Message: "RSA Private Key is required for RSA signature methods"}
	}
	return nil
}

// Credentials is an access token set as stored and returned to callers.
type Credentials struct {
	ConsumerKey       string          `json:"consumerKey"`
	ConsumerSecret    string          `json:"consumerSecret"`
	AccessToken       string          `json:"accessToken"`
	AccessTokenSecret string          `json:"accessTokenSecret"`
	SignatureMethod   SignatureMethod `json:"signatureMethod,omitempty"`
	RSAPrivateKey     string          `json:"rsaPrivateKey,omitempty"`
	CredentialsID     string          `json:"credentialsId,omitempty"`
}

func (c *Credentials) usable() bool {
	return c != nil && c.AccessToken != "" && c.AccessTokenSecret != ""
}

var (
	ErrNoStoredCredentials = errors.New("No stored credentials found. Please provide access token manually or configure 3-legged flow URLs.")
	ErrRequestToken        = errors.New("Failed to obtain request token")
	ErrVerifier            = errors.New("Failed to obtain verifier from authorization")
	ErrAccessToken         = errors.New("Failed to obtain access token")
)
