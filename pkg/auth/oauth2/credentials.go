package oauth2

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/blackcoderx/courier/pkg/engine"
	xoauth2 "golang.org/x/oauth2"
)

// Credentials is a token set as stored and returned to callers. CreatedAt
// and ExpiresIn drive expiry.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	State        string `json:"state,omitempty"`
	// ExpiresIn is in seconds.
	ExpiresIn int64 `json:"expires_in,omitempty"`
	// CreatedAt is unix milliseconds.
	CreatedAt int64 `json:"created_at,omitempty"`
}

// IsTokenExpired reports whether c can no longer be used. Credentials
// without an access token are expired; ones without expiry data never are.
func IsTokenExpired(c *Credentials, now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return true
	}
	if c.ExpiresIn == 0 || c.CreatedAt == 0 {
		return false
	}
	return now.UnixMilli() > c.CreatedAt+c.ExpiresIn*1000
}

// ExpiresAt returns the expiry instant, or the zero time when unknown.
func (c *Credentials) ExpiresAt() time.Time {
	if c == nil || c.ExpiresIn == 0 || c.CreatedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.CreatedAt + c.ExpiresIn*1000)
}

func fromToken(t *xoauth2.Token) *Credentials {
	c := &Credentials{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		ExpiresIn:    t.ExpiresIn,
	}
	if s, ok := t.Extra("scope").(string); ok {
		c.Scope = s
	}
	if s, ok := t.Extra("id_token").(string); ok {
		c.IDToken = s
	}
	if c.ExpiresIn == 0 && !t.Expiry.IsZero() {
		c.ExpiresIn = int64(time.Until(t.Expiry).Round(time.Second).Seconds())
	}
	return c
}

// fromFragment builds credentials from an implicit-grant callback fragment.
func fromFragment(v url.Values) *Credentials {
	c := &Credentials{
		AccessToken: v.Get("access_token"),
		TokenType:   v.Get("token_type"),
		State:       v.Get("state"),
		Scope:       v.Get("scope"),
	}
	if c.TokenType == "" {
		c.TokenType = "Bearer"
	}
	if n, err := strconv.ParseInt(v.Get("expires_in"), 10, 64); err == nil {
		c.ExpiresIn = n
	}
	return c
}

// Apply puts the access token on req, as an Authorization header or as a
// query parameter. Credentials without a token leave req untouched.
func Apply(req *engine.Request, cfg Config, c *Credentials) error {
	if c == nil || c.AccessToken == "" {
		return nil
	}
	if cfg.TokenPlacement == TokenInURL {
		u, err := url.Parse(req.URL)
		if err != nil {
			return err
		}
		key := cfg.TokenQueryKey
		if key == "" {
			key = "access_token"
		}
		q := u.Query()
		q.Set(key, c.AccessToken)
		u.RawQuery = q.Encode()
		req.URL = u.String()
		return nil
	}

	prefix := cfg.TokenHeaderPrefix
	if prefix == "" {
		prefix = "Bearer"
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set("Authorization", prefix+" "+c.AccessToken)
	return nil
}
