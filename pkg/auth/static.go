// Package auth holds the static authorization modes, Basic and Bearer, and
// helpers for inspecting tokens. The OAuth flows live in the oauth1 and
// oauth2 subpackages.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/blackcoderx/courier/pkg/engine"
	"github.com/bytedance/sonic"
)

// BasicHeader returns the Authorization value for username and password.
func BasicHeader(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// ApplyBasic sets a Basic Authorization header on req.
func ApplyBasic(req *engine.Request, username, password string) error {
	if username == "" {
		return errors.New("basic auth requires a username")
	}
	setHeader(req, BasicHeader(username, password))
	return nil
}

// ApplyBearer sets a Bearer Authorization header on req.
func ApplyBearer(req *engine.Request, token string) error {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return errors.New("bearer auth requires a token")
	}
	setHeader(req, "Bearer "+token)
	return nil
}

func setHeader(req *engine.Request, value string) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set("Authorization", value)
}

// DecodeBasic splits a Basic Authorization value back into its parts.
func DecodeBasic(header string) (username, password string, err error) {
	encoded := strings.TrimSpace(strings.TrimPrefix(header, "Basic "))
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode Basic auth: %w", err)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", errors.New("invalid Basic auth format (expected username:password)")
	}
	return user, pass, nil
}

// JWT is a decoded, unverified JSON Web Token.
type JWT struct {
	Header    map[string]any
	Claims    map[string]any
	Signature string
}

// ParseJWT decodes the header and claims of token. The signature is not
// verified.
func ParseJWT(token string) (*JWT, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid JWT format (expected 3 parts, got %d)", len(parts))
	}

	jwt := &JWT{Signature: parts[2]}
	for i, dst := range []*map[string]any{&jwt.Header, &jwt.Claims} {
		raw, err := decodeSegment(parts[i])
		if err != nil {
			return nil, err
		}
		if err := sonic.ConfigStd.Unmarshal(raw, dst); err != nil {
			return nil, fmt.Errorf("failed to parse JWT segment %d: %w", i+1, err)
		}
	}
	return jwt, nil
}

// decodeSegment accepts both unpadded and padded base64url.
func decodeSegment(part string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(part); err == nil {
		return b, nil
	}
	b, err := base64.URLEncoding.DecodeString(part)
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT part: %w", err)
	}
	return b, nil
}

// Subject returns the sub claim.
func (j *JWT) Subject() string {
	s, _ := j.Claims["sub"].(string)
	return s
}

// ExpiresAt returns the exp claim, or the zero time when absent.
func (j *JWT) ExpiresAt() time.Time { return j.unixClaim("exp") }

// IssuedAt returns the iat claim, or the zero time when absent.
func (j *JWT) IssuedAt() time.Time { return j.unixClaim("iat") }

func (j *JWT) unixClaim(name string) time.Time {
	switch v := j.Claims[name].(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case int64:
		return time.Unix(v, 0)
	}
	return time.Time{}
}
