package oauth2

import (
	"errors"
	"fmt"

	xoauth2 "golang.org/x/oauth2"
)

// ValidationError reports a configuration problem found before any
// network call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// TokenError is an error response from a token endpoint.
type TokenError struct {
	Code        string
	Description string
	URI         string
	Status      int
	Body        string
}

func (e *TokenError) Error() string {
	msg := fmt.Sprintf("token endpoint returned %d", e.Status)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

// ErrNoAccessToken is returned when an implicit callback carries no token.
var ErrNoAccessToken = errors.New("No access token received from authorization server")

// tokenError converts x/oauth2 retrieval failures into *TokenError and
// leaves other errors untouched.
func tokenError(err error) error {
	var re *xoauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	te := &TokenError{
		Code:        re.ErrorCode,
		Description: re.ErrorDescription,
		URI:         re.ErrorURI,
		Body:        string(re.Body),
	}
	if re.Response != nil {
		te.Status = re.Response.StatusCode
	}
	return te
}
