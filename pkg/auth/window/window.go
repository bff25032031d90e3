// Package window drives the interactive part of OAuth flows. A Browser opens
// a Surface on the authorization URL; Authorize watches the surface's
// navigation events until the callback URL is reached, the provider reports
// an error, or the user gives up.
package window

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// GrantType selects how the callback URL is interpreted.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantImplicit          GrantType = "implicit"
	GrantOAuth1            GrantType = "oauth1"
)

// EventKind identifies a surface event.
type EventKind int

const (
	// Navigate is emitted for every URL the surface lands on, including
	// server-side redirects.
	Navigate EventKind = iota
	// Redirect is emitted before the surface follows a redirect.
	Redirect
	// LoadFailed reports a navigation that did not complete.
	LoadFailed
	// Closed means the user closed the surface.
	Closed
)

func (k EventKind) String() string {
	switch k {
	case Navigate:
		return "navigate"
	case Redirect:
		return "redirect"
	case LoadFailed:
		return "load-failed"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// CodeAborted is the LoadFailed code for a navigation that was superseded
// by a redirect. It is never treated as a failure.
const CodeAborted = "ERR_ABORTED"

// Event is one item on a surface's event stream.
type Event struct {
	Kind EventKind
	URL  string
	// Code is set for LoadFailed.
	Code string
}

// Options describes one authorization attempt.
type Options struct {
	AuthorizeURL string
	CallbackURL  string
	// SessionID partitions browser state. Surfaces with different session
	// ids never share cookies or listeners.
	SessionID string
	GrantType GrantType
	// Headers are sent with the initial navigation when the surface
	// supports it.
	Headers map[string]string
}

// Surface is an open authorization window.
type Surface interface {
	Events() <-chan Event
	Close() error
}

// Browser opens surfaces.
type Browser interface {
	Open(ctx context.Context, opts Options) (Surface, error)
}

// State is the authorization state machine's position.
type State int

const (
	AwaitingNavigation State = iota
	Resolved
	Rejected
	Cancelled
)

func (s State) String() string {
	switch s {
	case AwaitingNavigation:
		return "awaiting-navigation"
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrClosed is returned when the surface closes before the callback.
var ErrClosed = errors.New("authorization window closed")

// ErrMissingCode is returned when an authorization code callback carries
// no code.
var ErrMissingCode = errors.New("invalid callback url: missing code")

// AuthorizationError is an error reported by the authorization server on
// a navigated URL.
type AuthorizationError struct {
	Code        string
	Description string
	URI         string
}

func (e *AuthorizationError) Error() string {
	msg := "authorization error: " + e.Code
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.URI != "" {
		msg += " (" + e.URI + ")"
	}
	return msg
}

// Outcome is the terminal result of Authorize.
type Outcome struct {
	State State
	// CallbackURL is the full URL that matched the callback.
	CallbackURL string
	// Code is the authorization code for GrantAuthorizationCode.
	Code string
	// Params holds the parsed callback parameters: the fragment for
	// GrantImplicit, the query otherwise.
	Params url.Values
	// Trail lists every URL navigated to, in order.
	Trail []string
}

// Verifier returns oauth_verifier from an OAuth 1.0a callback.
func (o Outcome) Verifier() string { return o.Params.Get("oauth_verifier") }

// Authorize opens a surface and runs it to a terminal state. The surface is
// closed before Authorize returns.
func Authorize(ctx context.Context, b Browser, opts Options) (Outcome, error) {
	if opts.AuthorizeURL == "" {
		return Outcome{State: Rejected}, errors.New("authorize url is required")
	}
	if opts.CallbackURL == "" {
		return Outcome{State: Rejected}, errors.New("callback url is required")
	}
	if opts.GrantType == "" {
		opts.GrantType = GrantAuthorizationCode
	}

	surface, err := b.Open(ctx, opts)
	if err != nil {
		return Outcome{State: Rejected}, fmt.Errorf("failed to open authorization window: %w", err)
	}
	defer surface.Close()

	m := &machine{opts: opts, outcome: Outcome{State: AwaitingNavigation}}
	events := surface.Events()
	for m.outcome.State == AwaitingNavigation {
		select {
		case <-ctx.Done():
			m.outcome.State = Cancelled
			m.err = ctx.Err()
		case ev, ok := <-events:
			if !ok {
				ev = Event{Kind: Closed}
			}
			m.step(ev)
		}
	}
	return m.outcome, m.err
}

type machine struct {
	opts    Options
	outcome Outcome
	err     error
}

func (m *machine) step(ev Event) {
	switch ev.Kind {
	case Closed:
		m.outcome.State = Cancelled
		m.err = ErrClosed
	case LoadFailed:
		if ev.Code == CodeAborted {
			return
		}
		// The callback URL often points at nothing that loads.
		if matchesCallback(ev.URL, m.opts.CallbackURL) {
			m.navigate(ev.URL)
		}
	case Navigate, Redirect:
		m.navigate(ev.URL)
	}
}

func (m *machine) navigate(raw string) {
	if raw == "" {
		return
	}
	m.outcome.Trail = append(m.outcome.Trail, raw)

	u, err := url.Parse(raw)
	if err != nil {
		return
	}
	if authErr := providerError(u); authErr != nil {
		m.outcome.State = Rejected
		m.err = authErr
		return
	}
	if !matchesCallback(raw, m.opts.CallbackURL) {
		return
	}

	m.outcome.CallbackURL = raw
	switch m.opts.GrantType {
	case GrantImplicit:
		params, err := url.ParseQuery(u.Fragment)
		if err != nil {
			m.outcome.State = Rejected
			m.err = fmt.Errorf("invalid callback url: %w", err)
			return
		}
		m.outcome.Params = params
	case GrantOAuth1:
		m.outcome.Params = u.Query()
	default:
		q := u.Query()
		if q.Get("code") == "" {
			m.outcome.State = Rejected
			m.err = ErrMissingCode
			return
		}
		m.outcome.Params = q
		m.outcome.Code = q.Get("code")
	}
	m.outcome.State = Resolved
}

// providerError extracts error, error_description and error_uri from the
// query or, for implicit responses, the fragment.
func providerError(u *url.URL) *AuthorizationError {
	sources := []url.Values{u.Query()}
	if frag, err := url.ParseQuery(u.Fragment); err == nil {
		sources = append(sources, frag)
	}
	for _, v := range sources {
		if code := v.Get("error"); code != "" {
			return &AuthorizationError{
				Code:        code,
				Description: v.Get("error_description"),
				URI:         v.Get("error_uri"),
			}
		}
	}
	return nil
}

func matchesCallback(raw, callback string) bool {
	if raw == "" || callback == "" {
		return false
	}
	if strings.HasPrefix(raw, callback) {
		return true
	}
	// Scheme, host and path must agree; a trailing slash is ignored.
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	c, err := url.Parse(callback)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, c.Scheme) &&
		strings.EqualFold(u.Host, c.Host) &&
		strings.TrimSuffix(u.Path, "/") == strings.TrimSuffix(c.Path, "/")
}
