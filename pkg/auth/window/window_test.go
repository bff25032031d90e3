package window

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blackcoderx/courier/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedBrowser replays a fixed list of events.
type scriptedBrowser struct {
	script []Event
	hold   bool // keep the channel open after the script

	mu     sync.Mutex
	opened []Options
	closed int
}

type scriptedSurface struct {
	b      *scriptedBrowser
	events chan Event
}

func (b *scriptedBrowser) Open(ctx context.Context, opts Options) (Surface, error) {
	b.mu.Lock()
	b.opened = append(b.opened, opts)
	b.mu.Unlock()

	ch := make(chan Event, len(b.script))
	for _, ev := range b.script {
		ch <- ev
	}
	if !b.hold {
		close(ch)
	}
	return &scriptedSurface{b: b, events: ch}, nil
}

func (s *scriptedSurface) Events() <-chan Event { return s.events }

func (s *scriptedSurface) Close() error {
	s.b.mu.Lock()
	s.b.closed++
	s.b.mu.Unlock()
	return nil
}

const (
	authorizeURL = "https://auth.example.com/authorize?client_id=c"
	callbackURL  = "https://app.example.com/callback"
)

func codeOptions() Options {
	return Options{AuthorizeURL: authorizeURL, CallbackURL: callbackURL, SessionID: "s1", GrantType: GrantAuthorizationCode}
}

func TestAuthorize_AuthorizationCode(t *testing.T) {
	b := &scriptedBrowser{script: []Event{
		{Kind: Navigate, URL: authorizeURL},
		{Kind: LoadFailed, URL: "https://auth.example.com/login", Code: CodeAborted},
		{Kind: Redirect, URL: callbackURL + "?code=abc&state=xyz"},
	}}

	out, err := Authorize(context.Background(), b, codeOptions())
	require.NoError(t, err)
	assert.Equal(t, Resolved, out.State)
	assert.Equal(t, "abc", out.Code)
	assert.Equal(t, "xyz", out.Params.Get("state"))
	assert.Equal(t, callbackURL+"?code=abc&state=xyz", out.CallbackURL)
	assert.Equal(t, 1, b.closed)
}

func TestAuthorize_MissingCode(t *testing.T) {
	b := &scriptedBrowser{script: []Event{{Kind: Navigate, URL: callbackURL + "?state=xyz"}}}

	out, err := Authorize(context.Background(), b, codeOptions())
	assert.ErrorIs(t, err, ErrMissingCode)
	assert.Equal(t, "invalid callback url: missing code", err.Error())
	assert.Equal(t, Rejected, out.State)
	assert.Equal(t, 1, b.closed)
}

func TestAuthorize_ProviderError(t *testing.T) {
	b := &scriptedBrowser{script: []Event{
		{Kind: Navigate, URL: authorizeURL},
		{Kind: Navigate, URL: callbackURL + "?error=access_denied&error_description=User+denied&error_uri=https%3A%2F%2Fdocs"},
		{Kind: Navigate, URL: callbackURL + "?code=late"},
	}}

	out, err := Authorize(context.Background(), b, codeOptions())
	var authErr *AuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "access_denied", authErr.Code)
	assert.Equal(t, "User denied", authErr.Description)
	assert.Equal(t, "https://docs", authErr.URI)
	assert.Contains(t, err.Error(), "access_denied")
	assert.Equal(t, Rejected, out.State)
	assert.Empty(t, out.Code)
}

func TestAuthorize_ErrorOnIntermediatePage(t *testing.T) {
	b := &scriptedBrowser{script: []Event{
		{Kind: Navigate, URL: "https://auth.example.com/consent?error=server_error"},
	}}

	_, err := Authorize(context.Background(), b, codeOptions())
	var authErr *AuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "server_error", authErr.Code)
}

func TestAuthorize_Implicit(t *testing.T) {
	opts := codeOptions()
	opts.GrantType = GrantImplicit
	b := &scriptedBrowser{script: []Event{
		{Kind: Navigate, URL: callbackURL + "#access_token=tok&token_type=bearer&expires_in=3600"},
	}}

	out, err := Authorize(context.Background(), b, opts)
	require.NoError(t, err)
	assert.Equal(t, Resolved, out.State)
	assert.Equal(t, "tok", out.Params.Get("access_token"))
	assert.Equal(t, "3600", out.Params.Get("expires_in"))
}

func TestAuthorize_ImplicitFragmentError(t *testing.T) {
	opts := codeOptions()
	opts.GrantType = GrantImplicit
	b := &scriptedBrowser{script: []Event{
		{Kind: Navigate, URL: callbackURL + "#error=unsupported_response_type"},
	}}

	_, err := Authorize(context.Background(), b, opts)
	var authErr *AuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "unsupported_response_type", authErr.Code)
}

func TestAuthorize_OAuth1Verifier(t *testing.T) {
	opts := codeOptions()
	opts.GrantType = GrantOAuth1
	b := &scriptedBrowser{script: []Event{
		{Kind: Navigate, URL: callbackURL + "?oauth_token=rt&oauth_verifier=v123"},
	}}

	out, err := Authorize(context.Background(), b, opts)
	require.NoError(t, err)
	assert.Equal(t, "v123", out.Verifier())
}

func TestAuthorize_ClosedBeforeCallback(t *testing.T) {
	b := &scriptedBrowser{script: []Event{
		{Kind: Navigate, URL: authorizeURL},
		{Kind: Closed},
	}}

	out, err := Authorize(context.Background(), b, codeOptions())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, "authorization window closed", err.Error())
	assert.Equal(t, Cancelled, out.State)
}

func TestAuthorize_ChannelClosedCountsAsClosed(t *testing.T) {
	b := &scriptedBrowser{script: []Event{{Kind: Navigate, URL: authorizeURL}}}

	out, err := Authorize(context.Background(), b, codeOptions())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, Cancelled, out.State)
}

func TestAuthorize_ContextCancelled(t *testing.T) {
	b := &scriptedBrowser{hold: true}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out, err := Authorize(ctx, b, codeOptions())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Cancelled, out.State)
	assert.Equal(t, 1, b.closed)
}

func TestAuthorize_RequiresURLs(t *testing.T) {
	_, err := Authorize(context.Background(), &scriptedBrowser{}, Options{CallbackURL: callbackURL})
	assert.Error(t, err)
	_, err = Authorize(context.Background(), &scriptedBrowser{}, Options{AuthorizeURL: authorizeURL})
	assert.Error(t, err)
}

func TestMatchesCallback(t *testing.T) {
	tests := []struct {
		raw, callback string
		want          bool
	}{
		{"https://app.example.com/callback?code=1", "https://app.example.com/callback", true},
		{"https://app.example.com/callback/?code=1", "https://app.example.com/callback", true},
		{"HTTPS://APP.example.com/callback?code=1", "https://app.example.com/callback", true},
		{"https://app.example.com/other?code=1", "https://app.example.com/callback", false},
		{"https://evil.example.com/callback?code=1", "https://app.example.com/callback", false},
		{"", "https://app.example.com/callback", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesCallback(tt.raw, tt.callback))
		})
	}
}

func TestIsLoopbackCallback(t *testing.T) {
	assert.True(t, IsLoopbackCallback("http://localhost:8080/cb"))
	assert.True(t, IsLoopbackCallback("http://127.0.0.1:9000/cb"))
	assert.True(t, IsLoopbackCallback("http://[::1]:9000/cb"))
	assert.True(t, IsLoopbackCallback("http://app.localhost/cb"))
	assert.False(t, IsLoopbackCallback("https://localhost/cb"))
	assert.False(t, IsLoopbackCallback("http://example.com/cb"))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestLoopbackBrowser_CapturesCallback(t *testing.T) {
	cb := fmt.Sprintf("http://127.0.0.1:%d/callback", freePort(t))
	var opened string
	b := &LoopbackBrowser{
		Logger: logging.Nop(),
		OpenURL: func(u string) error {
			opened = u
			// The "browser" follows the provider's redirect to the callback.
			go func() {
				resp, err := http.Get(cb + "?code=live&state=s")
				if err == nil {
					_, _ = io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
				}
			}()
			return nil
		},
	}

	opts := Options{AuthorizeURL: authorizeURL, CallbackURL: cb, SessionID: "s1"}
	out, err := Authorize(context.Background(), b, opts)
	require.NoError(t, err)
	assert.Equal(t, authorizeURL, opened)
	assert.Equal(t, "live", out.Code)

	// The listener is released once Authorize returns.
	s2, err := b.Open(context.Background(), Options{AuthorizeURL: authorizeURL, CallbackURL: cb, SessionID: "s2"})
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestLoopbackBrowser_ImplicitFragment(t *testing.T) {
	cb := fmt.Sprintf("http://127.0.0.1:%d/callback", freePort(t))
	b := &LoopbackBrowser{
		Logger: logging.Nop(),
		OpenURL: func(string) error {
			go func() {
				// A browser would run the forwarder script; do its job here.
				resp, err := http.Get(cb)
				if err != nil {
					return
				}
				page, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				if !strings.Contains(string(page), fragmentPath) {
					return
				}
				u := strings.TrimSuffix(cb, "/callback") + fragmentPath + "?access_token=frag&token_type=bearer"
				if resp, err := http.Get(u); err == nil {
					resp.Body.Close()
				}
			}()
			return nil
		},
	}

	out, err := Authorize(context.Background(), b, Options{AuthorizeURL: authorizeURL, CallbackURL: cb, GrantType: GrantImplicit})
	require.NoError(t, err)
	assert.Equal(t, "frag", out.Params.Get("access_token"))
}

func TestLoopbackBrowser_SessionsIsolated(t *testing.T) {
	cb := fmt.Sprintf("http://127.0.0.1:%d/callback", freePort(t))
	b := &LoopbackBrowser{Logger: logging.Nop(), OpenURL: func(string) error { return nil }}

	s1, err := b.Open(context.Background(), Options{AuthorizeURL: authorizeURL, CallbackURL: cb, SessionID: "a"})
	require.NoError(t, err)
	defer s1.Close()

	_, err = b.Open(context.Background(), Options{AuthorizeURL: authorizeURL, CallbackURL: cb, SessionID: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `in use by session "a"`)
}

func TestLoopbackBrowser_RejectsRemoteCallback(t *testing.T) {
	b := &LoopbackBrowser{Logger: logging.Nop(), OpenURL: func(string) error { return nil }}
	_, err := b.Open(context.Background(), Options{AuthorizeURL: authorizeURL, CallbackURL: callbackURL})
	assert.Error(t, err)
}

func TestPromptBrowser(t *testing.T) {
	var out strings.Builder
	b := &PromptBrowser{
		Out: &out,
		Ask: func(ctx context.Context, opts Options) (string, error) {
			return "  " + opts.CallbackURL + "?code=pasted  ", nil
		},
	}

	res, err := Authorize(context.Background(), b, codeOptions())
	require.NoError(t, err)
	assert.Equal(t, "pasted", res.Code)
	assert.Contains(t, out.String(), authorizeURL)
}

func TestPromptBrowser_Aborted(t *testing.T) {
	b := &PromptBrowser{
		Out: io.Discard,
		Ask: func(context.Context, Options) (string, error) { return "", errors.New("user aborted") },
	}

	_, err := Authorize(context.Background(), b, codeOptions())
	assert.ErrorIs(t, err, ErrClosed)
}
