package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Transport adapts an Engine to http.RoundTripper so libraries that take an
// *http.Client send through the same proxy, TLS and cookie handling.
type Transport struct {
	Engine *Engine
	// Base supplies proxy, TLS, cookie and redirect settings. Method, URL,
	// Header and Body come from each outgoing request.
	Base Request
	// Observe, when set, sees every execution.
	Observe func(*Result, error)
}

// RoundTrip executes r through the engine.
func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	req := t.Base.clone()
	req.Method = r.Method
	req.URL = r.URL.String()
	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if r.Host != "" && r.Host != r.URL.Host {
		req.Header.Set("Host", r.Host)
	}
	req.Body = nil
	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body = body
	}

	res, err := t.Engine.Execute(r.Context(), req)
	if t.Observe != nil {
		t.Observe(res, err)
	}
	if res == nil || res.Response == nil {
		return nil, err
	}
	var limit *RedirectLimitError
	if err != nil && !errors.As(err, &limit) {
		return nil, err
	}
	return toHTTPResponse(r, res.Response), nil
}

func toHTTPResponse(r *http.Request, resp *Response) *http.Response {
	proto := resp.Proto
	major, minor := resp.ProtoMajor, 1
	if major == 2 {
		minor = 0
	}
	if proto == "" {
		proto, major, minor = "HTTP/1.1", 1, 1
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.Status, resp.StatusText),
		StatusCode:    resp.Status,
		Proto:         proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        resp.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       r,
		TLS:           resp.TLS,
	}
}

// Client returns an *http.Client backed by the engine. The engine follows
// redirects itself, so the client never does.
func (e *Engine) Client(base Request, observe func(*Result, error)) *http.Client {
	return &http.Client{
		Transport: &Transport{Engine: e, Base: base, Observe: observe},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
