// Package engine executes requests. It owns redirect handling, so every hop
// re-evaluates proxy settings and cookies, and it records each step of the
// exchange in a per-request timeline.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/blackcoderx/courier/pkg/logging"
	"github.com/blackcoderx/courier/pkg/network/proxy"
	"github.com/blackcoderx/courier/pkg/timeline"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CookieJar is the part of the cookie jar the engine needs.
type CookieJar interface {
	CookieStringForURL(rawURL string) string
	SetCookiesFromResponse(rawURL string, h http.Header)
}

// Options configures an Engine.
type Options struct {
	Jar     CookieJar
	Logger  *logging.Logger
	Version string
	// UserAgent replaces the default "courier-runtime/<version>".
	UserAgent string
	// TLS applies to requests that carry no TLS options of their own.
	TLS *proxy.TLSOptions
	// System supplies the proxy environment for ProxyMode system.
	System func() proxy.SystemConfig

	DialTimeout time.Duration
	// RateLimit caps dispatched exchanges per second. Zero disables it.
	RateLimit float64
	Burst     int

	Metrics *Metrics
}

// Engine is safe for concurrent use. Redirect state lives in each Execute
// call, never on the Engine.
type Engine struct {
	jar       CookieJar
	log       *logging.Logger
	userAgent string
	tls       proxy.TLSOptions
	system    func() proxy.SystemConfig
	dialTO    time.Duration
	limiter   *rate.Limiter
	probe     *loopbackProbe
	metrics   *Metrics
	now       func() time.Time
}

// New creates an Engine.
func New(opts Options) *Engine {
	ua := opts.UserAgent
	if ua == "" {
		version := opts.Version
		if version == "" {
			version = "dev"
		}
		ua = "courier-runtime/" + version
	}
	tlsOpts := proxy.DefaultTLSOptions()
	if opts.TLS != nil {
		tlsOpts = *opts.TLS
	}
	system := opts.System
	if system == nil {
		system = proxy.LoadSystemConfig
	}
	dialTO := opts.DialTimeout
	if dialTO <= 0 {
		dialTO = 30 * time.Second
	}

	e := &Engine{
		jar:       opts.Jar,
		log:       opts.Logger.Named("engine"),
		userAgent: ua,
		tls:       tlsOpts,
		system:    system,
		dialTO:    dialTO,
		probe:     newLoopbackProbe(),
		metrics:   opts.Metrics,
		now:       time.Now,
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return e
}

// UserAgent returns the User-Agent sent when a request sets none.
func (e *Engine) UserAgent() string { return e.userAgent }

// execution is the state of one Execute call.
type execution struct {
	e     *Engine
	tl    *timeline.Timeline
	hops  int
	max   int
	trail []Hop
}

// Execute runs req and follows redirects. Responses with any status are
// results; the error is non-nil only for network failures, bad input and
// redirect overflow. On overflow the last redirect response is returned
// alongside a *RedirectLimitError.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := e.now()
	ex := &execution{e: e, tl: timeline.New(), max: req.maxRedirects()}
	result := func(resp *Response) *Result {
		return &Result{
			Response:  resp,
			Timeline:  ex.tl,
			Hops:      ex.trail,
			Redirects: ex.hops,
			Duration:  e.now().Sub(start),
		}
	}

	cur := req.clone()
	for {
		resp, err := ex.send(ctx, cur)
		if err != nil {
			return result(nil), err
		}

		if !isRedirect(resp.Status) || resp.Header.Get("Location") == "" || ex.max == 0 {
			return result(resp), nil
		}
		if ex.hops >= ex.max {
			ex.tl.Error("maximum redirects (%d) exceeded", ex.max)
			return result(resp), &RedirectLimitError{Max: ex.max, URL: resp.URL}
		}

		next, err := ex.redirect(cur, resp)
		if err != nil {
			return result(resp), err
		}
		ex.hops++
		e.metrics.redirect()
		ex.tl.Separator()
		cur = next
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// redirect builds the next hop. 301, 302 and 303 turn anything but HEAD
// into a bodiless GET; 307 and 308 replay the request as it was. Credentials
// set by the caller never follow a redirect to another origin.
func (ex *execution) redirect(cur Request, resp *Response) (Request, error) {
	base, err := url.Parse(cur.URL)
	if err != nil {
		return Request{}, err
	}
	location := resp.Header.Get("Location")
	target, err := base.Parse(location)
	if err != nil {
		return Request{}, &NetworkError{Code: CodeInvalidURL, URL: location, Err: fmt.Errorf("invalid redirect location: %w", err)}
	}
	if !isAbsoluteHTTP(location) {
		ex.tl.Info("Resolving relative redirect URL: %s -> %s", location, target.String())
	}

	next := cur.clone()
	next.URL = target.String()
	if !sameOrigin(base, target) {
		next.Header.Del("Authorization")
		next.Header.Del("Cookie")
		ex.tl.Info("Dropping credentials for cross-origin redirect to %s", target.Host)
	}

	switch resp.Status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		if next.method() != http.MethodHead {
			next.Method = http.MethodGet
			next.Body = nil
			next.Header.Del("Content-Length")
			next.Header.Del("Content-Type")
		}
	}
	ex.tl.Info("Following %d redirect to %s %s", resp.Status, next.method(), next.URL)
	return next, nil
}

// sameOrigin compares scheme, host and effective port.
func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		proxy.EffectivePort(a) == proxy.EffectivePort(b)
}

func isAbsoluteHTTP(s string) bool {
	s = strings.ToLower(s)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// send performs one PREPARE and SEND step.
func (ex *execution) send(ctx context.Context, r Request) (*Response, error) {
	e := ex.e
	tl := ex.tl
	method := strings.ToUpper(r.method())

	target, err := url.Parse(r.URL)
	if err != nil || target.Host == "" {
		if err == nil {
			err = errors.New("missing host")
		}
		tl.Error("there was an error executing the request!")
		return nil, &NetworkError{Code: CodeInvalidURL, URL: r.URL, Err: err}
	}
	switch strings.ToLower(target.Scheme) {
	case "http", "https":
	default:
		tl.Error("there was an error executing the request!")
		return nil, &NetworkError{Code: CodeUnsupportedType, URL: r.URL, Err: fmt.Errorf("unsupported protocol %q", target.Scheme)}
	}

	started := e.now()
	tl.Info("Preparing request to %s", target.String())
	tl.Info("Current time is %s", started.UTC().Format(time.RFC3339Nano))

	decision, err := proxy.Resolve(target, r.ProxyMode, r.Proxy, e.systemConfig(r.ProxyMode))
	if err != nil {
		tl.Error("%s", err.Error())
		return nil, fmt.Errorf("failed to resolve proxy for %s: %w", target.Redacted(), err)
	}

	tlsOpts := e.tls
	if r.TLS != nil {
		tlsOpts = *r.TLS
	}
	transport, err := proxy.NewTransport(target, decision, tlsOpts, tl, proxy.TransportOptions{
		DialTimeout: e.dialTO,
		Override:    e.probe.Resolve,
	})
	if err != nil {
		tl.Error("%s", err.Error())
		return nil, fmt.Errorf("failed to prepare transport: %w", err)
	}
	transport.DisableCompression = true
	defer transport.CloseIdleConnections()

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, &NetworkError{Code: CodeInvalidURL, URL: r.URL, Err: err}
	}
	httpReq.Header = r.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = make(http.Header)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", e.userAgent)
	}
	if httpReq.Header.Get("Accept-Encoding") == "" {
		httpReq.Header.Set("Accept-Encoding", acceptEncoding)
	}
	if r.SendCookies && e.jar != nil {
		if jarCookies := e.jar.CookieStringForURL(target.String()); jarCookies != "" {
			if existing := httpReq.Header.Get("Cookie"); existing != "" {
				httpReq.Header.Set("Cookie", existing+"; "+jarCookies)
			} else {
				httpReq.Header.Set("Cookie", jarCookies)
			}
		}
	}
	if host := httpReq.Header.Get("Host"); host != "" {
		httpReq.Host = host
	}

	if err := e.wait(ctx); err != nil {
		return nil, &NetworkError{Code: ErrorCode(err), URL: r.URL, Err: err}
	}

	tl.Addf(timeline.KindRequest, "%s %s", method, target.String())
	for _, line := range headerLines(httpReq.Header) {
		tl.Add(timeline.KindRequestHeader, line)
	}
	if len(r.Body) > 0 {
		tl.Add(timeline.KindRequestData, string(r.Body))
	}

	hop := Hop{Method: method, URL: target.String(), Header: httpReq.Header.Clone(), Body: r.Body, Started: started}

	httpResp, err := transport.RoundTrip(httpReq)
	if err != nil {
		code := ErrorCode(err)
		e.metrics.networkError(code)
		tl.Error("%s", err.Error())
		tl.Error("there was an error executing the request!")
		e.log.Debug("request failed",
			zap.String("method", method),
			zap.String("url", target.Redacted()),
			zap.String("code", code),
			zap.Error(err),
		)
		ex.trail = append(ex.trail, hop)
		return nil, &NetworkError{Code: code, URL: r.URL, Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		code := ErrorCode(err)
		e.metrics.networkError(code)
		tl.Error("%s", err.Error())
		tl.Error("there was an error executing the request!")
		ex.trail = append(ex.trail, hop)
		return nil, &NetworkError{Code: code, URL: r.URL, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	header := httpResp.Header.Clone()
	decoded, err := decodeBody(header, raw)
	if err != nil {
		tl.Error("%s", err.Error())
		decoded = raw
	}

	elapsed := e.now().Sub(started)
	header.Set("request-duration", fmt.Sprintf("%d", elapsed.Milliseconds()))

	resp := &Response{
		Status:     httpResp.StatusCode,
		StatusText: http.StatusText(httpResp.StatusCode),
		Proto:      httpResp.Proto,
		ProtoMajor: httpResp.ProtoMajor,
		Header:     header,
		Body:       decoded,
		URL:        target.String(),
		Duration:   elapsed,
		TLS:        httpResp.TLS,
	}

	if httpResp.ProtoMajor == 2 {
		tl.Info("Using HTTP/2, server supports multiplexing")
	}
	tl.Addf(timeline.KindResponse, "%s %d %s", protoLabel(httpResp), resp.Status, resp.StatusText)
	for _, line := range headerLines(header) {
		tl.Add(timeline.KindResponseHeader, line)
	}
	tl.Info("Request completed in %d ms", elapsed.Milliseconds())

	if r.StoreCookies && e.jar != nil {
		e.jar.SetCookiesFromResponse(target.String(), httpResp.Header)
	}

	e.metrics.observe(method, resp, elapsed)
	e.log.Debug("request completed",
		zap.String("method", method),
		zap.String("url", target.Redacted()),
		zap.Int("status", resp.Status),
		zap.Duration("duration", elapsed),
	)

	hop.Response = resp
	ex.trail = append(ex.trail, hop)
	return resp, nil
}

func (e *Engine) systemConfig(mode proxy.Mode) proxy.SystemConfig {
	if mode != proxy.ModeSystem {
		return proxy.SystemConfig{}
	}
	return e.system()
}

func (e *Engine) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

func protoLabel(r *http.Response) string {
	if r.ProtoMajor == 2 {
		return "HTTP/2"
	}
	return fmt.Sprintf("HTTP/%d.%d", r.ProtoMajor, r.ProtoMinor)
}

// headerLines renders "name: value" lines in name order.
func headerLines(h http.Header) []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var lines []string
	for _, name := range names {
		for _, v := range h[name] {
			lines = append(lines, strings.ToLower(name)+": "+v)
		}
	}
	return lines
}
