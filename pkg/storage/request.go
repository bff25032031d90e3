package storage

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blackcoderx/courier/pkg/engine"
	"github.com/blackcoderx/courier/pkg/network/proxy"
	"github.com/bytedance/sonic"
)

// Build turns a saved request into an engine request. base supplies the
// workspace defaults the request's own blocks override. Auth is not
// applied here.
func (r *Request) Build(base engine.Request) (engine.Request, error) {
	out := base
	out.Header = base.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}

	out.Method = strings.ToUpper(r.Method)
	if out.Method == "" {
		out.Method = http.MethodGet
	}

	u, err := url.Parse(r.URL)
	if err != nil {
		return out, fmt.Errorf("invalid url %q: %w", r.URL, err)
	}
	if len(r.Query) > 0 {
		q := u.Query()
		for k, v := range r.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	out.URL = u.String()

	for k, v := range r.Headers {
		out.Header.Set(k, v)
	}

	switch body := r.Body.(type) {
	case nil:
		out.Body = nil
	case string:
		out.Body = []byte(body)
	default:
		data, err := sonic.ConfigStd.Marshal(body)
		if err != nil {
			return out, fmt.Errorf("failed to encode body: %w", err)
		}
		out.Body = data
		if out.Header.Get("Content-Type") == "" {
			out.Header.Set("Content-Type", "application/json")
		}
	}

	if r.Proxy != nil {
		out.ProxyMode = proxy.ParseMode(r.Proxy.Mode)
		out.Proxy = r.Proxy.Config
	}
	if r.TLS != nil {
		tlsOpts := *r.TLS
		out.TLS = &tlsOpts
	}
	if r.Redirect != nil && r.Redirect.Max != nil {
		out.MaxRedirects = *r.Redirect.Max
	}
	if r.Cookies != nil {
		if r.Cookies.Send != nil {
			out.SendCookies = *r.Cookies.Send
		}
		if r.Cookies.Store != nil {
			out.StoreCookies = *r.Cookies.Store
		}
	}
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return out, fmt.Errorf("invalid timeout %q: %w", r.Timeout, err)
		}
		out.Timeout = d
	}
	return out, nil
}
