package engine

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/blackcoderx/courier/pkg/network/proxy"
	"github.com/blackcoderx/courier/pkg/timeline"
)

// DefaultMaxRedirects applies when Request.MaxRedirects is negative.
const DefaultMaxRedirects = 5

// Request describes one logical request. The engine never mutates it; each
// redirect hop works on a clone.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	ProxyMode proxy.Mode
	Proxy     proxy.Config
	// TLS overrides the engine's TLS options when set.
	TLS *proxy.TLSOptions

	// MaxRedirects bounds the hops followed. Negative selects
	// DefaultMaxRedirects, zero returns redirect responses as they are.
	MaxRedirects int

	SendCookies  bool
	StoreCookies bool

	// Timeout bounds the whole execution including redirects. Zero means
	// no limit beyond the caller's context.
	Timeout time.Duration
}

// NewRequest returns a request with default redirect handling and cookies
// enabled in both directions.
func NewRequest(method, url string) Request {
	return Request{
		Method:       method,
		URL:          url,
		Header:       make(http.Header),
		MaxRedirects: -1,
		SendCookies:  true,
		StoreCookies: true,
	}
}

func (r Request) maxRedirects() int {
	if r.MaxRedirects < 0 {
		return DefaultMaxRedirects
	}
	return r.MaxRedirects
}

func (r Request) clone() Request {
	c := r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return c
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// Response is a fully read HTTP response.
type Response struct {
	Status     int
	StatusText string
	Proto      string
	ProtoMajor int
	Header     http.Header
	Body       []byte
	// URL is the address that produced this response, after redirects.
	URL      string
	Duration time.Duration
	TLS      *tls.ConnectionState
}

// Size is the decoded body length.
func (r *Response) Size() int { return len(r.Body) }

// Hop records one request/response exchange of a redirect chain.
type Hop struct {
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	Started  time.Time
	Response *Response
}

// Result is what Execute returns: the final response, the timeline of the
// whole chain and every hop taken.
type Result struct {
	Response  *Response
	Timeline  *timeline.Timeline
	Hops      []Hop
	Redirects int
	Duration  time.Duration
}
