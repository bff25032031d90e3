package cookies

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Cookie is a stored cookie. A zero Expires marks a session cookie, which
// lives in memory only.
type Cookie struct {
	Key          string    `json:"key"`
	Value        string    `json:"value"`
	Domain       string    `json:"domain"`
	Path         string    `json:"path"`
	Expires      time.Time `json:"expires"`
	Creation     time.Time `json:"creation"`
	LastAccessed time.Time `json:"lastAccessed"`
	HostOnly     bool      `json:"hostOnly"`
	Secure       bool      `json:"secure"`
	HTTPOnly     bool      `json:"httpOnly"`
	SameSite     string    `json:"sameSite,omitempty"`
}

// Persistent reports whether the cookie carries an expiry.
func (c *Cookie) Persistent() bool { return !c.Expires.IsZero() }

// Expired reports whether the cookie's expiry is at or before now.
func (c *Cookie) Expired(now time.Time) bool {
	return c.Persistent() && !now.Before(c.Expires)
}

// CookieString is the `key=value` pair sent in a Cookie header.
func (c *Cookie) CookieString() string {
	if c.Key == "" {
		return c.Value
	}
	return c.Key + "=" + c.Value
}

// String renders the cookie as a Set-Cookie header value. Host-only cookies
// carry no Domain attribute.
func (c *Cookie) String() string {
	var b strings.Builder
	b.WriteString(c.CookieString())
	if c.Persistent() {
		b.WriteString("; Expires=")
		b.WriteString(c.Expires.UTC().Format(http.TimeFormat))
	}
	if c.Domain != "" && !c.HostOnly {
		b.WriteString("; Domain=")
		b.WriteString(c.Domain)
	}
	if c.Path != "" {
		b.WriteString("; Path=")
		b.WriteString(c.Path)
	}
	if c.Secure {
		b.WriteString("; Secure")
	}
	if c.HTTPOnly {
		b.WriteString("; HttpOnly")
	}
	if c.SameSite != "" {
		b.WriteString("; SameSite=")
		b.WriteString(c.SameSite)
	}
	return b.String()
}

// HTTPCookie converts to the net/http representation used on the wire.
func (c *Cookie) HTTPCookie() *http.Cookie {
	return &http.Cookie{Name: c.Key, Value: c.Value}
}

// ParseCookieString parses a Set-Cookie header value. The result is not
// bound to a request, so a cookie without a Domain attribute is host-only
// with an empty domain.
func ParseCookieString(s string) (*Cookie, error) {
	hc, err := http.ParseSetCookie(s)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	c := fromHTTPCookie(hc, now)
	c.Domain = strings.TrimPrefix(strings.ToLower(hc.Domain), ".")
	c.HostOnly = c.Domain == ""
	c.Path = hc.Path
	return c, nil
}

// CreateCookieString renders c as a Set-Cookie value, defaulting the path to
// "/" and always carrying the domain when one is known.
func CreateCookieString(c Cookie) string {
	if c.Path == "" {
		c.Path = "/"
	}
	s := c.String()
	if c.HostOnly && c.Domain != "" {
		s += "; Domain=" + c.Domain
	}
	return s
}

func fromHTTPCookie(hc *http.Cookie, now time.Time) *Cookie {
	c := &Cookie{
		Key:          hc.Name,
		Value:        hc.Value,
		Creation:     now,
		LastAccessed: now,
		Secure:       hc.Secure,
		HTTPOnly:     hc.HttpOnly,
		SameSite:     sameSiteName(hc.SameSite),
	}
	switch {
	case hc.MaxAge < 0:
		c.Expires = time.Unix(0, 0).UTC()
	case hc.MaxAge > 0:
		c.Expires = now.Add(time.Duration(hc.MaxAge) * time.Second)
	case !hc.Expires.IsZero():
		c.Expires = hc.Expires
	}
	return c
}

func sameSiteName(s http.SameSite) string {
	switch s {
	case http.SameSiteLaxMode:
		return "Lax"
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	}
	return ""
}

// domainMatch implements RFC 6265 section 5.1.3.
func domainMatch(host, domain string) bool {
	if host == domain {
		return true
	}
	return strings.HasSuffix(host, "."+domain) && net.ParseIP(host) == nil
}

// pathMatch implements RFC 6265 section 5.1.4.
func pathMatch(requestPath, cookiePath string) bool {
	if requestPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(requestPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || requestPath[len(cookiePath)] == '/'
}

func defaultPath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}

func canonicalHost(u *url.URL) string {
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}

// trustworthyOrigin reports whether Secure cookies may be sent to u: https
// and wss origins, and loopback hosts over any scheme.
func trustworthyOrigin(u *url.URL) bool {
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		return true
	}
	host := canonicalHost(u)
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
