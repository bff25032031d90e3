// Package proxy decides how a request reaches its target: directly, through
// an HTTP proxy, through a CONNECT tunnel, or through SOCKS. It also builds
// the TLS configuration and the http.Transport used for one hop, and writes
// every connection-setup step into the request timeline.
package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Mode selects where proxy settings come from.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeOn     Mode = "on"
	ModeSystem Mode = "system"
)

// ParseMode maps a configuration value onto a Mode. Unknown values are off.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeOn:
		return ModeOn
	case ModeSystem:
		return ModeSystem
	default:
		return ModeOff
	}
}

// Auth holds proxy credentials.
type Auth struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Username string `json:"username" yaml:"username" mapstructure:"username"`
	Password string `json:"password" yaml:"password" mapstructure:"password"`
}

// Config is a manually configured proxy.
type Config struct {
	Protocol    string `json:"protocol" yaml:"protocol" mapstructure:"protocol"`
	Hostname    string `json:"hostname" yaml:"hostname" mapstructure:"hostname"`
	Port        int    `json:"port,omitempty" yaml:"port,omitempty" mapstructure:"port"`
	Auth        Auth   `json:"auth" yaml:"auth" mapstructure:"auth"`
	BypassProxy string `json:"bypassProxy,omitempty" yaml:"bypassProxy,omitempty" mapstructure:"bypass"`
}

// URI renders protocol://[user:pass@]host[:port] with credentials escaped.
func (c Config) URI() *url.URL {
	protocol := strings.ToLower(c.Protocol)
	if protocol == "" {
		protocol = "http"
	}
	host := c.Hostname
	if c.Port > 0 {
		host = net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
	}
	u := &url.URL{Scheme: protocol, Host: host}
	if c.Auth.Enabled && c.Auth.Username != "" {
		u.User = url.UserPassword(c.Auth.Username, c.Auth.Password)
	}
	return u
}

// Kind is one of the closed set of connection strategies.
type Kind int

const (
	// Direct connects to the target itself.
	Direct Kind = iota
	// HTTPProxy sends absolute-form requests to an HTTP proxy. Used for
	// plain http targets.
	HTTPProxy
	// HTTPSProxy opens a CONNECT tunnel through the proxy and runs the
	// target TLS handshake inside it.
	HTTPSProxy
	// SOCKSProxy tunnels through a SOCKS4, SOCKS4a, SOCKS5 or SOCKS5h proxy.
	SOCKSProxy
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case HTTPProxy:
		return "http-proxy"
	case HTTPSProxy:
		return "https-proxy"
	case SOCKSProxy:
		return "socks-proxy"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// SelectKind picks the strategy for a target scheme and proxy protocol.
func SelectKind(targetScheme, proxyProtocol string) Kind {
	if strings.HasPrefix(strings.ToLower(proxyProtocol), "socks") {
		return SOCKSProxy
	}
	switch strings.ToLower(targetScheme) {
	case "https", "wss":
		return HTTPSProxy
	default:
		return HTTPProxy
	}
}

// Decision is the outcome of Resolve for one hop.
type Decision struct {
	Kind          Kind
	UseProxy      bool
	BypassMatched bool
	Proxy         *url.URL
}

// Protocol returns the proxy scheme, or "" for direct connections.
func (d Decision) Protocol() string {
	if d.Proxy == nil {
		return ""
	}
	return d.Proxy.Scheme
}

// Host returns the proxy hostname, or "".
func (d Decision) Host() string {
	if d.Proxy == nil {
		return ""
	}
	return d.Proxy.Hostname()
}

// Port returns the proxy port, falling back to the protocol default.
func (d Decision) Port() int {
	if d.Proxy == nil {
		return 0
	}
	if p, err := strconv.Atoi(d.Proxy.Port()); err == nil {
		return p
	}
	return defaultProxyPort(d.Proxy.Scheme)
}

func defaultProxyPort(scheme string) int {
	switch {
	case strings.HasPrefix(scheme, "socks"):
		return 1080
	case scheme == "https":
		return 443
	default:
		return 80
	}
}

// Resolve decides how to reach target. The system settings are only read in
// ModeSystem.
func Resolve(target *url.URL, mode Mode, cfg Config, sys SystemConfig) (Decision, error) {
	switch mode {
	case ModeOn:
		if cfg.Hostname == "" {
			return Decision{Kind: Direct}, fmt.Errorf("proxy is enabled but no hostname is configured")
		}
		if !shouldProxyTarget(target, cfg.BypassProxy) {
			return Decision{Kind: Direct, BypassMatched: true}, nil
		}
		uri := cfg.URI()
		if err := validateProtocol(uri.Scheme); err != nil {
			return Decision{Kind: Direct}, err
		}
		return Decision{Kind: SelectKind(target.Scheme, uri.Scheme), UseProxy: true, Proxy: uri}, nil

	case ModeSystem:
		proxies, err := sys.Parse()
		if err != nil {
			return Decision{Kind: Direct}, err
		}
		var uri *url.URL
		switch strings.ToLower(target.Scheme) {
		case "https", "wss":
			uri = proxies.HTTPS
		case "http", "ws":
			uri = proxies.HTTP
		}
		if uri == nil {
			return Decision{Kind: Direct}, nil
		}
		if !shouldProxyTarget(target, sys.NoProxy) {
			return Decision{Kind: Direct, BypassMatched: true}, nil
		}
		return Decision{Kind: SelectKind(target.Scheme, uri.Scheme), UseProxy: true, Proxy: uri}, nil

	default:
		return Decision{Kind: Direct}, nil
	}
}

func shouldProxyTarget(target *url.URL, bypass string) bool {
	bypass = strings.TrimSpace(bypass)
	if bypass == "*" {
		return false
	}
	if bypass == "" {
		return true
	}
	if target.Scheme == "" || target.Host == "" {
		return false
	}
	return shouldProxyURL(target, bypass)
}

func validateProtocol(scheme string) error {
	switch scheme {
	case "http", "https", "socks4", "socks4a", "socks5", "socks5h":
		return nil
	}
	return fmt.Errorf("unsupported proxy protocol %q", scheme)
}
