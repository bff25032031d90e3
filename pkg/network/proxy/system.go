package proxy

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// SystemConfig holds the proxy environment of the process.
type SystemConfig struct {
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

// SystemProxies is the validated form of SystemConfig.
type SystemProxies struct {
	HTTP  *url.URL
	HTTPS *url.URL
}

// LoadSystemConfig reads http_proxy, https_proxy and no_proxy. The
// lower-case spelling wins over the upper-case one.
func LoadSystemConfig() SystemConfig {
	env := viper.New()
	_ = env.BindEnv("http", "http_proxy", "HTTP_PROXY")
	_ = env.BindEnv("https", "https_proxy", "HTTPS_PROXY")
	_ = env.BindEnv("no", "no_proxy", "NO_PROXY")

	return SystemConfig{
		HTTPProxy:  strings.TrimSpace(env.GetString("http")),
		HTTPSProxy: strings.TrimSpace(env.GetString("https")),
		NoProxy:    strings.TrimSpace(env.GetString("no")),
	}
}

// Parse validates both proxy URLs. A value without a scheme is taken as
// an http proxy.
func (s SystemConfig) Parse() (SystemProxies, error) {
	var out SystemProxies
	var err error
	if out.HTTP, err = parseSystemProxy("http_proxy", s.HTTPProxy); err != nil {
		return SystemProxies{}, err
	}
	if out.HTTPS, err = parseSystemProxy("https_proxy", s.HTTPSProxy); err != nil {
		return SystemProxies{}, err
	}
	return out, nil
}

func parseSystemProxy(name, raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	candidate := raw
	if !strings.Contains(candidate, "://") {
		candidate = "http://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return nil, fmt.Errorf("invalid system %s %q: %w", name, raw, err)
	}
	if u.Host == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid system %s %q: missing host", name, raw)
	}
	if err := validateProtocol(strings.ToLower(u.Scheme)); err != nil {
		return nil, fmt.Errorf("invalid system %s %q: %w", name, raw, err)
	}
	return u, nil
}
