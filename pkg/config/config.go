// Package config loads courier's settings from .courier/config.json, the
// process environment and a .env file, and lays out a fresh workspace.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blackcoderx/courier/pkg/engine"
	"github.com/blackcoderx/courier/pkg/network/proxy"
	"github.com/blackcoderx/courier/pkg/runner"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

const (
	// DirName is the workspace directory created in the project root.
	DirName = ".courier"
	// FileName is the settings file inside DirName.
	FileName = "config.json"
	// EnvPrefix prefixes environment overrides, e.g. COURIER_LOGGING_LEVEL.
	EnvPrefix = "COURIER"
)

// Settings is the full courier configuration.
type Settings struct {
	Proxy   ProxySettings    `mapstructure:"proxy"`
	TLS     proxy.TLSOptions `mapstructure:"tls"`
	Request RequestSettings  `mapstructure:"request"`
	Cookies CookieSettings   `mapstructure:"cookies"`
	Logging LoggingSettings  `mapstructure:"logging"`
	Bench   runner.Config    `mapstructure:"bench"`
	OAuth   OAuthSettings    `mapstructure:"oauth"`
}

// ProxySettings is the workspace proxy. Requests without a proxy block of
// their own use it.
type ProxySettings struct {
	Mode         string `mapstructure:"mode"`
	proxy.Config `mapstructure:",squash"`
}

// RequestSettings are the per-request defaults.
type RequestSettings struct {
	MaxRedirects   int     `mapstructure:"max_redirects"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	SendCookies    bool    `mapstructure:"send_cookies"`
	StoreCookies   bool    `mapstructure:"store_cookies"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	Burst          int     `mapstructure:"burst"`
}

// CookieSettings locate and tune the persisted jar.
type CookieSettings struct {
	// Dir defaults to <workspace>/cookies.
	Dir             string `mapstructure:"dir"`
	DebounceSeconds int    `mapstructure:"debounce_seconds"`
}

// LoggingSettings configure the operator log.
type LoggingSettings struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// OAuthSettings configure the authorization window.
type OAuthSettings struct {
	// Browser is "auto" (loopback listener when the callback allows it)
	// or "prompt" (always paste the redirect URL).
	Browser string `mapstructure:"browser"`
}

// SetDefaults registers every key with its default so environment
// overrides reach nested fields on Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("proxy.mode", string(proxy.ModeSystem))
	v.SetDefault("proxy.protocol", "http")
	v.SetDefault("proxy.hostname", "")
	v.SetDefault("proxy.port", 0)
	v.SetDefault("proxy.auth.enabled", false)
	v.SetDefault("proxy.auth.username", "")
	v.SetDefault("proxy.auth.password", "")
	v.SetDefault("proxy.bypass", "")

	v.SetDefault("tls.verify", true)
	v.SetDefault("tls.ca_cert_file", "")
	v.SetDefault("tls.keep_default_cas", true)

	v.SetDefault("request.max_redirects", engine.DefaultMaxRedirects)
	v.SetDefault("request.timeout_seconds", 0)
	v.SetDefault("request.send_cookies", true)
	v.SetDefault("request.store_cookies", true)
	v.SetDefault("request.rate_limit", 0)
	v.SetDefault("request.burst", 1)

	v.SetDefault("cookies.dir", "")
	v.SetDefault("cookies.debounce_seconds", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("bench.duration", "10s")
	v.SetDefault("bench.requests_per_second", 10)
	v.SetDefault("bench.concurrent_users", 5)
	v.SetDefault("bench.ramp_up", "0s")
	v.SetDefault("bench.max_requests", 0)

	v.SetDefault("oauth.browser", "auto")
}

// New returns a viper instance reading <dir>/config.json from fs, with
// COURIER_* environment overrides. An explicit file replaces the default
// location.
func New(fs afero.Fs, dir, file string) *viper.Viper {
	v := viper.New()
	v.SetFs(fs)
	SetDefaults(v)
	if file == "" {
		file = filepath.Join(dir, FileName)
	}
	v.SetConfigFile(file)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the settings file if present and decodes the result.
func Load(v *viper.Viper) (*Settings, error) {
	if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &s, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// BaseRequest returns the engine request every saved request is built on.
func (s *Settings) BaseRequest() engine.Request {
	req := engine.NewRequest("", "")
	req.ProxyMode = proxy.ParseMode(s.Proxy.Mode)
	req.Proxy = s.Proxy.Config
	req.MaxRedirects = s.Request.MaxRedirects
	req.SendCookies = s.Request.SendCookies
	req.StoreCookies = s.Request.StoreCookies
	if s.Request.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(s.Request.TimeoutSeconds) * time.Second
	}
	return req
}

// CookieDebounce is the jar's write debounce.
func (s *Settings) CookieDebounce() time.Duration {
	return time.Duration(s.Cookies.DebounceSeconds) * time.Second
}

// CookieDir resolves the jar directory against the workspace.
func (s *Settings) CookieDir(workspace string) string {
	if s.Cookies.Dir != "" {
		return s.Cookies.Dir
	}
	return filepath.Join(workspace, "cookies")
}

const devEnvironment = `# Development environment
# Add your variables here, e.g.:
# BASE_URL: http://localhost:3000
# API_TOKEN: your-dev-token
`

// Initialize creates the workspace layout under dir when it does not exist
// yet. It reports whether anything was created.
func Initialize(fs afero.Fs, dir string) (bool, error) {
	exists, err := afero.DirExists(fs, dir)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", dir, err)
	}

	for _, sub := range []string{"requests", "environments", "cookies"} {
		if err := fs.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return false, fmt.Errorf("failed to create %s folder: %w", sub, err)
		}
	}
	if exists {
		return false, nil
	}

	envPath := filepath.Join(dir, "environments", "dev.yaml")
	if err := afero.WriteFile(fs, envPath, []byte(devEnvironment), 0o644); err != nil {
		return false, fmt.Errorf("failed to write dev environment: %w", err)
	}

	v := viper.New()
	v.SetFs(fs)
	SetDefaults(v)
	if err := v.WriteConfigAs(filepath.Join(dir, FileName)); err != nil {
		return false, fmt.Errorf("failed to write config file: %w", err)
	}
	return true, nil
}
