package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blackcoderx/courier/pkg/network/proxy"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Load(New(fs, "/proj/.courier", ""))
	require.NoError(t, err)

	assert.Equal(t, "system", s.Proxy.Mode)
	assert.True(t, s.TLS.RejectUnauthorized)
	assert.True(t, s.TLS.KeepDefaultCAs)
	assert.Equal(t, 5, s.Request.MaxRedirects)
	assert.True(t, s.Request.SendCookies)
	assert.True(t, s.Request.StoreCookies)
	assert.Equal(t, "info", s.Logging.Level)
	assert.Equal(t, 10*time.Second, s.Bench.Duration)
	assert.Equal(t, 5, s.Bench.ConcurrentUsers)
	assert.Equal(t, 5*time.Second, s.CookieDebounce())
	assert.Equal(t, filepath.Join("/proj/.courier", "cookies"), s.CookieDir("/proj/.courier"))
}

func TestLoad_FileAndEnv(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/.courier/config.json", []byte(`{
  "proxy": {
    "mode": "on",
    "protocol": "socks5",
    "hostname": "proxy.internal",
    "port": 1080,
    "auth": {"enabled": true, "username": "u", "password": "p"},
    "bypass": "localhost, *.corp"
  },
  "tls": {
    "verify": false,
    "client_certs": [{"domain": "*.example.com", "type": "pfx", "pfx_file": "/certs/c.pfx"}]
  },
  "request": {"max_redirects": 0, "timeout_seconds": 30, "store_cookies": false},
  "cookies": {"dir": "/var/jar"},
  "bench": {"duration": "1m", "ramp_up": "5s"}
}`), 0o644))

	t.Setenv("COURIER_LOGGING_LEVEL", "debug")
	t.Setenv("COURIER_REQUEST_MAX_REDIRECTS", "2")

	s, err := Load(New(fs, "/proj/.courier", ""))
	require.NoError(t, err)

	assert.Equal(t, "on", s.Proxy.Mode)
	assert.Equal(t, "socks5", s.Proxy.Protocol)
	assert.Equal(t, 1080, s.Proxy.Port)
	assert.True(t, s.Proxy.Auth.Enabled)
	assert.Equal(t, "localhost, *.corp", s.Proxy.BypassProxy)
	assert.False(t, s.TLS.RejectUnauthorized)
	require.Len(t, s.TLS.ClientCerts, 1)
	assert.Equal(t, "/certs/c.pfx", s.TLS.ClientCerts[0].PFXFile)
	assert.Equal(t, 2, s.Request.MaxRedirects, "environment wins over the file")
	assert.Equal(t, "debug", s.Logging.Level)
	assert.Equal(t, "/var/jar", s.CookieDir("/proj/.courier"))
	assert.Equal(t, time.Minute, s.Bench.Duration)
	assert.Equal(t, 5*time.Second, s.Bench.RampUp)

	base := s.BaseRequest()
	assert.Equal(t, proxy.ModeOn, base.ProxyMode)
	assert.Equal(t, "proxy.internal", base.Proxy.Hostname)
	assert.Equal(t, 2, base.MaxRedirects)
	assert.Equal(t, 30*time.Second, base.Timeout)
	assert.True(t, base.SendCookies)
	assert.False(t, base.StoreCookies)
}

func TestLoad_MalformedFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/.courier/config.json", []byte(`{"proxy": `), 0o644))
	_, err := Load(New(fs, "/proj/.courier", ""))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestInitialize(t *testing.T) {
	fs := afero.NewMemMapFs()

	created, err := Initialize(fs, "/proj/.courier")
	require.NoError(t, err)
	assert.True(t, created)

	for _, p := range []string{"requests", "environments", "cookies"} {
		ok, _ := afero.DirExists(fs, filepath.Join("/proj/.courier", p))
		assert.True(t, ok, p)
	}
	env, err := afero.ReadFile(fs, "/proj/.courier/environments/dev.yaml")
	require.NoError(t, err)
	assert.Contains(t, string(env), "BASE_URL")

	// The written file round-trips through Load.
	s, err := Load(New(fs, "/proj/.courier", ""))
	require.NoError(t, err)
	assert.Equal(t, 5, s.Request.MaxRedirects)

	created, err = Initialize(fs, "/proj/.courier")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("COURIER_DOTENV_TEST=hello\n"), 0o600))
	t.Setenv("COURIER_DOTENV_TEST", "")
	require.NoError(t, os.Unsetenv("COURIER_DOTENV_TEST"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "hello", os.Getenv("COURIER_DOTENV_TEST"))
}
