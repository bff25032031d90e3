package storage

import (
	"net/http"
	"testing"
	"time"

	"github.com/blackcoderx/courier/pkg/auth/oauth2"
	"github.com/blackcoderx/courier/pkg/engine"
	"github.com/blackcoderx/courier/pkg/network/proxy"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const requestYAML = `name: create-user
method: post
url: "{{BASE_URL}}/users"
headers:
  X-Tenant: "{{TENANT}}"
query:
  dryRun: "true"
body:
  name: alice
  admin: false
proxy:
  mode: on
  protocol: socks5
  hostname: proxy.internal
  port: 1080
  bypassProxy: "*.local"
tls:
  rejectUnauthorized: false
redirect:
  max: 0
cookies:
  store: false
timeout: 15s
auth:
  mode: oauth2
  oauth2:
    grantType: client_credentials
    accessTokenUrl: "{{BASE_URL}}/token"
    clientId: "{{CLIENT_ID}}"
    clientSecret: "{{env:COURIER_TEST_SECRET}}"
    autoFetchToken: true
`

func TestWorkspace_Requests(t *testing.T) {
	fs := afero.NewMemMapFs()
	ws := NewWorkspace(fs, "/proj/.courier")

	list, err := ws.ListRequests()
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, afero.WriteFile(fs, "/proj/.courier/requests/users/create.yaml", []byte(requestYAML), 0o644))
	require.NoError(t, ws.SaveRequest(Request{Name: "ping", Method: "GET", URL: "https://example.com/ping"}, "ping"))

	list, err = ws.ListRequests()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ping.yaml", "users/create.yaml"}, list)

	req, err := ws.LoadRequest("users/create")
	require.NoError(t, err)
	assert.Equal(t, "create-user", req.Name)
	require.NotNil(t, req.Proxy)
	assert.Equal(t, "socks5", req.Proxy.Protocol)
	assert.Equal(t, 1080, req.Proxy.Port)
	require.NotNil(t, req.Auth)
	assert.Equal(t, AuthOAuth2, req.Auth.Mode)
	assert.Equal(t, oauth2.ClientCredentials, req.Auth.OAuth2.GrantType)

	// Loading by path works too, and the name defaults to the file name.
	require.NoError(t, afero.WriteFile(fs, "/tmp/adhoc.yml", []byte("method: GET\nurl: https://x\n"), 0o644))
	adhoc, err := ws.LoadRequest("/tmp/adhoc.yml")
	require.NoError(t, err)
	assert.Equal(t, "adhoc", adhoc.Name)

	_, err = ws.LoadRequest("missing")
	assert.ErrorContains(t, err, "failed to read file")
}

func TestWorkspace_Environments(t *testing.T) {
	t.Setenv("COURIER_TEST_TOKEN", "from-env")
	fs := afero.NewMemMapFs()
	ws := NewWorkspace(fs, "/proj/.courier")

	require.NoError(t, ws.SaveEnvironment("dev", map[string]string{
		"BASE_URL": "https://dev.example.com",
		"TOKEN":    "{{env:COURIER_TEST_TOKEN}}",
	}))
	require.NoError(t, ws.SaveEnvironment("prod.yml", map[string]string{"BASE_URL": "https://example.com"}))

	envs, err := ws.ListEnvironments()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dev", "prod"}, envs)

	env, err := ws.LoadEnvironment("dev")
	require.NoError(t, err)
	assert.Equal(t, "https://dev.example.com", env["BASE_URL"])
	assert.Equal(t, "from-env", env["TOKEN"])
}

func TestWorkspace_Name(t *testing.T) {
	ws := NewWorkspace(afero.NewMemMapFs(), "/home/dev/payments-api/.courier")
	assert.Equal(t, "payments-api", ws.Name())
}

func TestSubstituteVariables(t *testing.T) {
	t.Setenv("COURIER_TEST_HOST", "api.example.com")
	env := map[string]string{"ID": "42", "EMPTY": ""}

	tests := []struct {
		in, want string
	}{
		{"/users/{{ID}}", "/users/42"},
		{"/users/{{ ID }}", "/users/42"},
		{"https://{{env:COURIER_TEST_HOST}}/", "https://api.example.com/"},
		{"{{UNKNOWN}}", "{{UNKNOWN}}"},
		{"{{env:COURIER_TEST_UNSET_VAR}}", "{{env:COURIER_TEST_UNSET_VAR}}"},
		{"[{{EMPTY}}]", "[]"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SubstituteVariables(tt.in, env))
		})
	}
}

func TestApplyEnvironmentAndBuild(t *testing.T) {
	t.Setenv("COURIER_TEST_SECRET", "s3cret")
	fs := afero.NewMemMapFs()
	ws := NewWorkspace(fs, "/proj/.courier")
	require.NoError(t, afero.WriteFile(fs, "/proj/.courier/requests/create.yaml", []byte(requestYAML), 0o644))

	saved, err := ws.LoadRequest("create")
	require.NoError(t, err)
	applied := ApplyEnvironment(saved, map[string]string{
		"BASE_URL":  "https://api.example.com",
		"TENANT":    "acme",
		"CLIENT_ID": "cli",
	})

	assert.Equal(t, "{{BASE_URL}}/users", saved.URL, "original is untouched")
	assert.Equal(t, "https://api.example.com/token", applied.Auth.OAuth2.AccessTokenURL)
	assert.Equal(t, "cli", applied.Auth.OAuth2.ClientID)
	assert.Equal(t, "s3cret", applied.Auth.OAuth2.ClientSecret)
	assert.Equal(t, "{{CLIENT_ID}}", saved.Auth.OAuth2.ClientID)

	base := engine.NewRequest("", "")
	base.Header.Set("Accept", "application/json")
	req, err := applied.Build(base)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "https://api.example.com/users?dryRun=true", req.URL)
	assert.Equal(t, "acme", req.Header.Get("X-Tenant"))
	assert.Equal(t, "application/json", req.Header.Get("Accept"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"name":"alice","admin":false}`, string(req.Body))
	assert.Equal(t, proxy.ModeOn, req.ProxyMode)
	assert.Equal(t, "proxy.internal", req.Proxy.Hostname)
	assert.Equal(t, "*.local", req.Proxy.BypassProxy)
	require.NotNil(t, req.TLS)
	assert.False(t, req.TLS.RejectUnauthorized)
	assert.Equal(t, 0, req.MaxRedirects)
	assert.True(t, req.SendCookies)
	assert.False(t, req.StoreCookies)
	assert.Equal(t, 15*time.Second, req.Timeout)

	assert.Empty(t, base.Header.Get("X-Tenant"), "base headers are not shared")
}

func TestBuild_Defaults(t *testing.T) {
	r := &Request{URL: "https://example.com/a?x=1", Body: "raw text"}
	req, err := r.Build(engine.NewRequest("", ""))
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "https://example.com/a?x=1", req.URL)
	assert.Equal(t, []byte("raw text"), req.Body)
	assert.Empty(t, req.Header.Get("Content-Type"))
	assert.Equal(t, -1, req.MaxRedirects)

	_, err = (&Request{URL: "https://example.com", Timeout: "soon"}).Build(engine.NewRequest("", ""))
	assert.ErrorContains(t, err, "invalid timeout")
}
