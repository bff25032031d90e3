package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// varPattern matches {{VAR_NAME}} or {{env:VAR_NAME}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// LoadEnvironment loads a named environment. {{env:VAR}} references are
// resolved against the process environment.
func (w *Workspace) LoadEnvironment(name string) (map[string]string, error) {
	path := withYAMLExt(filepath.Join(w.EnvironmentsDir(), name))
	data, err := afero.ReadFile(w.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read environment file: %w", err)
	}

	var env map[string]string
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse environment YAML: %w", err)
	}
	if env == nil {
		env = map[string]string{}
	}

	for key, value := range env {
		env[key] = SubstituteVariables(value, nil)
	}
	return env, nil
}

// SaveEnvironment saves environment variables under name.
func (w *Workspace) SaveEnvironment(name string, env map[string]string) error {
	return w.writeYAML(w.EnvironmentsDir(), name, env)
}

// ListEnvironments lists all environment names.
func (w *Workspace) ListEnvironments() ([]string, error) {
	dir := w.EnvironmentsDir()
	if ok, _ := afero.DirExists(w.fs, dir); !ok {
		return []string{}, nil
	}

	entries, err := afero.ReadDir(w.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read environments directory: %w", err)
	}

	var envs []string
	for _, entry := range entries {
		if !entry.IsDir() && isYAML(entry.Name()) {
			envs = append(envs, strings.TrimSuffix(strings.TrimSuffix(entry.Name(), ".yaml"), ".yml"))
		}
	}
	return envs, nil
}

// SubstituteVariables replaces {{VAR}} placeholders with values from env and
// {{env:VAR}} with process environment variables. Unknown references are
// kept as written.
func SubstituteVariables(text string, env map[string]string) string {
	return varPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSuffix(match, "}}"), "{{"))

		if sysVar, ok := strings.CutPrefix(name, "env:"); ok {
			if val := os.Getenv(sysVar); val != "" {
				return val
			}
			return match
		}
		if val, ok := env[name]; ok {
			return val
		}
		return match
	})
}

// ApplyEnvironment returns a copy of req with variables substituted in
// the URL, headers, query, string bodies and auth fields.
func ApplyEnvironment(req *Request, env map[string]string) *Request {
	sub := func(s string) string { return SubstituteVariables(s, env) }

	applied := *req
	applied.URL = sub(req.URL)
	applied.Headers = make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		applied.Headers[k] = sub(v)
	}
	applied.Query = make(map[string]string, len(req.Query))
	for k, v := range req.Query {
		applied.Query[k] = sub(v)
	}
	if bodyStr, ok := req.Body.(string); ok {
		applied.Body = sub(bodyStr)
	}

	if req.Auth != nil {
		a := *req.Auth
		if a.Basic != nil {
			b := *a.Basic
			b.Username, b.Password = sub(b.Username), sub(b.Password)
			a.Basic = &b
		}
		if a.Bearer != nil {
			b := *a.Bearer
			b.Token = sub(b.Token)
			a.Bearer = &b
		}
		if a.OAuth1 != nil {
			c := *a.OAuth1
			for _, f := range []*string{&c.ConsumerKey, &c.ConsumerSecret, &c.AccessToken, &c.AccessTokenSecret,
				&c.RSAPrivateKey, &c.RequestTokenURL, &c.AuthorizeURL, &c.AccessTokenURL, &c.CallbackURL} {
				*f = sub(*f)
			}
			a.OAuth1 = &c
		}
		if a.OAuth2 != nil {
			c := *a.OAuth2
			for _, f := range []*string{&c.AuthorizationURL, &c.AccessTokenURL, &c.RefreshTokenURL, &c.CallbackURL,
				&c.ClientID, &c.ClientSecret, &c.Username, &c.Password, &c.Scope, &c.State} {
				*f = sub(*f)
			}
			a.OAuth2 = &c
		}
		applied.Auth = &a
	}
	return &applied
}
