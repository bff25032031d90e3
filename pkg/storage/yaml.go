// Package storage reads and writes the .courier workspace: saved requests,
// environments and the encrypted OAuth credential stores.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Workspace is a .courier directory on some filesystem.
type Workspace struct {
	fs  afero.Fs
	dir string
}

// NewWorkspace returns the workspace rooted at dir.
func NewWorkspace(fs afero.Fs, dir string) *Workspace {
	return &Workspace{fs: fs, dir: dir}
}

// Dir returns the workspace root.
func (w *Workspace) Dir() string { return w.dir }

// Fs returns the workspace filesystem.
func (w *Workspace) Fs() afero.Fs { return w.fs }

// Name is the workspace's default collection id.
func (w *Workspace) Name() string {
	abs, err := filepath.Abs(filepath.Dir(w.dir))
	if err != nil {
		return filepath.Base(filepath.Dir(w.dir))
	}
	return filepath.Base(abs)
}

// RequestsDir returns the requests directory path
func (w *Workspace) RequestsDir() string {
	return filepath.Join(w.dir, "requests")
}

// EnvironmentsDir returns the environments directory path
func (w *Workspace) EnvironmentsDir() string {
	return filepath.Join(w.dir, "environments")
}

// CookiesDir returns the cookie jar directory path
func (w *Workspace) CookiesDir() string {
	return filepath.Join(w.dir, "cookies")
}

// SaveRequest saves a request under the requests directory.
func (w *Workspace) SaveRequest(req Request, name string) error {
	return w.writeYAML(w.RequestsDir(), name, req)
}

// LoadRequest loads a request by name, or by path when ref names an
// existing file.
func (w *Workspace) LoadRequest(ref string) (*Request, error) {
	path := ref
	if ok, _ := afero.Exists(w.fs, path); !ok {
		path = withYAMLExt(filepath.Join(w.RequestsDir(), ref))
	}

	data, err := afero.ReadFile(w.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var req Request
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if req.Name == "" {
		req.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &req, nil
}

// ListRequests lists all saved requests relative to the requests directory.
func (w *Workspace) ListRequests() ([]string, error) {
	dir := w.RequestsDir()
	if ok, _ := afero.DirExists(w.fs, dir); !ok {
		return []string{}, nil
	}

	var files []string
	err := afero.Walk(w.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && isYAML(path) {
			rel, _ := filepath.Rel(dir, path)
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	return files, nil
}

func (w *Workspace) writeYAML(dir, name string, v any) error {
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	path := withYAMLExt(filepath.Join(dir, name))
	if err := afero.WriteFile(w.fs, path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

func withYAMLExt(path string) string {
	if isYAML(path) {
		return path
	}
	return path + ".yaml"
}
