package cookies

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blackcoderx/courier/pkg/logging"
	"github.com/blackcoderx/courier/pkg/vault"
	"github.com/bytedance/sonic"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// FileName is the jar's file inside its directory.
const FileName = "cookies.json"

const fileVersion = 1

// cookieFile is the on-disk index: domain -> path -> key.
type cookieFile struct {
	Version int                                          `json:"version"`
	Cookies map[string]map[string]map[string]cookieRecord `json:"cookies"`
}

type cookieRecord struct {
	Key          string          `json:"key"`
	Value        string          `json:"value"`
	Domain       string          `json:"domain"`
	Path         string          `json:"path"`
	Expires      json.RawMessage `json:"expires"`
	Creation     time.Time       `json:"creation"`
	LastAccessed time.Time       `json:"lastAccessed"`
	HostOnly     bool            `json:"hostOnly"`
	Secure       bool            `json:"secure,omitempty"`
	HTTPOnly     bool            `json:"httpOnly,omitempty"`
	SameSite     string          `json:"sameSite,omitempty"`
}

type loadResult struct {
	cookies     []*Cookie
	expired     int
	quarantined int
}

type diskStore struct {
	mu     sync.Mutex // serializes writes
	fs     afero.Fs
	dir    string
	cipher Cipher
}

func (d *diskStore) path() string { return filepath.Join(d.dir, FileName) }

func (d *diskStore) load(now time.Time) (loadResult, error) {
	var res loadResult

	data, err := afero.ReadFile(d.fs, d.path())
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, fmt.Errorf("failed to read cookie jar: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return res, nil
	}

	var file cookieFile
	if err := sonic.ConfigStd.Unmarshal(data, &file); err != nil {
		return res, fmt.Errorf("failed to parse cookie jar %s: %w", d.path(), err)
	}

	for domain, paths := range file.Cookies {
		for path, keys := range paths {
			for key, rec := range keys {
				expires, ok := parseExpiry(rec.Expires)
				if !ok || !now.Before(expires) {
					res.expired++
					continue
				}

				value := rec.Value
				if vault.IsEncrypted(value) {
					plain, err := d.cipher.Decrypt(value)
					if err != nil {
						res.quarantined++
						continue
					}
					value = plain
				}

				c := &Cookie{
					Key:          key,
					Value:        value,
					Domain:       domain,
					Path:         path,
					Expires:      expires,
					Creation:     rec.Creation,
					LastAccessed: rec.LastAccessed,
					HostOnly:     rec.HostOnly,
					Secure:       rec.Secure,
					HTTPOnly:     rec.HTTPOnly,
					SameSite:     rec.SameSite,
				}
				res.cookies = append(res.cookies, c)
			}
		}
	}
	return res, nil
}

// parseExpiry accepts an RFC 3339 string or epoch milliseconds. null,
// "null", "Infinity" and anything unparseable are rejected.
func parseExpiry(raw json.RawMessage) (time.Time, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, false
	}

	if unquoted, err := strconv.Unquote(s); err == nil {
		switch unquoted {
		case "", "null", "Infinity", "-Infinity":
			return time.Time{}, false
		}
		t, err := time.Parse(time.RFC3339Nano, unquoted)
		if err != nil {
			if t, err = http.ParseTime(unquoted); err != nil {
				return time.Time{}, false
			}
		}
		return t, true
	}

	ms, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(ms, 0) || math.IsNaN(ms) {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)), true
}

// write seals values that are not sealed yet and replaces the file
// atomically.
func (d *diskStore) write(cookies []Cookie) error {
	file := cookieFile{
		Version: fileVersion,
		Cookies: make(map[string]map[string]map[string]cookieRecord),
	}

	for _, c := range cookies {
		value := c.Value
		if value != "" && !vault.IsEncrypted(value) {
			sealed, err := d.cipher.Encrypt(value)
			if err != nil {
				return fmt.Errorf("failed to encrypt cookie %s: %w", c.Key, err)
			}
			value = sealed
		}

		expires, err := json.Marshal(c.Expires.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}

		paths, ok := file.Cookies[c.Domain]
		if !ok {
			paths = make(map[string]map[string]cookieRecord)
			file.Cookies[c.Domain] = paths
		}
		keys, ok := paths[c.Path]
		if !ok {
			keys = make(map[string]cookieRecord)
			paths[c.Path] = keys
		}
		keys[c.Key] = cookieRecord{
			Key:          c.Key,
			Value:        value,
			Domain:       c.Domain,
			Path:         c.Path,
			Expires:      expires,
			Creation:     c.Creation,
			LastAccessed: c.LastAccessed,
			HostOnly:     c.HostOnly,
			Secure:       c.Secure,
			HTTPOnly:     c.HTTPOnly,
			SameSite:     c.SameSite,
		}
	}

	data, err := sonic.ConfigStd.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cookie jar: %w", err)
	}

	if err := d.fs.MkdirAll(d.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create cookie directory: %w", err)
	}
	tmp, err := afero.TempFile(d.fs, d.dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = d.fs.Remove(tmpName)
		return fmt.Errorf("failed to write cookie jar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = d.fs.Remove(tmpName)
		return fmt.Errorf("failed to write cookie jar: %w", err)
	}
	if err := d.fs.Rename(tmpName, d.path()); err != nil {
		_ = d.fs.Remove(tmpName)
		return fmt.Errorf("failed to replace cookie jar: %w", err)
	}
	return nil
}

// writer is the single goroutine that persists the jar. Each kick restarts
// the quiet window, so a burst of mutations produces one write.
type writer struct {
	kicks   chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func startWriter(debounce time.Duration, flush func() error, log *logging.Logger) *writer {
	w := &writer{
		kicks:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.run(debounce, flush, log)
	return w
}

func (w *writer) run(debounce time.Duration, flush func() error, log *logging.Logger) {
	defer close(w.stopped)

	timer := time.NewTimer(debounce)
	timer.Stop()
	var fire <-chan time.Time

	for {
		select {
		case <-w.kicks:
			timer.Reset(debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			if err := flush(); err != nil {
				log.Error("failed to persist cookie jar", zap.Error(err))
			}
		case <-w.done:
			timer.Stop()
			return
		}
	}
}

func (w *writer) kick() {
	select {
	case w.kicks <- struct{}{}:
	default:
	}
}

// stop waits for the goroutine to exit. Pending kicks are left to the
// caller's final Flush.
func (w *writer) stop() {
	w.once.Do(func() { close(w.done) })
	<-w.stopped
}
