// Package cookies is the engine's cookie jar: an RFC 6265 store held in
// memory and mirrored to an encrypted cookies.json by a single debounced
// background writer.
package cookies

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blackcoderx/courier/pkg/logging"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

// ErrNotFound is returned when a cookie to modify does not exist.
var ErrNotFound = errors.New("cookie not found")

// Cipher seals cookie values at rest. *vault.Vault satisfies it.
type Cipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(value string) (string, error)
}

// Options tunes a Jar.
type Options struct {
	// Debounce is the quiet window after the last mutation before the
	// background writer persists the jar. Defaults to 5s.
	Debounce time.Duration
	Now      func() time.Time
}

const defaultDebounce = 5 * time.Second

// DomainCookies groups the live cookies of one domain.
type DomainCookies struct {
	Domain       string
	Cookies      []Cookie
	CookieString string
}

// Jar is safe for concurrent use.
type Jar struct {
	mu    sync.RWMutex
	store map[string]map[string]map[string]*Cookie // domain -> path -> key
	dirty bool

	now    func() time.Time
	log    *logging.Logger
	disk   *diskStore
	writer *writer
}

var _ http.CookieJar = (*Jar)(nil)

// New returns a jar that is never persisted.
func New(opts Options) *Jar {
	return newJar(opts, logging.Nop())
}

func newJar(opts Options, log *logging.Logger) *Jar {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Jar{
		store: make(map[string]map[string]map[string]*Cookie),
		now:   now,
		log:   log,
	}
}

// Open loads dir/cookies.json from fs and starts the background writer.
// Cookies without a valid future expiry are dropped. Values that fail to
// decrypt are quarantined and their removal is written back immediately.
func Open(fs afero.Fs, dir string, cipher Cipher, log *logging.Logger, opts Options) (*Jar, error) {
	if cipher == nil {
		return nil, errors.New("cookies: a cipher is required for a persisted jar")
	}
	log = log.Named("cookies")
	j := newJar(opts, log)
	j.disk = &diskStore{fs: fs, dir: dir, cipher: cipher}

	loaded, err := j.disk.load(j.now())
	if err != nil {
		return nil, err
	}
	for _, c := range loaded.cookies {
		j.put(c)
	}
	j.dirty = false
	if loaded.expired > 0 {
		log.Debug("dropped expired cookies on load", zap.Int("count", loaded.expired))
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	j.writer = startWriter(debounce, j.Flush, log)

	if loaded.quarantined > 0 {
		log.Warn("quarantined cookies that failed to decrypt", zap.Int("count", loaded.quarantined))
		j.markDirty()
		if err := j.Flush(); err != nil {
			log.Error("failed to persist quarantined cookie removal", zap.Error(err))
		}
	} else if loaded.expired > 0 {
		j.changed()
	}
	return j, nil
}

// Close stops the background writer and writes any pending changes.
func (j *Jar) Close() error {
	if j.writer != nil {
		j.writer.stop()
	}
	return j.Flush()
}

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	now := j.now()
	stored := false
	for _, hc := range cookies {
		if j.setCookie(u, hc, now) {
			stored = true
		}
	}
	if stored {
		j.changed()
	}
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	matched := j.matching(u)
	out := make([]*http.Cookie, len(matched))
	for i := range matched {
		out[i] = matched[i].HTTPCookie()
	}
	return out
}

// SetCookiesFromResponse stores every Set-Cookie header in h. Malformed
// headers and cookies for foreign domains are ignored.
func (j *Jar) SetCookiesFromResponse(rawURL string, h http.Header) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	var parsed []*http.Cookie
	for _, line := range h.Values("Set-Cookie") {
		if hc, err := http.ParseSetCookie(line); err == nil {
			parsed = append(parsed, hc)
		}
	}
	j.SetCookies(u, parsed)
}

// AddCookieToJar stores a single Set-Cookie header value.
func (j *Jar) AddCookieToJar(setCookie, rawURL string) {
	h := http.Header{}
	h.Add("Set-Cookie", setCookie)
	j.SetCookiesFromResponse(rawURL, h)
}

// CookiesForURL returns the live cookies that would be sent to rawURL,
// longest path first.
func (j *Jar) CookiesForURL(rawURL string) []Cookie {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return j.matching(u)
}

// CookieStringForURL returns the Cookie header value for rawURL, or "".
func (j *Jar) CookieStringForURL(rawURL string) string {
	cookies := j.CookiesForURL(rawURL)
	parts := make([]string, len(cookies))
	for i := range cookies {
		parts[i] = cookies[i].CookieString()
	}
	return strings.Join(parts, "; ")
}

// Domains lists every domain holding live cookies, sorted by name.
func (j *Jar) Domains() []DomainCookies {
	now := j.now()
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []DomainCookies
	for domain, paths := range j.store {
		var live []Cookie
		for _, keys := range paths {
			for _, c := range keys {
				if !c.Expired(now) {
					live = append(live, *c)
				}
			}
		}
		if len(live) == 0 {
			continue
		}
		sortCookies(live)
		parts := make([]string, len(live))
		for i := range live {
			parts[i] = live[i].CookieString()
		}
		out = append(out, DomainCookies{Domain: domain, Cookies: live, CookieString: strings.Join(parts, "; ")})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Domain < out[b].Domain })
	return out
}

// AddCookieForDomain stores c under domain. Path defaults to "/", creation
// and last-access times to now.
func (j *Jar) AddCookieForDomain(domain string, c Cookie) error {
	if c.Key == "" {
		return errors.New("cookie key is required")
	}
	domain = normalizeDomain(domain)
	if domain == "" {
		return errors.New("cookie domain is required")
	}
	now := j.now()
	c.Domain = domain
	if c.Path == "" {
		c.Path = "/"
	}
	if c.Creation.IsZero() {
		c.Creation = now
	}
	if c.LastAccessed.IsZero() {
		c.LastAccessed = now
	}
	j.put(&c)
	j.changed()
	return nil
}

// ModifyCookieForDomain replaces old with updated. The identity of the
// cookie (domain, path, key) and its creation time are kept from old.
func (j *Jar) ModifyCookieForDomain(domain string, old, updated Cookie) error {
	domain = normalizeDomain(domain)
	path := old.Path
	if path == "" {
		path = "/"
	}

	j.mu.Lock()
	existing, ok := j.store[domain][path][old.Key]
	if !ok {
		j.mu.Unlock()
		return fmt.Errorf("%w: %s %s %s", ErrNotFound, domain, path, old.Key)
	}
	updated.Domain = existing.Domain
	updated.Path = existing.Path
	updated.Key = existing.Key
	updated.Creation = existing.Creation
	updated.LastAccessed = j.now()
	j.store[domain][path][old.Key] = &updated
	j.dirty = true
	j.mu.Unlock()

	j.signal()
	return nil
}

// DeleteCookie removes one cookie. Missing cookies are not an error.
func (j *Jar) DeleteCookie(domain, path, key string) error {
	domain = normalizeDomain(domain)
	j.mu.Lock()
	removed := false
	if keys, ok := j.store[domain][path]; ok {
		if _, ok := keys[key]; ok {
			delete(keys, key)
			removed = true
			j.prune(domain, path)
		}
	}
	if removed {
		j.dirty = true
	}
	j.mu.Unlock()

	if removed {
		j.signal()
	}
	return nil
}

// DeleteCookiesForDomain removes every cookie stored under domain.
func (j *Jar) DeleteCookiesForDomain(domain string) error {
	domain = normalizeDomain(domain)
	j.mu.Lock()
	_, ok := j.store[domain]
	delete(j.store, domain)
	if ok {
		j.dirty = true
	}
	j.mu.Unlock()

	if ok {
		j.signal()
	}
	return nil
}

// Clear removes every cookie.
func (j *Jar) Clear() error {
	j.mu.Lock()
	j.store = make(map[string]map[string]map[string]*Cookie)
	j.dirty = true
	j.mu.Unlock()
	j.signal()
	return nil
}

// setCookie runs the RFC 6265 storage model for one cookie received from u.
func (j *Jar) setCookie(u *url.URL, hc *http.Cookie, now time.Time) bool {
	host := canonicalHost(u)
	if host == "" || hc.Name == "" && hc.Value == "" {
		return false
	}

	c := fromHTTPCookie(hc, now)

	domain := normalizeDomain(hc.Domain)
	switch {
	case domain == "":
		c.Domain, c.HostOnly = host, true
	case net.ParseIP(host) != nil:
		if domain != host {
			return false
		}
		c.Domain, c.HostOnly = host, true
	default:
		if suffix, _ := publicsuffix.PublicSuffix(domain); suffix == domain {
			if domain != host {
				return false
			}
			c.Domain, c.HostOnly = host, true
			break
		}
		if !domainMatch(host, domain) {
			return false
		}
		c.Domain = domain
	}

	if hc.Path == "" || hc.Path[0] != '/' {
		c.Path = defaultPath(u.EscapedPath())
	} else {
		c.Path = hc.Path
	}

	if c.Expired(now) {
		j.mu.Lock()
		if keys, ok := j.store[c.Domain][c.Path]; ok {
			if _, ok := keys[c.Key]; ok {
				delete(keys, c.Key)
				j.prune(c.Domain, c.Path)
				j.dirty = true
				j.mu.Unlock()
				return true
			}
		}
		j.mu.Unlock()
		return false
	}

	j.put(c)
	return true
}

// put stores c, keeping the creation time of a cookie it replaces.
func (j *Jar) put(c *Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	paths, ok := j.store[c.Domain]
	if !ok {
		paths = make(map[string]map[string]*Cookie)
		j.store[c.Domain] = paths
	}
	keys, ok := paths[c.Path]
	if !ok {
		keys = make(map[string]*Cookie)
		paths[c.Path] = keys
	}
	if old, ok := keys[c.Key]; ok && !old.Creation.IsZero() {
		c.Creation = old.Creation
	}
	keys[c.Key] = c
	j.dirty = true
}

// prune drops empty maps. Callers hold mu.
func (j *Jar) prune(domain, path string) {
	if len(j.store[domain][path]) == 0 {
		delete(j.store[domain], path)
	}
	if len(j.store[domain]) == 0 {
		delete(j.store, domain)
	}
}

// matching collects live cookies for u and stamps their last access.
func (j *Jar) matching(u *url.URL) []Cookie {
	host := canonicalHost(u)
	if host == "" {
		return nil
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	secure := trustworthyOrigin(u)
	now := j.now()

	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Cookie
	for domain, paths := range j.store {
		if !domainMatch(host, domain) {
			continue
		}
		for cookiePath, keys := range paths {
			if !pathMatch(path, cookiePath) {
				continue
			}
			for _, c := range keys {
				if c.HostOnly && host != c.Domain {
					continue
				}
				if c.Secure && !secure {
					continue
				}
				if c.Expired(now) {
					continue
				}
				c.LastAccessed = now
				out = append(out, *c)
			}
		}
	}
	sortCookies(out)
	return out
}

// sortCookies orders by longest path first, then earliest creation.
func sortCookies(cs []Cookie) {
	sort.SliceStable(cs, func(a, b int) bool {
		if len(cs[a].Path) != len(cs[b].Path) {
			return len(cs[a].Path) > len(cs[b].Path)
		}
		if !cs[a].Creation.Equal(cs[b].Creation) {
			return cs[a].Creation.Before(cs[b].Creation)
		}
		return cs[a].Key < cs[b].Key
	})
}

func normalizeDomain(d string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "."), ".")
}

func (j *Jar) markDirty() {
	j.mu.Lock()
	j.dirty = true
	j.mu.Unlock()
}

// changed marks the jar dirty and wakes the writer.
func (j *Jar) changed() {
	j.markDirty()
	j.signal()
}

func (j *Jar) signal() {
	if j.writer != nil {
		j.writer.kick()
	}
}

// snapshot returns the cookies that belong on disk and clears the dirty
// flag. ok is false when nothing changed since the last write.
func (j *Jar) snapshot() (cookies []Cookie, ok bool) {
	now := j.now()
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.dirty {
		return nil, false
	}
	for _, paths := range j.store {
		for _, keys := range paths {
			for _, c := range keys {
				if c.Persistent() && !c.Expired(now) {
					cookies = append(cookies, *c)
				}
			}
		}
	}
	j.dirty = false
	return cookies, true
}

// Flush writes pending changes synchronously. It is a no-op for jars that
// are not persisted or not dirty.
func (j *Jar) Flush() error {
	if j.disk == nil {
		return nil
	}
	j.disk.mu.Lock()
	defer j.disk.mu.Unlock()

	cookies, ok := j.snapshot()
	if !ok {
		return nil
	}
	if err := j.disk.write(cookies); err != nil {
		j.markDirty()
		return err
	}
	j.log.Debug("persisted cookie jar", zap.Int("cookies", len(cookies)))
	return nil
}
