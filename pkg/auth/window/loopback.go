package window

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/blackcoderx/courier/pkg/logging"
	"github.com/pkg/browser"
	"go.uber.org/zap"
)

const fragmentPath = "/__courier/fragment"

// LoopbackBrowser opens the authorization URL in the system browser and
// captures the callback on a local listener bound to the callback URL's
// host and port. Only http callbacks on loopback hosts are supported.
type LoopbackBrowser struct {
	// OpenURL launches the browser. Defaults to browser.OpenURL.
	OpenURL func(string) error
	Logger  *logging.Logger

	mu       sync.Mutex
	sessions map[string]string // listen address -> session id
}

// Open starts the callback listener and then launches the browser.
func (b *LoopbackBrowser) Open(ctx context.Context, opts Options) (Surface, error) {
	cb, err := url.Parse(opts.CallbackURL)
	if err != nil {
		return nil, fmt.Errorf("invalid callback url: %w", err)
	}
	if !IsLoopbackCallback(opts.CallbackURL) {
		return nil, fmt.Errorf("callback url %s is not a loopback http address", opts.CallbackURL)
	}
	addr := cb.Host
	if cb.Port() == "" {
		addr = net.JoinHostPort(cb.Hostname(), "80")
	}

	if err := b.claim(addr, opts.SessionID); err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		b.release(addr)
		return nil, fmt.Errorf("failed to start callback listener: %w", err)
	}

	log := b.Logger.Named("window").With(zap.String("session", opts.SessionID))
	s := &loopbackSurface{
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
		release: func() { b.release(addr) },
		log:     log,
	}
	base := cb.Scheme + "://" + cb.Host

	mux := http.NewServeMux()
	mux.HandleFunc(fragmentPath, func(w http.ResponseWriter, r *http.Request) {
		// The page below forwards the fragment as the query string.
		s.emit(Event{Kind: Navigate, URL: strings.TrimSuffix(opts.CallbackURL, "/") + "#" + r.URL.RawQuery})
		writePage(w, "Authorization complete", "You can close this window and return to courier.")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		full := base + r.URL.RequestURI()
		if opts.GrantType == GrantImplicit && r.URL.RawQuery == "" {
			writeFragmentForwarder(w)
			return
		}
		s.emit(Event{Kind: Navigate, URL: full})
		writePage(w, "Authorization complete", "You can close this window and return to courier.")
	})
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("callback listener stopped", zap.Error(err))
		}
	}()

	if len(opts.Headers) > 0 {
		log.Warn("system browser cannot send custom authorization headers", zap.Int("headers", len(opts.Headers)))
	}

	open := b.OpenURL
	if open == nil {
		open = browser.OpenURL
	}
	log.Info("opening authorization url", zap.String("listen", addr))
	if err := open(opts.AuthorizeURL); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open browser: %w", err)
	}
	s.emit(Event{Kind: Navigate, URL: opts.AuthorizeURL})
	return s, nil
}

func (b *LoopbackBrowser) claim(addr, session string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions == nil {
		b.sessions = make(map[string]string)
	}
	if owner, busy := b.sessions[addr]; busy {
		return fmt.Errorf("callback address %s is in use by session %q", addr, owner)
	}
	b.sessions[addr] = session
	return nil
}

func (b *LoopbackBrowser) release(addr string) {
	b.mu.Lock()
	delete(b.sessions, addr)
	b.mu.Unlock()
}

// IsLoopbackCallback reports whether rawURL is an http URL on localhost or
// a loopback address, the only callbacks LoopbackBrowser can capture.
func IsLoopbackCallback(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || !strings.EqualFold(u.Scheme, "http") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type loopbackSurface struct {
	server  *http.Server
	events  chan Event
	done    chan struct{}
	once    sync.Once
	release func()
	log     *logging.Logger
}

func (s *loopbackSurface) Events() <-chan Event { return s.events }

func (s *loopbackSurface) emit(ev Event) {
	select {
	case <-s.done:
	case s.events <- ev:
	}
}

func (s *loopbackSurface) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.server.Shutdown(ctx)
		s.release()
		s.log.Debug("callback listener closed")
	})
	return err
}

func writePage(w http.ResponseWriter, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "<!doctype html><html><head><title>%s</title></head><body><h2>%s</h2><p>%s</p></body></html>",
		html.EscapeString(title), html.EscapeString(title), html.EscapeString(message))
}

func writeFragmentForwarder(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<!doctype html><html><body><script>
window.location.replace(%q + "?" + window.location.hash.substring(1));
</script></body></html>`, fragmentPath)
}
