package engine

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"
)

const probeTimeout = 250 * time.Millisecond

// loopbackProbe decides whether localhost names should be dialed over IPv6
// or IPv4. Dev servers often listen on only one of them.
type loopbackProbe struct {
	mu    sync.Mutex
	cache map[string]string
	dial  func(ctx context.Context, network, addr string) (net.Conn, error)
}

func newLoopbackProbe() *loopbackProbe {
	d := &net.Dialer{Timeout: probeTimeout}
	return &loopbackProbe{cache: make(map[string]string), dial: d.DialContext}
}

func isLocalhostName(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	return host == "localhost" || strings.HasSuffix(host, ".localhost")
}

// Resolve satisfies proxy.HostOverride. The first reachable of ::1 and
// 127.0.0.1 wins; 127.0.0.1 is used when neither answers.
func (p *loopbackProbe) Resolve(ctx context.Context, host, port string) (string, bool) {
	if !isLocalhostName(host) {
		return "", false
	}
	key := net.JoinHostPort(strings.ToLower(host), port)

	p.mu.Lock()
	addr, ok := p.cache[key]
	p.mu.Unlock()
	if ok {
		return addr, true
	}

	addr = "127.0.0.1"
	for _, candidate := range []string{"::1", "127.0.0.1"} {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		conn, err := p.dial(pctx, "tcp", net.JoinHostPort(candidate, port))
		cancel()
		if err == nil {
			conn.Close()
			addr = candidate
			break
		}
	}

	p.mu.Lock()
	p.cache[key] = addr
	p.mu.Unlock()
	return addr, true
}
