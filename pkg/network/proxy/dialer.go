package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/blackcoderx/courier/pkg/timeline"
	xproxy "golang.org/x/net/proxy"
)

// Dialer opens the raw connection for one hop.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// HostOverride maps a hostname to the address that should be dialed
// instead of resolving it. ok is false when no override applies.
type HostOverride func(ctx context.Context, host, port string) (addr string, ok bool)

// netDialer is the TCP layer under every Kind. It resolves names itself so
// the timeline shows what the name resolved to.
type netDialer struct {
	dialer   net.Dialer
	resolver *net.Resolver
	override HostOverride
	tl       *timeline.Timeline
}

func newNetDialer(tl *timeline.Timeline, override HostOverride, timeout time.Duration) *netDialer {
	return &netDialer{
		dialer:   net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second},
		resolver: net.DefaultResolver,
		override: override,
		tl:       tl,
	}
}

// Dial satisfies golang.org/x/net/proxy.Dialer.
func (d *netDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *netDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	d.tl.Info("Trying %s...", addr)

	addrs, err := d.lookup(ctx, host, port)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range addrs {
		conn, err := d.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err != nil {
			lastErr = err
			continue
		}
		if remote, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			d.tl.Info("Connected to %s (%s) port %d", host, remote.IP.String(), remote.Port)
		} else {
			d.tl.Info("Connected to %s (%s)", host, conn.RemoteAddr())
		}
		return conn, nil
	}
	return nil, lastErr
}

func (d *netDialer) lookup(ctx context.Context, host, port string) ([]string, error) {
	if d.override != nil {
		if addr, ok := d.override(ctx, host, port); ok {
			d.tl.Info("DNS lookup: %s -> %s", host, addr)
			return []string{addr}, nil
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	addrs, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	d.tl.Info("DNS lookup: %s -> %s", host, addrs[0])
	return addrs, nil
}

// connectDialer tunnels through an HTTP(S) proxy with CONNECT.
type connectDialer struct {
	base     *netDialer
	proxy    *url.URL
	proxyTLS *tls.Config
}

func (d *connectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	proxyAddr := net.JoinHostPort(d.proxy.Hostname(), strconv.Itoa(Decision{Proxy: d.proxy}.Port()))
	conn, err := d.base.DialContext(ctx, network, proxyAddr)
	if err != nil {
		return nil, &Error{Op: "connect to proxy", Proxy: d.proxy.Redacted(), Err: err}
	}

	if d.proxy.Scheme == "https" {
		cfg := d.proxyTLS.Clone()
		cfg.ServerName = d.proxy.Hostname()
		cfg.NextProtos = []string{"http/1.1"}
		tconn := tls.Client(conn, cfg)
		if err := tconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, &Error{Op: "tls handshake with proxy", Proxy: d.proxy.Redacted(), Err: err}
		}
		conn = tconn
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if u := d.proxy.User; u != nil {
		pass, _ := u.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, &Error{Op: "write CONNECT", Proxy: d.proxy.Redacted(), Err: err}
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, &Error{Op: "read CONNECT response", Proxy: d.proxy.Redacted(), Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, &Error{Op: "CONNECT " + addr, Proxy: d.proxy.Redacted(), Err: fmt.Errorf("proxy responded %s", resp.Status)}
	}
	d.base.tl.Info("CONNECT tunnel established to %s", addr)
	return conn, nil
}

// socksDialer tunnels through a SOCKS proxy. socks4 and socks5 resolve the
// target locally; socks4a and socks5h let the proxy resolve it.
type socksDialer struct {
	base  *netDialer
	proxy *url.URL
}

func (d *socksDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	proxyAddr := net.JoinHostPort(d.proxy.Hostname(), strconv.Itoa(Decision{Proxy: d.proxy}.Port()))

	target := addr
	if d.proxy.Scheme == "socks4" || d.proxy.Scheme == "socks5" {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := d.base.lookup(ctx, host, port)
		if err != nil {
			return nil, err
		}
		ip, err := localTarget(d.proxy.Scheme, host, ips)
		if err != nil {
			return nil, &Error{Op: "resolve target", Proxy: d.proxy.Redacted(), Err: err}
		}
		target = net.JoinHostPort(ip, port)
	}

	switch d.proxy.Scheme {
	case "socks4", "socks4a":
		conn, err := d.base.DialContext(ctx, network, proxyAddr)
		if err != nil {
			return nil, &Error{Op: "connect to proxy", Proxy: d.proxy.Redacted(), Err: err}
		}
		if err := socks4Handshake(ctx, conn, target, d.proxy.User.Username()); err != nil {
			conn.Close()
			return nil, &Error{Op: "socks4 handshake", Proxy: d.proxy.Redacted(), Err: err}
		}
		return conn, nil

	default:
		var auth *xproxy.Auth
		if u := d.proxy.User; u != nil {
			pass, _ := u.Password()
			auth = &xproxy.Auth{User: u.Username(), Password: pass}
		}
		dialer, err := xproxy.SOCKS5(network, proxyAddr, auth, d.base)
		if err != nil {
			return nil, &Error{Op: "socks5 setup", Proxy: d.proxy.Redacted(), Err: err}
		}
		cd, ok := dialer.(xproxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support contexts")
		}
		conn, err := cd.DialContext(ctx, network, target)
		if err != nil {
			return nil, &Error{Op: "socks5 connect", Proxy: d.proxy.Redacted(), Err: err}
		}
		return conn, nil
	}
}

// localTarget picks the resolved address handed to a locally resolving
// SOCKS proxy. socks4 only carries IPv4.
func localTarget(scheme, host string, ips []string) (string, error) {
	if scheme != "socks4" {
		return ips[0], nil
	}
	for _, ip := range ips {
		if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
			return ip, nil
		}
	}
	return "", fmt.Errorf("socks4 needs an IPv4 address for %s, got %s", host, strings.Join(ips, ", "))
}

// Error reports a failure talking to a proxy.
type Error struct {
	Op    string
	Proxy string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("proxy %s: %s: %v", e.Proxy, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
