package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blackcoderx/courier/pkg/timeline"
	"golang.org/x/net/http2"
)

// TransportOptions tunes the transport built for a hop.
type TransportOptions struct {
	DialTimeout     time.Duration
	ResponseTimeout time.Duration
	Override        HostOverride
}

// NewDialer returns the Dialer implementing the decision's Kind.
func NewDialer(d Decision, tlsCfg *tls.Config, tl *timeline.Timeline, opts TransportOptions) Dialer {
	base := newNetDialer(tl, opts.Override, opts.DialTimeout)
	switch d.Kind {
	case HTTPSProxy:
		return &connectDialer{base: base, proxy: d.Proxy, proxyTLS: tlsCfg}
	case SOCKSProxy:
		return &socksDialer{base: base, proxy: d.Proxy}
	default:
		// Direct dials the target, HTTPProxy dials the proxy the transport
		// points requests at.
		return base
	}
}

// NewTransport builds the transport for one hop. Redirects are not its
// concern: http.Transport never follows them.
func NewTransport(target *url.URL, d Decision, opts TLSOptions, tl *timeline.Timeline, topts TransportOptions) (*http.Transport, error) {
	tlsCfg, err := BuildTLSConfig(target.String(), opts, tl)
	if err != nil {
		return nil, err
	}

	if d.UseProxy && d.Proxy != nil {
		tl.Info("Using proxy: %s", d.Proxy.Redacted())
	}

	dialer := NewDialer(d, tlsCfg, tl, topts)

	t := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: topts.ResponseTimeout,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
	}

	if d.Kind == HTTPProxy {
		t.Proxy = http.ProxyURL(d.Proxy)
	}

	verify := opts.RejectUnauthorized
	t.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return handshake(ctx, conn, addr, tlsCfg, verify, tl)
	}

	if !opts.DisableHTTP2 {
		t2, err := http2.ConfigureTransports(t)
		if err != nil {
			return nil, fmt.Errorf("failed to configure http2: %w", err)
		}
		t2.ReadIdleTimeout = 30 * time.Second
		t2.PingTimeout = 10 * time.Second
	}
	return t, nil
}

func handshake(ctx context.Context, conn net.Conn, addr string, base *tls.Config, verify bool, tl *timeline.Timeline) (*tls.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	cfg := base.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}

	tl.TLS("ALPN: offers %s", strings.Join(cfg.NextProtos, ", "))

	tconn := tls.Client(conn, cfg)
	if err := tconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	LogConnectionState(tl, tconn.ConnectionState(), verify)
	return tconn, nil
}

// LogConnectionState writes the negotiated parameters and the peer
// certificate of a finished handshake to the timeline.
func LogConnectionState(tl *timeline.Timeline, cs tls.ConnectionState, verified bool) {
	tl.TLS("SSL connection using %s / %s", versionName(cs.Version), tls.CipherSuiteName(cs.CipherSuite))
	if cs.NegotiatedProtocol != "" {
		tl.TLS("ALPN: server accepted %s", cs.NegotiatedProtocol)
	} else {
		tl.TLS("ALPN: server did not agree on a protocol")
	}

	if len(cs.PeerCertificates) > 0 {
		logCertificate(tl, cs.PeerCertificates[0])
	}

	if verified {
		tl.TLS("SSL certificate verify ok.")
	} else {
		tl.TLS("SSL certificate verification skipped (rejectUnauthorized: false).")
	}
}

func logCertificate(tl *timeline.Timeline, cert *x509.Certificate) {
	const layout = "Jan  2 15:04:05 2006 GMT"
	tl.TLS("Server certificate:")
	tl.TLS(" subject: %s", cert.Subject.String())
	tl.TLS(" start date: %s", cert.NotBefore.UTC().Format(layout))
	tl.TLS(" expire date: %s", cert.NotAfter.UTC().Format(layout))

	var sans []string
	for _, name := range cert.DNSNames {
		sans = append(sans, "DNS:"+name)
	}
	for _, ip := range cert.IPAddresses {
		sans = append(sans, "IP Address:"+ip.String())
	}
	if len(sans) > 0 {
		tl.TLS(" subjectAltName: %s", strings.Join(sans, ", "))
	}
	tl.TLS(" issuer: %s", cert.Issuer.String())
}

func versionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLSv1"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	}
	return fmt.Sprintf("0x%04x", v)
}
