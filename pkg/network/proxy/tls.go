package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/blackcoderx/courier/pkg/timeline"
	"golang.org/x/crypto/pkcs12"
)

// ClientCert is a client certificate bound to a domain pattern.
type ClientCert struct {
	Domain     string `json:"domain" yaml:"domain" mapstructure:"domain"`
	Type       string `json:"type" yaml:"type" mapstructure:"type"` // "cert" or "pfx"
	CertFile   string `json:"certFilePath,omitempty" yaml:"certFilePath,omitempty" mapstructure:"cert_file"`
	KeyFile    string `json:"keyFilePath,omitempty" yaml:"keyFilePath,omitempty" mapstructure:"key_file"`
	PFXFile    string `json:"pfxFilePath,omitempty" yaml:"pfxFilePath,omitempty" mapstructure:"pfx_file"`
	Passphrase string `json:"passphrase,omitempty" yaml:"passphrase,omitempty" mapstructure:"passphrase"`
}

// Matches reports whether the certificate applies to rawURL. The domain may
// use "*" as a wildcard and matches with or without a scheme prefix.
func (c ClientCert) Matches(rawURL string) bool {
	if c.Domain == "" {
		return false
	}
	pattern := strings.ReplaceAll(regexp.QuoteMeta(c.Domain), `\*`, ".*")
	re, err := regexp.Compile(`^(https://|grpc://|grpcs://)?` + pattern)
	if err != nil {
		return false
	}
	return re.MatchString(rawURL)
}

// Load reads the key pair from disk.
func (c ClientCert) Load() (tls.Certificate, error) {
	if strings.EqualFold(c.Type, "pfx") {
		data, err := os.ReadFile(c.PFXFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to read pfx file: %w", err)
		}
		blocks, err := pkcs12.ToPEM(data, c.Passphrase)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to decode pfx file: %w", err)
		}
		var certPEM, keyPEM []byte
		for _, b := range blocks {
			encoded := pem.EncodeToMemory(b)
			if b.Type == "CERTIFICATE" {
				certPEM = append(certPEM, encoded...)
			} else {
				keyPEM = append(keyPEM, encoded...)
			}
		}
		return tls.X509KeyPair(certPEM, keyPEM)
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load client certificate: %w", err)
	}
	return cert, nil
}

// TLSOptions controls certificate validation and client authentication.
type TLSOptions struct {
	RejectUnauthorized bool         `json:"rejectUnauthorized" yaml:"rejectUnauthorized" mapstructure:"verify"`
	CACertFile         string       `json:"caCertFile,omitempty" yaml:"caCertFile,omitempty" mapstructure:"ca_cert_file"`
	KeepDefaultCAs     bool         `json:"keepDefaultCAs,omitempty" yaml:"keepDefaultCAs,omitempty" mapstructure:"keep_default_cas"`
	ClientCerts        []ClientCert `json:"clientCertificates,omitempty" yaml:"clientCertificates,omitempty" mapstructure:"client_certs"`
	DisableHTTP2       bool         `json:"disableHttp2,omitempty" yaml:"disableHttp2,omitempty" mapstructure:"disable_http2"`
}

// DefaultTLSOptions verifies certificates against the system roots.
func DefaultTLSOptions() TLSOptions {
	return TLSOptions{RejectUnauthorized: true, KeepDefaultCAs: true}
}

// BuildTLSConfig assembles the client TLS configuration for a request to
// targetURL and records trust settings in the timeline.
func BuildTLSConfig(targetURL string, opts TLSOptions, tl *timeline.Timeline) (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: !opts.RejectUnauthorized,
		MinVersion:         tls.VersionTLS12,
	}

	if opts.RejectUnauthorized {
		tl.TLS("SSL validation: enabled")
	} else {
		tl.TLS("SSL validation: disabled")
	}

	if opts.CACertFile != "" {
		pool, custom, err := loadCAPool(opts.CACertFile, opts.KeepDefaultCAs)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
		roots := "system roots excluded"
		if opts.KeepDefaultCAs {
			roots = "system roots included"
		}
		tl.TLS("CA Certificates: %d custom, %s", custom, roots)
	} else {
		tl.TLS("CA Certificates: system roots")
	}

	for _, cc := range opts.ClientCerts {
		if !cc.Matches(targetURL) {
			continue
		}
		cert, err := cc.Load()
		if err != nil {
			return nil, fmt.Errorf("client certificate for %s: %w", cc.Domain, err)
		}
		cfg.Certificates = append(cfg.Certificates, cert)
		tl.TLS("Client certificate selected for domain %s", cc.Domain)
		break
	}

	if opts.DisableHTTP2 {
		cfg.NextProtos = []string{"http/1.1"}
	} else {
		cfg.NextProtos = []string{"h2", "http/1.1"}
	}
	return cfg, nil
}

func loadCAPool(path string, keepDefaults bool) (*x509.CertPool, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	pool := x509.NewCertPool()
	if keepDefaults {
		if sys, err := x509.SystemCertPool(); err == nil {
			pool = sys
		}
	}

	count := 0
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to parse CA certificate: %w", err)
		}
		pool.AddCert(cert)
		count++
	}
	if count == 0 {
		return nil, 0, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, count, nil
}
