package engine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/blackcoderx/courier/pkg/network/proxy"
)

// Stable network error codes.
const (
	CodeNotFound        = "ENOTFOUND"
	CodeRefused         = "ECONNREFUSED"
	CodeReset           = "ECONNRESET"
	CodeTimeout         = "ETIMEDOUT"
	CodeCanceled        = "ECANCELED"
	CodeProxy           = "EPROXY"
	CodeUntrustedCert   = "UNABLE_TO_VERIFY_LEAF_SIGNATURE"
	CodeCertExpired     = "CERT_HAS_EXPIRED"
	CodeCertAltName     = "ERR_TLS_CERT_ALTNAME_INVALID"
	CodeCertInvalid     = "CERT_INVALID"
	CodeNetwork         = "ERR_NETWORK"
	CodeInvalidURL      = "ERR_INVALID_URL"
	CodeUnsupportedType = "ERR_UNSUPPORTED_PROTOCOL"
	CodeTooManyHops     = "ERR_FR_TOO_MANY_REDIRECTS"
)

// NetworkError is returned when no response was received.
type NetworkError struct {
	Code string
	URL  string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Code, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RedirectLimitError is returned together with the last redirect response
// when a chain exceeds the configured maximum.
type RedirectLimitError struct {
	Max int
	URL string
}

func (e *RedirectLimitError) Error() string {
	return fmt.Sprintf("maximum redirects (%d) exceeded", e.Max)
}

// ErrorCode classifies err into one of the stable codes.
func ErrorCode(err error) string {
	var (
		dnsErr      *net.DNSError
		proxyErr    *proxy.Error
		unknownCA   x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
		verifyErr   *tls.CertificateVerificationError
		netErr      net.Error
		redirectErr *RedirectLimitError
	)

	switch {
	case errors.As(err, &redirectErr):
		return CodeTooManyHops
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.As(err, &proxyErr):
		return CodeProxy
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return CodeTimeout
		}
		return CodeNotFound
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeRefused
	case errors.Is(err, syscall.ECONNRESET):
		return CodeReset
	case errors.As(err, &unknownCA):
		return CodeUntrustedCert
	case errors.As(err, &hostnameErr):
		return CodeCertAltName
	case errors.As(err, &invalidCert):
		if invalidCert.Reason == x509.Expired {
			return CodeCertExpired
		}
		return CodeCertInvalid
	case errors.As(err, &verifyErr):
		return CodeCertInvalid
	case errors.As(err, &netErr) && netErr.Timeout():
		return CodeTimeout
	}
	return CodeNetwork
}
