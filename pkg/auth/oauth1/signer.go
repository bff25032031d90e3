package oauth1

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"hash"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Signer computes OAuth 1.0a protocol parameters for a consumer.
type Signer struct {
	ConsumerKey    string
	ConsumerSecret string
	Method         SignatureMethod
	Realm          string

	key *rsa.PrivateKey

	// Nonce and Now are replaceable for reproducible signatures.
	Nonce func() string
	Now   func() time.Time
}

// NewSigner builds a signer from cfg. Unknown signature methods sign as
// HMAC-SHA1.
func NewSigner(cfg Config) (*Signer, error) {
	s := &Signer{
		ConsumerKey:    cfg.ConsumerKey,
		ConsumerSecret: cfg.ConsumerSecret,
		Method:         cfg.method(),
		Realm:          cfg.Realm,
		Nonce:          func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
		Now:            time.Now,
	}
	switch s.Method {
	case PlainText, HMACSHA1, HMACSHA256, HMACSHA512:
	case RSASHA1, RSASHA256, RSASHA512:
		key, err := ParsePrivateKey(cfg.RSAPrivateKey)
		if err != nil {
			return nil, err
		}
		s.key = key
	default:
		s.Method = HMACSHA1
	}
	return s, nil
}

// ParsePrivateKey reads a PEM RSA key in PKCS#1 or PKCS#8 form. Keys stored
// with literal "\n" sequences are accepted.
func ParsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	raw = strings.ReplaceAll(raw, `\n`, "\n")
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("invalid RSA private key: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid RSA private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("invalid RSA private key: not an RSA key")
	}
	return key, nil
}

// Authorize returns the protocol parameters, oauth_signature included, for
// a request. form holds url-encoded body parameters that take part in the
// signature; token and tokenSecret may be empty.
func (s *Signer) Authorize(method, rawURL string, form url.Values, token, tokenSecret string) (url.Values, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	params := url.Values{}
	params.Set("oauth_consumer_key", s.ConsumerKey)
	params.Set("oauth_nonce", s.Nonce())
	params.Set("oauth_signature_method", string(s.Method))
	params.Set("oauth_timestamp", strconv.FormatInt(s.Now().Unix(), 10))
	params.Set("oauth_version", "1.0")
	if token != "" {
		params.Set("oauth_token", token)
	}

	all := url.Values{}
	for _, src := range []url.Values{params, u.Query(), form} {
		for k, vs := range src {
			all[k] = append(all[k], vs...)
		}
	}

	sig, err := s.sign(BaseString(method, u, all), tokenSecret)
	if err != nil {
		return nil, err
	}
	params.Set("oauth_signature", sig)
	return params, nil
}

// Header renders params as an Authorization header value. Only oauth_
// parameters are included.
func (s *Signer) Header(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if strings.HasPrefix(k, "oauth_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	if s.Realm != "" {
		parts = append(parts, `realm="`+percentEncode(s.Realm)+`"`)
	}
	for _, k := range keys {
		parts = append(parts, percentEncode(k)+`="`+percentEncode(params.Get(k))+`"`)
	}
	return "OAuth " + strings.Join(parts, ", ")
}

func (s *Signer) sign(base, tokenSecret string) (string, error) {
	key := percentEncode(s.ConsumerSecret) + "&" + percentEncode(tokenSecret)

	var h func() hash.Hash
	var ch crypto.Hash
	switch s.Method {
	case PlainText:
		return key, nil
	case HMACSHA256:
		h = sha256.New
	case HMACSHA512:
		h = sha512.New
	case RSASHA1:
		ch = crypto.SHA1
	case RSASHA256:
		ch = crypto.SHA256
	case RSASHA512:
		ch = crypto.SHA512
	default:
		h = sha1.New
	}

	if h != nil {
		mac := hmac.New(h, []byte(key))
		mac.Write([]byte(base))
		return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
	}

	if s.key == nil {
		return "", errors.New("RSA Private Key is required for RSA signature methods")
	}
	digest := ch.New()
	digest.Write([]byte(base))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, ch, digest.Sum(nil))
	if err != nil {
		return "", fmt.Errorf("failed to sign request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// BaseString builds the signature base string of RFC 5849 section 3.4.1.
// params must already hold query, body and protocol parameters;
// oauth_signature and realm are ignored.
func BaseString(method string, u *url.URL, params url.Values) string {
	type pair struct{ k, v string }
	var pairs []pair
	for k, vs := range params {
		if k == "oauth_signature" || k == "realm" {
			continue
		}
		for _, v := range vs {
			pairs = append(pairs, pair{percentEncode(k), percentEncode(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	encoded := make([]string, len(pairs))
	for i, p := range pairs {
		encoded[i] = p.k + "=" + p.v
	}

	return strings.ToUpper(method) + "&" +
		percentEncode(baseURL(u)) + "&" +
		percentEncode(strings.Join(encoded, "&"))
}

func baseURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

// percentEncode escapes everything outside the RFC 3986 unreserved set.
func percentEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
