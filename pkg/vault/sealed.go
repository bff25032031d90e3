package vault

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Kind is the discriminant of a sealed secret.
type Kind int

const (
	// VaultEncrypted values are sealed with a master key held by the OS keyring.
	VaultEncrypted Kind = iota
	// LegacySymmetric values use AES-256-CBC with a zero IV and a key derived
	// only from the machine id. They can be read but are never written.
	LegacySymmetric
	// SymmetricEncrypted values are sealed with XChaCha20-Poly1305, a random
	// nonce and a key derived from the machine id plus an install salt.
	SymmetricEncrypted
)

var kindTags = map[Kind]string{
	VaultEncrypted:     "00",
	LegacySymmetric:    "01",
	SymmetricEncrypted: "02",
}

// Tag returns the two-digit envelope tag of the kind.
func (k Kind) Tag() string {
	return kindTags[k]
}

func (k Kind) String() string {
	switch k {
	case VaultEncrypted:
		return "keyring"
	case LegacySymmetric:
		return "legacy-aes256"
	case SymmetricEncrypted:
		return "xchacha20poly1305"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrInvalidString is returned when asked to encrypt an empty value.
	ErrInvalidString = errors.New("encrypt failed: invalid string")
	// ErrUnrecognized is returned for values that are not a `$tag:payload` envelope.
	ErrUnrecognized = errors.New("decrypt failed: unrecognized string format")
	// ErrUnknownAlgorithm is returned for envelopes with a tag no Kind owns.
	ErrUnknownAlgorithm = errors.New("decrypt failed: invalid algo")
)

// Sealed is a decoded ciphertext envelope.
type Sealed struct {
	Kind    Kind
	Payload []byte
}

// String renders the on-disk form `$<tag>:<payload>`. Legacy payloads are
// hex encoded, the others base64.
func (s Sealed) String() string {
	var payload string
	if s.Kind == LegacySymmetric {
		payload = hex.EncodeToString(s.Payload)
	} else {
		payload = base64.StdEncoding.EncodeToString(s.Payload)
	}
	return "$" + s.Kind.Tag() + ":" + payload
}

// Parse decodes an envelope into its tagged form.
func Parse(value string) (Sealed, error) {
	tag, payload, ok := splitEnvelope(value)
	if !ok {
		return Sealed{}, ErrUnrecognized
	}

	kind, ok := kindForTag(tag)
	if !ok {
		return Sealed{}, fmt.Errorf("%w %q", ErrUnknownAlgorithm, tag)
	}

	var (
		raw []byte
		err error
	)
	switch kind {
	case LegacySymmetric:
		raw, err = hex.DecodeString(payload)
	case VaultEncrypted, SymmetricEncrypted:
		raw, err = base64.StdEncoding.DecodeString(payload)
	}
	if err != nil {
		return Sealed{}, fmt.Errorf("decrypt failed: malformed %s payload: %w", kind, err)
	}
	return Sealed{Kind: kind, Payload: raw}, nil
}

// IsEncrypted reports whether value is a well-formed envelope with a known
// tag. Persistence layers use it to avoid encrypting twice.
func IsEncrypted(value string) bool {
	tag, payload, ok := splitEnvelope(value)
	if !ok || payload == "" {
		return false
	}
	_, known := kindForTag(tag)
	return known
}

func splitEnvelope(value string) (tag, payload string, ok bool) {
	if !strings.HasPrefix(value, "$") {
		return "", "", false
	}
	tag, payload, ok = strings.Cut(value[1:], ":")
	if !ok || tag == "" {
		return "", "", false
	}
	return tag, payload, true
}

func kindForTag(tag string) (Kind, bool) {
	for kind, t := range kindTags {
		if t == tag {
			return kind, true
		}
	}
	return 0, false
}
