// Package vault encrypts the secrets courier keeps on disk: cookie values
// and OAuth credentials.
//
// The preferred backend keeps a random master key in the OS keyring. When no
// keyring is reachable, values are sealed with a key derived from the machine
// id and a per-install salt. Values written by older releases with the
// legacy AES-256-CBC scheme can still be decrypted.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/denisbrodbeck/machineid"
	"github.com/spf13/afero"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	defaultService = "courier"
	masterKeyUser  = "vault-master-key"
	saltSize       = 16
)

// ErrKeyringUnavailable is returned when decrypting a keyring-sealed value on
// a machine where the keyring cannot be reached.
var ErrKeyringUnavailable = errors.New("decrypt failed: os keyring unavailable")

// Vault seals and opens secrets. It is safe for concurrent use.
type Vault struct {
	backend    Kind
	keyringKey []byte
	machineKey []byte
	legacyKey  []byte
}

type options struct {
	useKeyring bool
	service    string
	machineID  func() (string, error)
	fs         afero.Fs
	saltPath   string
}

// Option configures a Vault.
type Option func(*options)

// WithoutKeyring forces the machine-id backend.
func WithoutKeyring() Option {
	return func(o *options) { o.useKeyring = false }
}

// WithService sets the keyring service name the master key is stored under.
func WithService(name string) Option {
	return func(o *options) { o.service = name }
}

// WithMachineID overrides how the machine identifier is read.
func WithMachineID(fn func() (string, error)) Option {
	return func(o *options) { o.machineID = fn }
}

// WithSaltFile stores the per-install salt at path on fs, creating it on
// first use. Without it a fixed application salt is used.
func WithSaltFile(fs afero.Fs, path string) Option {
	return func(o *options) {
		o.fs = fs
		o.saltPath = path
	}
}

// New builds a vault, probing the keyring unless disabled.
func New(opts ...Option) (*Vault, error) {
	o := options{
		useKeyring: true,
		service:    defaultService,
		machineID:  machineid.ID,
	}
	for _, opt := range opts {
		opt(&o)
	}

	v := &Vault{backend: SymmetricEncrypted}

	id, err := o.machineID()
	if err != nil {
		return nil, fmt.Errorf("failed to read machine id: %w", err)
	}

	salt := []byte("courier/vault/v2")
	if o.fs != nil && o.saltPath != "" {
		salt, err = loadOrCreateSalt(o.fs, o.saltPath)
		if err != nil {
			return nil, err
		}
	}

	v.machineKey, err = deriveKey(id, salt)
	if err != nil {
		return nil, err
	}
	v.legacyKey = legacyKey(id)

	if o.useKeyring {
		if key, err := keyringMasterKey(o.service); err == nil {
			v.keyringKey = key
			v.backend = VaultEncrypted
		}
	}

	return v, nil
}

// Backend reports which kind new values are sealed with.
func (v *Vault) Backend() Kind {
	return v.backend
}

// Encrypt seals plain with the active backend.
func (v *Vault) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", ErrInvalidString
	}

	key := v.machineKey
	if v.backend == VaultEncrypted {
		key = v.keyringKey
	}

	payload, err := seal(key, v.backend, []byte(plain))
	if err != nil {
		return "", fmt.Errorf("encrypt failed: %w", err)
	}
	return Sealed{Kind: v.backend, Payload: payload}.String(), nil
}

// Decrypt opens a value produced by Encrypt or by the legacy scheme.
func (v *Vault) Decrypt(value string) (string, error) {
	if value == "" {
		return "", ErrUnrecognized
	}
	sealed, err := Parse(value)
	if err != nil {
		return "", err
	}

	var plain []byte
	switch sealed.Kind {
	case VaultEncrypted:
		if v.keyringKey == nil {
			return "", ErrKeyringUnavailable
		}
		plain, err = open(v.keyringKey, sealed.Kind, sealed.Payload)
	case SymmetricEncrypted:
		plain, err = open(v.machineKey, sealed.Kind, sealed.Payload)
	case LegacySymmetric:
		plain, err = openLegacy(v.legacyKey, sealed.Payload)
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownAlgorithm, sealed.Kind.Tag())
	}
	if err != nil {
		return "", fmt.Errorf("decrypt failed: %w", err)
	}
	return string(plain), nil
}

func seal(key []byte, kind Kind, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, []byte(kind.Tag())), nil
}

func open(key []byte, kind Kind, payload []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(payload) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := payload[:aead.NonceSize()], payload[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, []byte(kind.Tag()))
}

// openLegacy reads values written with AES-256-CBC, a zero IV and PKCS#7
// padding. The scheme has no integrity protection.
func openLegacy(key, ct []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, errors.New("legacy ciphertext is not a multiple of the block size")
	}
	iv := make([]byte, aes.BlockSize)
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, errors.New("bad legacy padding")
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, errors.New("bad legacy padding")
		}
	}
	return out[:len(out)-pad], nil
}

func deriveKey(machineID string, salt []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(machineID), salt, []byte("courier secret vault"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive vault key: %w", err)
	}
	return key, nil
}

// legacyKey reproduces the old derivation: the machine id is hashed to hex,
// and that hex string is hashed again to the AES key.
func legacyKey(machineID string) []byte {
	hashed := sha256.Sum256([]byte(machineID))
	key := sha256.Sum256([]byte(hex.EncodeToString(hashed[:])))
	return key[:]
}

func keyringMasterKey(service string) ([]byte, error) {
	encoded, err := keyring.Get(service, masterKeyUser)
	if errors.Is(err, keyring.ErrNotFound) {
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, err
		}
		if err := keyring.Set(service, masterKeyUser, base64.StdEncoding.EncodeToString(key)); err != nil {
			return nil, err
		}
		return key, nil
	}
	if err != nil {
		return nil, err
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("keyring master key is corrupt")
	}
	return key, nil
}

func loadOrCreateSalt(fs afero.Fs, path string) ([]byte, error) {
	salt, err := afero.ReadFile(fs, path)
	if err == nil && len(salt) == saltSize {
		return salt, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read vault salt: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate vault salt: %w", err)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := afero.WriteFile(fs, path, salt, 0600); err != nil {
		return nil, fmt.Errorf("failed to write vault salt: %w", err)
	}
	return salt, nil
}
