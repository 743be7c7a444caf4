package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Prefix marks a value produced by Codec.Encrypt.
const Prefix = "enc:"

const (
	KeySize   = 32
	nonceSize = 12
	tagSize   = 16

	// version byte + nonce + GCM tag, i.e. the ciphertext of an empty string.
	minPayload = 1 + nonceSize + tagSize

	hkdfSalt = "recordvault/field"
)

// ErrMalformedCiphertext is returned by Decrypt when a value cannot be
// decrypted: bad encoding, truncated payload, unknown key version or a
// failed authentication check.
var ErrMalformedCiphertext = errors.New("crypto: malformed ciphertext")

// Mode selects how Decrypt treats values that do not carry the ciphertext
// prefix.
type Mode int

const (
	// ModeStrict rejects anything that is not ciphertext.
	ModeStrict Mode = iota
	// ModeLegacyPlaintext returns non-ciphertext values unchanged so rows
	// written before encryption was enabled stay readable.
	ModeLegacyPlaintext
)

func (m Mode) String() string {
	switch m {
	case ModeStrict:
		return "strict"
	case ModeLegacyPlaintext:
		return "legacy-plaintext"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses the DECRYPT_MODE configuration value.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return ModeStrict, nil
	case "legacy-plaintext", "legacy":
		return ModeLegacyPlaintext, nil
	default:
		return ModeStrict, fmt.Errorf("crypto: unknown decrypt mode %q (expected strict|legacy-plaintext)", s)
	}
}

// Codec encrypts single string values with AES-256-GCM. The serialized form is
//
//	"enc:" + base64([version][nonce][sealed])
//
// where version identifies the key and is bound as additional data. Keys are
// derived per version from the configured master keys with HKDF-SHA256.
// A Codec is safe for concurrent use.
type Codec struct {
	mu      sync.RWMutex
	current byte
	keys    map[byte]cipher.AEAD
	mode    Mode
}

// Option configures a Codec.
type Option func(*Codec) error

// WithMode sets the decrypt mode. The default is ModeStrict.
func WithMode(m Mode) Option {
	return func(c *Codec) error {
		c.mode = m
		return nil
	}
}

// WithPreviousKey registers a retired key that is still used for decryption.
func WithPreviousKey(version byte, master []byte) Option {
	return func(c *Codec) error {
		if version == c.current {
			return fmt.Errorf("crypto: previous key version %d collides with current version", version)
		}
		return c.addKey(version, master)
	}
}

// NewCodec creates a codec that encrypts with master under the given key
// version. Version 0 is reserved.
func NewCodec(master []byte, version byte, opts ...Option) (*Codec, error) {
	if version == 0 {
		return nil, errors.New("crypto: key version 0 is reserved")
	}
	c := &Codec{
		current: version,
		keys:    make(map[byte]cipher.AEAD, 1),
	}
	if err := c.addKey(version, master); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Codec) addKey(version byte, master []byte) error {
	if version == 0 {
		return errors.New("crypto: key version 0 is reserved")
	}
	aead, err := newAEAD(master, version)
	if err != nil {
		return fmt.Errorf("crypto: key v%d: %w", version, err)
	}
	c.mu.Lock()
	c.keys[version] = aead
	c.mu.Unlock()
	return nil
}

func newAEAD(master []byte, version byte) (cipher.AEAD, error) {
	key, err := deriveKey(master, fmt.Sprintf("v%d", version))
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

func deriveKey(master []byte, info string) ([]byte, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(master))
	}
	r := hkdf.New(sha256.New, master, []byte(hkdfSalt), []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// Mode returns the configured decrypt mode.
func (c *Codec) Mode() Mode {
	return c.mode
}

// CurrentVersion returns the key version used by Encrypt.
func (c *Codec) CurrentVersion() byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Encrypt seals plaintext under the current key with a fresh random nonce.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	c.mu.RLock()
	version := c.current
	aead := c.keys[version]
	c.mu.RUnlock()

	buf := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+tagSize)
	buf[0] = version
	if _, err := io.ReadFull(rand.Reader, buf[1:]); err != nil {
		return "", fmt.Errorf("crypto: generate nonce: %w", err)
	}
	sealed := aead.Seal(buf, buf[1:1+nonceSize], []byte(plaintext), []byte{version})
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values without the prefix are
// returned unchanged in ModeLegacyPlaintext and rejected in ModeStrict.
func (c *Codec) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, Prefix) {
		if c.mode == ModeLegacyPlaintext {
			return value, nil
		}
		return "", fmt.Errorf("%w: missing %q prefix", ErrMalformedCiphertext, Prefix)
	}

	data, err := base64.StdEncoding.DecodeString(value[len(Prefix):])
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode: %v", ErrMalformedCiphertext, err)
	}
	if len(data) < minPayload {
		return "", fmt.Errorf("%w: payload too short", ErrMalformedCiphertext)
	}

	version := data[0]
	c.mu.RLock()
	aead, ok := c.keys[version]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: no key for version %d", ErrMalformedCiphertext, version)
	}

	plaintext, err := aead.Open(nil, data[1:1+nonceSize], data[1+nonceSize:], []byte{version})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return string(plaintext), nil
}

// IsCiphertext reports whether value is structurally a codec ciphertext. It
// does not check that a key exists for the embedded version.
func IsCiphertext(value string) bool {
	_, ok := Version(value)
	return ok
}

// Version returns the key version embedded in a ciphertext.
func Version(value string) (byte, bool) {
	if !strings.HasPrefix(value, Prefix) {
		return 0, false
	}
	data, err := base64.StdEncoding.DecodeString(value[len(Prefix):])
	if err != nil || len(data) < minPayload || data[0] == 0 {
		return 0, false
	}
	return data[0], true
}

// NeedsReEncryption reports whether value was not sealed with the current key.
func (c *Codec) NeedsReEncryption(value string) bool {
	v, ok := Version(value)
	if !ok {
		return true
	}
	return v != c.CurrentVersion()
}

// ReEncrypt decrypts value with whichever key sealed it and encrypts the
// plaintext under the current key.
func (c *Codec) ReEncrypt(value string) (string, error) {
	plaintext, err := c.Decrypt(value)
	if err != nil {
		return "", fmt.Errorf("re-encrypt: %w", err)
	}
	return c.Encrypt(plaintext)
}
