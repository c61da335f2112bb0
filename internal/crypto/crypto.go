// Package crypto seals provider secrets at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// version prefixes every sealed secret so the format can change later.
const version = "v1."

// argon2id cost parameters for passphrase-derived keys.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	// ErrNoKey is returned when neither a key nor a passphrase is configured.
	ErrNoKey = errors.New("crypto: no encryption key configured")

	// ErrNoSalt is returned when a passphrase is configured without a salt.
	ErrNoSalt = errors.New("crypto: passphrase requires a salt")

	// ErrMalformed is returned by Decrypt for input it did not produce.
	ErrMalformed = errors.New("crypto: malformed ciphertext")
)

// Cipher encrypts and decrypts credential secrets.
type Cipher struct {
	aead cipher.AEAD
}

// New creates a Cipher from a raw 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// ParseKey decodes a hex-encoded 32-byte key.
func ParseKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decoding hex key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// DeriveKey stretches a passphrase into an AES key with argon2id. The same
// passphrase and salt always give the same key.
func DeriveKey(passphrase, salt string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrNoKey
	}
	if salt == "" {
		return nil, ErrNoSalt
	}
	return argon2.IDKey([]byte(passphrase), []byte(salt), argonTime, argonMemory, argonThreads, KeySize), nil
}

// FromConfig builds a Cipher from a hex key, or from passphrase and salt when
// no key is set.
func FromConfig(hexKey, passphrase, salt string) (*Cipher, error) {
	var (
		key []byte
		err error
	)
	switch {
	case hexKey != "":
		key, err = ParseKey(hexKey)
	case passphrase != "":
		key, err = DeriveKey(passphrase, salt)
	default:
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, err
	}
	return New(key)
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return version + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	body, ok := strings.CutPrefix(ciphertext, version)
	if !ok {
		return "", ErrMalformed
	}
	data, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	n := c.aead.NonceSize()
	if len(data) < n+c.aead.Overhead() {
		return "", ErrMalformed
	}
	plaintext, err := c.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	return string(plaintext), nil
}
