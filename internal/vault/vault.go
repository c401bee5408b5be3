// Package vault encrypts account secrets at rest.
//
// Tokens are base64 (standard alphabet, padded) encodings of
// nonce || AES-256-GCM ciphertext || tag, with a fresh 12-byte nonce per
// encryption. The empty string encrypts to, and decrypts from, itself.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the master key length in bytes (AES-256).
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// SaltSize is the PBKDF2 salt length in bytes.
	SaltSize = 32
	// Iterations is the PBKDF2-SHA256 iteration count.
	Iterations = 100000
)

var (
	// ErrAuthentication is returned when a token is malformed, truncated or
	// fails tag verification.
	ErrAuthentication = errors.New("authentication failed")

	// ErrInvalidKey is returned when master key material is unusable.
	ErrInvalidKey = errors.New("invalid master key")
)

// tokenEncoding rejects non-zero padding bits so that every distinct token
// decodes to distinct bytes.
var tokenEncoding = base64.StdEncoding.Strict()

// CryptoError describes a vault failure. Err is ErrAuthentication,
// ErrInvalidKey or an underlying I/O error.
type CryptoError struct {
	Op     string
	Reason string
	Err    error
}

func (e *CryptoError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("vault %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("vault %s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// IsCryptoError reports whether err (or any error in its chain) is a CryptoError.
func IsCryptoError(err error) bool {
	var cryptoErr *CryptoError
	return errors.As(err, &cryptoErr)
}

// Vault seals and opens secret tokens with a single master key.
type Vault struct {
	aead cipher.AEAD
	rand io.Reader
}

// New creates a Vault from a 32-byte master key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, &CryptoError{
			Op:     "init",
			Reason: fmt.Sprintf("key is %d bytes, want %d", len(key), KeySize),
			Err:    ErrInvalidKey,
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Op: "init", Err: err}
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, &CryptoError{Op: "init", Err: err}
	}

	return &Vault{aead: aead, rand: rand.Reader}, nil
}

// Open loads the master key from src and creates a Vault.
func Open(src KeySource) (*Vault, error) {
	key, err := src.MasterKey()
	if err != nil {
		return nil, err
	}
	defer wipe(key)
	return New(key)
}

// Encrypt seals plaintext into a printable token.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+v.aead.Overhead())
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return "", &CryptoError{Op: "encrypt", Reason: "generating nonce", Err: err}
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return tokenEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt. Any malformed, truncated or
// tampered token yields a CryptoError wrapping ErrAuthentication.
func (v *Vault) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	if strings.ContainsAny(token, "\r\n") {
		return "", authFailure("token contains line breaks")
	}

	sealed, err := tokenEncoding.DecodeString(token)
	if err != nil {
		return "", authFailure("token is not valid base64")
	}
	if len(sealed) < NonceSize+v.aead.Overhead() {
		return "", authFailure("token is truncated")
	}

	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", authFailure("tag mismatch")
	}

	return string(plaintext), nil
}

func authFailure(reason string) error {
	return &CryptoError{Op: "decrypt", Reason: reason, Err: ErrAuthentication}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
