// Package vault provides authenticated symmetric encryption for certificate
// archives and passphrases at rest.
//
// Every blob is self-describing: a fresh random salt and nonce are generated
// per call and prepended to the GCM ciphertext, and the encryption key is
// derived from the process-wide secret with Argon2id. Decryption fails closed:
// an authentication-tag mismatch is an error, never silently corrupted
// plaintext.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
)

var (
	// ErrNoSecret is returned by New when the process-wide secret is empty.
	// This is a configuration error; it is surfaced at startup, not per call.
	ErrNoSecret = errors.New("vault: encryption secret is not configured")

	// ErrDecrypt is returned when a blob cannot be authenticated or is too
	// short to contain a salt and nonce.
	ErrDecrypt = errors.New("vault: cannot decrypt blob")
)

// Argon2id cost parameters, fixed for all blobs.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Vault wraps a process-wide secret.
type Vault struct {
	secret []byte
}

// New returns a Vault for the given secret. An empty secret is a fatal
// configuration error.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Vault{secret: []byte(secret)}, nil
}

func (v *Vault) deriveKey(salt []byte) []byte {
	return argon2.IDKey(v.secret, salt, argonTime, argonMemory, argonThreads, keySize)
}

// Encrypt seals plaintext into a self-describing blob:
// salt || nonce || ciphertext+tag.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, saltSize+nonceSize+len(plaintext)+gcm.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = gcm.Seal(blob, nonce, plaintext, nil)
	return blob, nil
}

// Decrypt opens a blob produced by Encrypt. Any tampering with the salt,
// nonce, ciphertext or tag fails with ErrDecrypt.
func (v *Vault) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < saltSize+nonceSize {
		return nil, ErrDecrypt
	}
	salt, rest := blob[:saltSize], blob[saltSize:]
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]

	gcm, err := v.aead(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// EncryptString seals a string and base64-encodes the wrapped blob so it can
// live in a text column.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	blob, err := v.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptString reverses EncryptString.
func (v *Vault) DecryptString(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plaintext, err := v.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.deriveKey(salt))
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
