// Package vault provides authenticated encryption for long-lived secrets
// (TOTP seeds, stored IP addresses) under a single server-held key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnavailable is returned when no encryption key is configured. Callers
// that store secrets (TOTP setup) must surface this as a distinct "feature
// unavailable" condition; the audit path instead uses EncryptOrPlaintext.
var ErrUnavailable = errors.New("vault: encryption key not configured")

var errMalformed = errors.New("vault: malformed envelope")

const keySize = 32 // AES-256

type Vault struct {
	key []byte
}

// New builds a Vault from a 64-hex-character key. An empty or invalid key
// yields a non-nil Vault in the unavailable state rather than an error, so
// construction never fails and every call site sees the same typed condition.
func New(hexKey string) *Vault {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil || len(key) != keySize {
		return &Vault{}
	}
	return &Vault{key: key}
}

func (v *Vault) Available() bool {
	return len(v.key) == keySize
}

// Encrypt seals plaintext with AES-256-GCM under a fresh 96-bit nonce and
// returns a nonce:tag:ciphertext envelope, all hex-encoded.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if !v.Available() {
		return "", ErrUnavailable
	}

	gcm, err := v.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	), nil
}

// Decrypt opens a nonce:tag:ciphertext envelope. It fails closed: any
// malformed envelope or authentication-tag mismatch returns an error and
// never partial plaintext.
func (v *Vault) Decrypt(envelope string) (string, error) {
	if !v.Available() {
		return "", ErrUnavailable
	}

	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		return "", errMalformed
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", errMalformed
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", errMalformed
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", errMalformed
	}

	gcm, err := v.gcm()
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() || len(tag) != gcm.Overhead() {
		return "", errMalformed
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptOrPlaintext is the best-effort variant used by the audit recorder:
// IP logging is not a hard security boundary, so an unconfigured vault
// degrades to plaintext passthrough instead of failing the write.
func (v *Vault) EncryptOrPlaintext(plaintext string) string {
	encrypted, err := v.Encrypt(plaintext)
	if err != nil {
		return plaintext
	}
	return encrypted
}

// DecryptOrPlaintext mirrors EncryptOrPlaintext for reads: legacy plaintext
// values (written before a key was configured) come back unchanged.
func (v *Vault) DecryptOrPlaintext(value string) string {
	if value == "" {
		return ""
	}
	decrypted, err := v.Decrypt(value)
	if err != nil {
		return value
	}
	return decrypted
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
