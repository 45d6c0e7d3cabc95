// Package crypto seals small secrets, provider credentials and webhook
// signing keys, with AES-GCM under a service-wide key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

var errPayloadTooShort = errors.New("crypto: payload shorter than nonce")

// aead builds the AES-GCM cipher for a secret. The secret is stretched to a
// 32-byte key with SHA-256 so callers can pass arbitrary strings.
func aead(secret string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptString seals plaintext. The random nonce is prepended to the
// returned ciphertext so DecryptToString needs no extra state.
func EncryptString(secret string, plaintext string) ([]byte, error) {
	gcm, err := aead(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// DecryptToString opens a payload produced by EncryptString.
func DecryptToString(secret string, payload []byte) (string, error) {
	gcm, err := aead(secret)
	if err != nil {
		return "", err
	}
	if len(payload) < gcm.NonceSize() {
		return "", errPayloadTooShort
	}
	nonce, ciphertext := payload[:gcm.NonceSize()], payload[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
