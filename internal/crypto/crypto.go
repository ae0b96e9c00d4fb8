// Package crypto handles decryption of stored provider credentials.
//
// Ciphertexts are produced by the web API as three base64 parts joined by
// ':' — iv:tag:ciphertext — using AES-256-GCM with a 12-byte IV and a
// 16-byte tag.
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
)

const (
	keySize = 32
	ivSize  = 12
	tagSize = 16
)

var (
	// ErrMalformedInput is returned when a ciphertext does not have the
	// iv:tag:ciphertext shape or a part is not valid base64.
	ErrMalformedInput = errors.New("malformed ciphertext")

	// ErrAuthenticationFailure is returned when the GCM tag does not
	// verify (tampered or wrong-key data).
	ErrAuthenticationFailure = errors.New("ciphertext authentication failed")

	// ErrKeyMisconfigured is returned when the configured key is absent
	// or has the wrong length.
	ErrKeyMisconfigured = errors.New("encryption key misconfigured")
)

// ParseKey decodes a key given as hex, base64 or raw bytes and verifies it
// is exactly 32 bytes.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: key is empty", ErrKeyMisconfigured)
	}

	if decoded, err := hex.DecodeString(s); err == nil && len(decoded) == keySize {
		return decoded, nil
	}
	if decoded, err := decodeBase64(s); err == nil && len(decoded) == keySize {
		return decoded, nil
	}
	if len(s) == keySize {
		return []byte(s), nil
	}

	return nil, fmt.Errorf("%w: key must decode to %d bytes", ErrKeyMisconfigured, keySize)
}

// Decryptor decrypts provider tokens with a fixed key.
type Decryptor struct {
	gcm cipher.AEAD
}

// NewDecryptor creates a Decryptor from a key string (hex, base64 or raw).
func NewDecryptor(key string) (*Decryptor, error) {
	raw, err := ParseKey(key)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMisconfigured, err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMisconfigured, err)
	}

	return &Decryptor{gcm: gcm}, nil
}

// Decrypt decodes and authenticates an iv:tag:ciphertext value, returning
// the plaintext.
func (d *Decryptor) Decrypt(ciphertext string) (string, error) {
	parts := strings.Split(ciphertext, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected iv:tag:ciphertext", ErrMalformedInput)
	}

	iv, err := decodeBase64(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: bad iv: %v", ErrMalformedInput, err)
	}
	tag, err := decodeBase64(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: bad tag: %v", ErrMalformedInput, err)
	}
	data, err := decodeBase64(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext: %v", ErrMalformedInput, err)
	}

	if len(iv) != ivSize {
		return "", fmt.Errorf("%w: iv must be %d bytes", ErrMalformedInput, ivSize)
	}
	if len(tag) != tagSize {
		return "", fmt.Errorf("%w: tag must be %d bytes", ErrMalformedInput, tagSize)
	}

	// Go's GCM expects ciphertext||tag.
	plaintext, err := d.gcm.Open(nil, iv, append(data, tag...), nil)
	if err != nil {
		return "", ErrAuthenticationFailure
	}

	return string(plaintext), nil
}

// Encrypt produces an iv:tag:ciphertext value that Decrypt accepts. Used
// by tests and local seeding; the web API has its own implementation of
// the same format.
func (d *Decryptor) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	sealed := d.gcm.Seal(nil, iv, []byte(plaintext), nil)
	data := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(data),
	}, ":"), nil
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if decoded, err := enc.DecodeString(s); err == nil {
			return decoded, nil
		}
	}
	return nil, errors.New("not valid base64")
}
