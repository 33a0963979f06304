// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

// Package crypto provides the cryptographic primitives used by the gateway:
// AES-256-GCM encryption of DLQ payloads, SHA-256/MD5 hashing for query
// fingerprints and cache keys, and HMAC-SHA-256 envelope authentication.
//
// Encryption Algorithm:
//   - AES-256-GCM (authenticated encryption)
//   - 16-byte random IV per encryption
//   - AAD bound to the constant "danbooru-gateway"
//   - Wire layout: base64(IV || TAG || CIPHERTEXT)
//
// The key is 32 raw bytes supplied as 64 hex characters, or derived from a
// passphrase using HKDF-SHA256 when a raw key is not available.
package crypto

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

	"golang.org/x/crypto/hkdf"
)

const (
	// aad is the additional authenticated data bound into every GCM tag.
	// It is authenticated but not encrypted; a ciphertext produced by a
	// different application cannot be decrypted here even with the same key.
	aad = "danbooru-gateway"

	// keySize is the AES key size in bytes (256 bits).
	keySize = 32

	// ivSize is the GCM IV size in bytes.
	ivSize = 16

	// tagSize is the GCM authentication tag size in bytes.
	tagSize = 16

	// hkdfSalt is the salt for HKDF passphrase derivation.
	hkdfSalt = "danbooru-gateway-dlq"

	// hkdfInfo is the HKDF info parameter for key derivation.
	hkdfInfo = "dlq-payload-encryption-v1"
)

var (
	// ErrInvalidKey is returned when the key is not 64 hex characters.
	ErrInvalidKey = errors.New("encryption key must be 64 hex characters (32 bytes)")

	// ErrEmptyPassphrase is returned when deriving a key from an empty passphrase.
	ErrEmptyPassphrase = errors.New("passphrase cannot be empty")

	// ErrCiphertextTooShort is returned when the decoded payload is shorter
	// than IV + TAG.
	ErrCiphertextTooShort = errors.New("ciphertext too short")

	// ErrDecryptionFailed is returned when authentication fails during decrypt.
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or authentication tag")
)

// Cipher encrypts and decrypts DLQ payloads with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a 64-hex-character key.
func NewCipher(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != keySize {
		return nil, ErrInvalidKey
	}
	return newCipherFromKey(key)
}

// NewCipherFromPassphrase derives a 256-bit key from the passphrase using
// HKDF-SHA256 and creates a Cipher from it.
func NewCipherFromPassphrase(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	reader := hkdf.New(sha256.New, []byte(passphrase), []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return newCipherFromKey(key)
}

func newCipherFromKey(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt encrypts the plaintext and returns base64(IV || TAG || CIPHERTEXT).
// A fresh random IV is generated for every call.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	// Seal appends ciphertext||tag; the wire layout wants IV||tag||ciphertext.
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), []byte(aad))
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It returns ErrDecryptionFailed when the
// authentication tag does not verify (wrong key, tampered data, or AAD
// produced by a different application).
func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid base64 payload: %w", err)
	}
	if len(raw) < ivSize+tagSize {
		return "", ErrCiphertextTooShort
	}

	iv := raw[:ivSize]
	tag := raw[ivSize : ivSize+tagSize]
	ct := raw[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, iv, sealed, []byte(aad))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
