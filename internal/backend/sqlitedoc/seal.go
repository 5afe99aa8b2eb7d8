// Package sqlitedoc is the reference extraction backend. Payloads are sealed
// YAML documents; each worker session is a private in-memory SQLite workspace
// the document fields are loaded into and read back from.
package sqlitedoc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Sealed layout: magic | iterations (uint32 BE) | salt | nonce | AES-256-GCM ciphertext.
const (
	magic     = "EXD1"
	saltLen   = 16
	nonceLen  = 12
	keyLen    = 32
	headerLen = len(magic) + 4 + saltLen + nonceLen

	DefaultIterations = 200_000
	maxIterations     = 10_000_000
)

var (
	ErrBadMagic      = errors.New("not a sealed document")
	ErrTruncated     = errors.New("sealed document truncated")
	ErrBadIterations = errors.New("sealed document has invalid kdf iterations")
	ErrWrongKey      = errors.New("credential does not open document")
)

// Seal encrypts doc under credential.
func Seal(doc []byte, credential string, iterations int) ([]byte, error) {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if iterations > maxIterations {
		return nil, ErrBadIterations
	}
	out := make([]byte, headerLen, headerLen+len(doc)+16)
	copy(out, magic)
	binary.BigEndian.PutUint32(out[len(magic):], uint32(iterations))
	salt := out[len(magic)+4 : len(magic)+4+saltLen]
	nonce := out[len(magic)+4+saltLen : headerLen]
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	aead, err := newAEAD(credential, salt, iterations)
	if err != nil {
		return nil, err
	}
	aad := append([]byte(nil), out[:len(magic)+4]...)
	return aead.Seal(out, nonce, doc, aad), nil
}

// Open reverses Seal.
func Open(sealed []byte, credential string) ([]byte, error) {
	if len(sealed) < len(magic) || string(sealed[:len(magic)]) != magic {
		return nil, ErrBadMagic
	}
	if len(sealed) < headerLen {
		return nil, ErrTruncated
	}
	iterations := int(binary.BigEndian.Uint32(sealed[len(magic):]))
	if iterations <= 0 || iterations > maxIterations {
		return nil, ErrBadIterations
	}
	salt := sealed[len(magic)+4 : len(magic)+4+saltLen]
	nonce := sealed[len(magic)+4+saltLen : headerLen]

	aead, err := newAEAD(credential, salt, iterations)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, sealed[headerLen:], sealed[:len(magic)+4])
	if err != nil {
		return nil, ErrWrongKey
	}
	return plain, nil
}

func newAEAD(credential string, salt []byte, iterations int) (cipher.AEAD, error) {
	key, err := pbkdf2.Key(sha256.New, credential, salt, iterations, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
