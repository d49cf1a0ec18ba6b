package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const saltSize = 16

// ErrWrongSecret is returned by Open when the secret does not match the one
// the data was sealed with.
var ErrWrongSecret = errors.New("wrong secret or corrupted sealed data")

// DeriveKey derives a 32 byte key encryption key from secret with Argon2id.
func DeriveKey(secret, salt []byte) []byte {
	// time=1, memory=64MiB, threads=4
	return argon2.IDKey(secret, salt, 1, 64*1024, 4, 32)
}

// Seal encrypts plaintext under a key derived from secret and a fresh salt.
func Seal(secret, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := sealingAEAD(secret, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := append(salt, nonce...)
	return gcm.Seal(out, nonce, plaintext, salt), nil
}

// Open decrypts data produced by Seal.
func Open(secret, sealed []byte) ([]byte, error) {
	if len(sealed) < saltSize+12 {
		return nil, errors.New("sealed data too short")
	}
	salt := sealed[:saltSize]
	gcm, err := sealingAEAD(secret, salt)
	if err != nil {
		return nil, err
	}
	nonce := sealed[saltSize : saltSize+gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, sealed[saltSize+gcm.NonceSize():], salt)
	if err != nil {
		return nil, ErrWrongSecret
	}
	return plaintext, nil
}

func sealingAEAD(secret, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(DeriveKey(secret, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
