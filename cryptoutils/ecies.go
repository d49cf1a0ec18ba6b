package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
)

// EncryptWithPublicKey encrypts data for the holder of the P-256 private key
// matching publicKeyPEM. Every call uses a fresh ephemeral key.
func EncryptWithPublicKey(publicKeyPEM []byte, data []byte) ([]byte, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	ecdsaKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}
	recipient, err := ecdsaKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported public key: %w", err)
	}

	ephemeral, err := recipient.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	gcm, err := newGCM(shared)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ephemeralPub := ephemeral.PublicKey().Bytes()
	out := make([]byte, 2, 2+len(ephemeralPub)+len(iv)+len(data)+gcm.Overhead())
	binary.BigEndian.PutUint16(out, uint16(len(ephemeralPub)))
	out = append(out, ephemeralPub...)
	out = append(out, iv...)
	return gcm.Seal(out, iv, data, nil), nil
}

// DecryptWithPrivateKey reverses EncryptWithPublicKey. The private key may be
// PKCS#8 or SEC 1 encoded.
func DecryptWithPrivateKey(privateKeyPEM []byte, encrypted []byte) ([]byte, error) {
	key, err := ParseECPrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported private key: %w", err)
	}

	if len(encrypted) < 2 {
		return nil, errors.New("encrypted data too short")
	}
	keyLen := int(binary.BigEndian.Uint16(encrypted[:2]))
	if len(encrypted) < 2+keyLen+12 {
		return nil, errors.New("encrypted data has invalid format")
	}
	ephemeralPub, err := priv.Curve().NewPublicKey(encrypted[2 : 2+keyLen])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ephemeral public key: %w", err)
	}
	shared, err := priv.ECDH(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	gcm, err := newGCM(shared)
	if err != nil {
		return nil, err
	}
	iv := encrypted[2+keyLen : 2+keyLen+gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, iv, encrypted[2+keyLen+gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// ParseECPrivateKeyPEM parses a PKCS#8 or SEC 1 encoded ECDSA private key.
func ParseECPrivateKeyPEM(keyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an ECDSA private key")
	}
	return key, nil
}

// newGCM keys AES-256-GCM with the SHA-256 of secret.
func newGCM(secret []byte) (cipher.AEAD, error) {
	key := sha256.Sum256(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
