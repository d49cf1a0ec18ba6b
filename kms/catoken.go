package kms

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ruteri/ca-approval-backend/cryptoutils"
)

var (
	ErrTokenOffline          = errors.New("CA token is not active")
	ErrInvalidActivationCode = errors.New("invalid CA token activation code")
)

// CAToken is the signing key of one CA, sealed at rest under an activation
// code.
type CAToken struct {
	mu        sync.RWMutex
	caID      int32
	cert      *x509.Certificate
	sealedKey []byte
	key       *ecdsa.PrivateKey
}

// NewCAToken creates a CA with a fresh self-signed certificate. The token
// starts offline.
func NewCAToken(caID int32, commonName string, activationCode []byte, validity time.Duration) (*CAToken, error) {
	if len(activationCode) == 0 {
		return nil, errors.New("activation code is required")
	}
	cert, key, err := cryptoutils.NewSelfSignedCA(commonName, validity)
	if err != nil {
		return nil, err
	}
	keyPEM, err := cryptoutils.MarshalPrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(keyPEM)

	sealed, err := cryptoutils.Seal(activationCode, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to seal CA key: %w", err)
	}
	return &CAToken{caID: caID, cert: cert, sealedKey: sealed}, nil
}

func (t *CAToken) CAID() int32 { return t.caID }

func (t *CAToken) Certificate() *x509.Certificate { return t.cert }

func (t *CAToken) CertificatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: t.cert.Raw})
}

// Activate unseals the signing key. Activating an active token is a no-op.
func (t *CAToken) Activate(activationCode []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.key != nil {
		return nil
	}
	keyPEM, err := cryptoutils.Open(activationCode, t.sealedKey)
	if errors.Is(err, cryptoutils.ErrWrongSecret) {
		return ErrInvalidActivationCode
	}
	if err != nil {
		return err
	}
	defer cryptoutils.Wipe(keyPEM)

	key, err := cryptoutils.ParseECPrivateKeyPEM(keyPEM)
	if err != nil {
		return fmt.Errorf("sealed CA key is corrupt: %w", err)
	}
	t.key = key
	return nil
}

// Deactivate drops the unsealed key from memory.
func (t *CAToken) Deactivate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.key = nil
}

func (t *CAToken) Active() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.key != nil
}

// SignCertificate issues a certificate for csrPEM.
func (t *CAToken) SignCertificate(csrPEM []byte, validity time.Duration) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.key == nil {
		return nil, ErrTokenOffline
	}
	return cryptoutils.SignCSR(t.cert, t.key, csrPEM, validity)
}
