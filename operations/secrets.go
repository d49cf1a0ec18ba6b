package operations

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ruteri/ca-approval-backend/cryptoutils"
	"github.com/ruteri/ca-approval-backend/interfaces"
)

// ErrSealedPayload is returned by an executor handed a sealed secret it has no
// key to open.
var ErrSealedPayload = errors.New("payload secret is sealed and no payload key is configured")

// PayloadSealer encrypts the secret fields of operation payloads (CA
// activation codes, end entity private keys) to the server's payload key, so
// stored, listed and archived requests never carry them in the clear.
type PayloadSealer struct {
	publicKeyPEM  []byte
	privateKeyPEM []byte
}

func NewPayloadSealer(privateKeyPEM []byte) (*PayloadSealer, error) {
	key, err := cryptoutils.ParseECPrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid payload key: %w", err)
	}
	pub, err := cryptoutils.MarshalPublicKeyPEM(key)
	if err != nil {
		return nil, err
	}
	return &PayloadSealer{publicKeyPEM: pub, privateKeyPEM: privateKeyPEM}, nil
}

// GeneratePayloadKey creates a new P-256 payload key as PKCS#8 PEM.
func GeneratePayloadKey() ([]byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return cryptoutils.MarshalPrivateKeyPEM(key)
}

// LoadPayloadSealer reads the payload key from path, creating the file with a
// fresh key when it does not exist.
func LoadPayloadSealer(path string) (sealer *PayloadSealer, created bool, err error) {
	keyPEM, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if keyPEM, err = GeneratePayloadKey(); err != nil {
			return nil, false, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, false, err
		}
		// O_EXCL: never overwrite a key another process just wrote.
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return nil, false, fmt.Errorf("creating payload key: %w", err)
		}
		_, werr := f.Write(keyPEM)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return nil, false, fmt.Errorf("writing payload key: %w", werr)
		}
		created = true
	} else if err != nil {
		return nil, false, fmt.Errorf("reading payload key: %w", err)
	}
	sealer, err = NewPayloadSealer(keyPEM)
	return sealer, created, err
}

// Seal replaces the plaintext secrets of payload with their sealed form.
// Payloads without secrets are returned unchanged.
func (s *PayloadSealer) Seal(approvalType interfaces.ApprovalType, payload []byte) ([]byte, error) {
	switch approvalType {
	case interfaces.ActivateCAToken:
		var p ActivateCATokenPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if p.ActivationCode == "" {
			return payload, nil
		}
		sealed, err := cryptoutils.EncryptWithPublicKey(s.publicKeyPEM, []byte(p.ActivationCode))
		if err != nil {
			return nil, fmt.Errorf("sealing activation code: %w", err)
		}
		p.ActivationCode, p.SealedCode = "", sealed
		return EncodePayload(p)
	case interfaces.AddEditEndEntity:
		var p EndEntityPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if p.KeyPEM == "" {
			return payload, nil
		}
		sealed, err := cryptoutils.EncryptWithPublicKey(s.publicKeyPEM, []byte(p.KeyPEM))
		if err != nil {
			return nil, fmt.Errorf("sealing end entity key: %w", err)
		}
		p.KeyPEM, p.SealedKey = "", sealed
		return EncodePayload(p)
	default:
		return payload, nil
	}
}

// Open reverses Seal. It is only called on the way into an executor.
func (s *PayloadSealer) Open(approvalType interfaces.ApprovalType, payload []byte) ([]byte, error) {
	switch approvalType {
	case interfaces.ActivateCAToken:
		var p ActivateCATokenPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if len(p.SealedCode) == 0 {
			return payload, nil
		}
		code, err := cryptoutils.DecryptWithPrivateKey(s.privateKeyPEM, p.SealedCode)
		if err != nil {
			return nil, fmt.Errorf("opening activation code: %w", err)
		}
		defer cryptoutils.Wipe(code)
		p.ActivationCode, p.SealedCode = string(code), nil
		return EncodePayload(p)
	case interfaces.AddEditEndEntity:
		var p EndEntityPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if len(p.SealedKey) == 0 {
			return payload, nil
		}
		key, err := cryptoutils.DecryptWithPrivateKey(s.privateKeyPEM, p.SealedKey)
		if err != nil {
			return nil, fmt.Errorf("opening end entity key: %w", err)
		}
		defer cryptoutils.Wipe(key)
		p.KeyPEM, p.SealedKey = string(key), nil
		return EncodePayload(p)
	default:
		return payload, nil
	}
}

// RedactPayload drops plaintext secrets from a payload. Sealed secrets are
// kept. A payload of a secret-bearing type that does not decode is dropped
// whole.
func RedactPayload(approvalType interfaces.ApprovalType, payload []byte) []byte {
	if len(payload) == 0 {
		return payload
	}
	switch approvalType {
	case interfaces.ActivateCAToken:
		var p ActivateCATokenPayload
		if decode(payload, &p) != nil {
			return nil
		}
		if p.ActivationCode == "" {
			return payload
		}
		p.ActivationCode = ""
		out, _ := EncodePayload(p)
		return out
	case interfaces.AddEditEndEntity:
		var p EndEntityPayload
		if decode(payload, &p) != nil {
			return nil
		}
		if p.KeyPEM == "" {
			return payload
		}
		p.KeyPEM = ""
		out, _ := EncodePayload(p)
		return out
	default:
		return payload
	}
}

// RedactRecord returns rec with plaintext payload secrets removed, copying
// it only when something has to go.
func RedactRecord(rec *interfaces.ApprovalRecord) *interfaces.ApprovalRecord {
	if rec == nil {
		return nil
	}
	redacted := RedactPayload(rec.Spec.ApprovalType, rec.Spec.Payload)
	if len(redacted) == len(rec.Spec.Payload) && string(redacted) == string(rec.Spec.Payload) {
		return rec
	}
	cp := rec.Clone()
	cp.Spec.Payload = redacted
	return cp
}

// RedactRecords applies RedactRecord to every record.
func RedactRecords(records []*interfaces.ApprovalRecord) []*interfaces.ApprovalRecord {
	out := make([]*interfaces.ApprovalRecord, len(records))
	for i, rec := range records {
		out[i] = RedactRecord(rec)
	}
	return out
}
