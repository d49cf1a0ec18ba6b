package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/ca-approval-backend/interfaces"
	"github.com/ruteri/ca-approval-backend/kms"
)

var (
	ErrInvalidPayload   = errors.New("invalid operation payload")
	ErrUnknownCA        = errors.New("unknown CA")
	ErrUnknownEndEntity = errors.New("unknown end entity")
	ErrNotRecoverable   = errors.New("end entity key is not recoverable")
	ErrAlreadyRevoked   = errors.New("end entity already revoked")
	ErrNoEscrow         = errors.New("no key escrow configured")
)

const DefaultCertValidity = 365 * 24 * time.Hour

type EntityStatus string

const (
	EntityActive  EntityStatus = "active"
	EntityRevoked EntityStatus = "revoked"
)

// EndEntity is a certificate holder known to the CA.
type EndEntity struct {
	Username           string       `json:"username"`
	SubjectDN          string       `json:"subject_dn"`
	CAID               int32        `json:"ca_id"`
	EndEntityProfileID int32        `json:"end_entity_profile_id"`
	KeyRecoverable     bool         `json:"key_recoverable"`
	Status             EntityStatus `json:"status"`
	CertificatePEM     string       `json:"certificate_pem,omitempty"`
	RevocationReason   string       `json:"revocation_reason,omitempty"`
	RevokedAt          time.Time    `json:"revoked_at,omitempty"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Registry holds the CA tokens, the end entity directory and the key escrow,
// and executes approved operations against them.
type Registry struct {
	mu           sync.RWMutex
	tokens       map[int32]*kms.CAToken
	escrow       *kms.KeyEscrow
	entities     map[string]*EndEntity
	recovered    map[string][]byte
	sealer       *PayloadSealer
	certValidity time.Duration
	now          func() time.Time
	log          *slog.Logger
}

// NewRegistry creates an empty registry. escrow may be nil, in which case key
// recovery and key escrow are unavailable.
func NewRegistry(escrow *kms.KeyEscrow, log *slog.Logger) *Registry {
	return &Registry{
		tokens:       make(map[int32]*kms.CAToken),
		escrow:       escrow,
		entities:     make(map[string]*EndEntity),
		recovered:    make(map[string][]byte),
		certValidity: DefaultCertValidity,
		now:          time.Now,
		log:          log,
	}
}

// AddCAToken makes a CA known to the registry.
func (r *Registry) AddCAToken(token *kms.CAToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token.CAID()] = token
}

func (r *Registry) CAToken(caID int32) (*kms.CAToken, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[caID]
	return t, ok
}

// SetPayloadSealer lets the executors open payload secrets sealed at submit.
func (r *Registry) SetPayloadSealer(s *PayloadSealer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealer = s
}

// Executors returns the executor for every approval type the registry can
// carry out. Sealed payload secrets are opened before the operation runs.
func (r *Registry) Executors() map[interfaces.ApprovalType]interfaces.Executor {
	return map[interfaces.ApprovalType]interfaces.Executor{
		interfaces.ActivateCAToken:  r.opening(interfaces.ActivateCAToken, r.ActivateCAToken),
		interfaces.KeyRecovery:      interfaces.ExecutorFunc(r.RecoverKey),
		interfaces.AddEditEndEntity: r.opening(interfaces.AddEditEndEntity, r.AddEditEndEntity),
		interfaces.Revocation:       interfaces.ExecutorFunc(r.Revoke),
	}
}

func (r *Registry) opening(t interfaces.ApprovalType, fn func(context.Context, []byte) error) interfaces.Executor {
	return interfaces.ExecutorFunc(func(ctx context.Context, payload []byte) error {
		r.mu.RLock()
		sealer := r.sealer
		r.mu.RUnlock()
		if sealer != nil {
			opened, err := sealer.Open(t, payload)
			if err != nil {
				return err
			}
			payload = opened
		}
		return fn(ctx, payload)
	})
}

func (r *Registry) ActivateCAToken(ctx context.Context, payload []byte) error {
	var p ActivateCATokenPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if len(p.SealedCode) > 0 {
		return ErrSealedPayload
	}
	token, ok := r.CAToken(p.CAID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCA, p.CAID)
	}
	if err := token.Activate([]byte(p.ActivationCode)); err != nil {
		return err
	}
	r.log.Info("CA token activated", slog.Int("caID", int(p.CAID)))
	return nil
}

// RecoverKey decrypts the escrowed key of an end entity and holds it for a
// single pickup through TakeRecoveredKey.
func (r *Registry) RecoverKey(ctx context.Context, payload []byte) error {
	var p KeyRecoveryPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if r.escrow == nil {
		return ErrNoEscrow
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entity, ok := r.entities[p.Username]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndEntity, p.Username)
	}
	if !entity.KeyRecoverable {
		return fmt.Errorf("%w: %s", ErrNotRecoverable, p.Username)
	}
	key, err := r.escrow.Recover(p.Username)
	if err != nil {
		return err
	}
	r.recovered[p.Username] = key
	r.log.Info("end entity key recovered", slog.String("username", p.Username))
	return nil
}

// TakeRecoveredKey returns a recovered key once and forgets it.
func (r *Registry) TakeRecoveredKey(username string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.recovered[username]
	delete(r.recovered, username)
	return key, ok
}

func (r *Registry) AddEditEndEntity(ctx context.Context, payload []byte) error {
	var p EndEntityPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if len(p.SealedKey) > 0 {
		return ErrSealedPayload
	}
	if p.Username == "" || p.SubjectDN == "" {
		return fmt.Errorf("%w: username and subject DN are required", ErrInvalidPayload)
	}
	token, ok := r.CAToken(p.CAID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCA, p.CAID)
	}

	var certPEM string
	if p.CSRPEM != "" {
		cert, err := token.SignCertificate([]byte(p.CSRPEM), r.certValidity)
		if err != nil {
			return err
		}
		certPEM = string(cert)
	}
	if p.KeyPEM != "" && p.KeyRecoverable {
		if r.escrow == nil {
			return ErrNoEscrow
		}
		if err := r.escrow.Escrow(p.Username, []byte(p.KeyPEM)); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entity, exists := r.entities[p.Username]
	if !exists {
		entity = &EndEntity{Username: p.Username}
		r.entities[p.Username] = entity
	}
	entity.SubjectDN = p.SubjectDN
	entity.CAID = p.CAID
	entity.EndEntityProfileID = p.EndEntityProfileID
	entity.KeyRecoverable = p.KeyRecoverable
	entity.Status = EntityActive
	entity.RevocationReason = ""
	entity.RevokedAt = time.Time{}
	if certPEM != "" {
		entity.CertificatePEM = certPEM
	}
	entity.UpdatedAt = r.now()

	r.log.Info("end entity stored",
		slog.String("username", p.Username),
		slog.Bool("created", !exists),
		slog.Bool("certificateIssued", certPEM != ""))
	return nil
}

func (r *Registry) Revoke(ctx context.Context, payload []byte) error {
	var p RevocationPayload
	if err := decode(payload, &p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entity, ok := r.entities[p.Username]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndEntity, p.Username)
	}
	if entity.Status == EntityRevoked {
		return fmt.Errorf("%w: %s", ErrAlreadyRevoked, p.Username)
	}
	entity.Status = EntityRevoked
	entity.RevocationReason = p.Reason
	entity.RevokedAt = r.now()
	entity.UpdatedAt = entity.RevokedAt

	r.log.Info("end entity revoked", slog.String("username", p.Username), slog.String("reason", p.Reason))
	return nil
}

func (r *Registry) EndEntity(username string) (EndEntity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[username]
	if !ok {
		return EndEntity{}, false
	}
	return *e, true
}

// EndEntities lists all end entities ordered by username.
func (r *Registry) EndEntities() []EndEntity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EndEntity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
