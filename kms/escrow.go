package kms

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/ca-approval-backend/cryptoutils"
)

var (
	ErrEscrowSealed     = errors.New("key escrow is sealed")
	ErrKeyNotEscrowed   = errors.New("no escrowed key for end entity")
	ErrUnknownCustodian = errors.New("unknown escrow custodian")
)

// EscrowConfig names the custodians that receive master key shares and how
// many of them must cooperate to unseal.
type EscrowConfig struct {
	Threshold  int      `json:"threshold" yaml:"threshold"`
	Custodians []string `json:"custodians" yaml:"custodians"`
}

func (c EscrowConfig) validate() error {
	if c.Threshold < 2 {
		return errors.New("threshold must be at least 2")
	}
	if len(c.Custodians) < c.Threshold {
		return errors.New("custodian count must be at least equal to threshold")
	}
	seen := make(map[string]bool, len(c.Custodians))
	for _, name := range c.Custodians {
		if name == "" || seen[name] {
			return fmt.Errorf("custodian names must be unique and non-empty, got %q", name)
		}
		seen[name] = true
	}
	return nil
}

// EscrowState is the persistent part of a KeyEscrow. It holds no secret in
// the clear.
type EscrowState struct {
	Config           EscrowConfig      `json:"config"`
	PublicKeyPEM     []byte            `json:"public_key_pem"`
	SealedPrivateKey []byte            `json:"sealed_private_key"`
	Keys             map[string][]byte `json:"keys"`
}

// KeyEscrow keeps end entity private keys recoverable by a custodian quorum.
// Escrowing works while sealed; recovery needs the escrow to be unsealed.
type KeyEscrow struct {
	mu             sync.RWMutex
	state          EscrowState
	privateKeyPEM  []byte
	receivedShares map[string][]byte
	persist        func(EscrowState) error
}

// SetPersister registers fn to be called with the new state whenever a key is
// escrowed. An error from fn fails the Escrow call.
func (e *KeyEscrow) SetPersister(fn func(EscrowState) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persist = fn
}

// NewKeyEscrow creates an escrow key pair and splits a fresh master key
// between the custodians. The returned shares must be handed out; the master
// key itself is not kept. The escrow starts sealed.
func NewKeyEscrow(cfg EscrowConfig) (*KeyEscrow, map[string][]byte, error) {
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}

	escrowKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	pubPEM, err := cryptoutils.MarshalPublicKeyPEM(escrowKey)
	if err != nil {
		return nil, nil, err
	}
	privPEM, err := cryptoutils.MarshalPrivateKeyPEM(escrowKey)
	if err != nil {
		return nil, nil, err
	}
	defer cryptoutils.Wipe(privPEM)

	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		return nil, nil, err
	}
	defer cryptoutils.Wipe(masterKey)

	sealed, err := cryptoutils.Seal(masterKey, privPEM)
	if err != nil {
		return nil, nil, err
	}
	parts, err := shamir.Split(masterKey, len(cfg.Custodians), cfg.Threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to split master key: %w", err)
	}
	shares := make(map[string][]byte, len(parts))
	for i, name := range cfg.Custodians {
		shares[name] = parts[i]
	}

	e := &KeyEscrow{
		state: EscrowState{
			Config:           cfg,
			PublicKeyPEM:     pubPEM,
			SealedPrivateKey: sealed,
			Keys:             make(map[string][]byte),
		},
		receivedShares: make(map[string][]byte),
	}
	return e, shares, nil
}

// RestoreKeyEscrow rebuilds a sealed escrow from exported state.
func RestoreKeyEscrow(state EscrowState) (*KeyEscrow, error) {
	if err := state.Config.validate(); err != nil {
		return nil, err
	}
	if len(state.PublicKeyPEM) == 0 || len(state.SealedPrivateKey) == 0 {
		return nil, errors.New("escrow state is missing key material")
	}
	if state.Keys == nil {
		state.Keys = make(map[string][]byte)
	}
	return &KeyEscrow{state: state, receivedShares: make(map[string][]byte)}, nil
}

// Export returns a copy of the persistent state.
func (e *KeyEscrow) Export() EscrowState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.exportLocked()
}

func (e *KeyEscrow) exportLocked() EscrowState {
	out := e.state
	out.Config.Custodians = append([]string(nil), e.state.Config.Custodians...)
	out.Keys = make(map[string][]byte, len(e.state.Keys))
	for k, v := range e.state.Keys {
		out.Keys[k] = append([]byte(nil), v...)
	}
	return out
}

// Escrow encrypts keyPEM to the escrow key and files it under username,
// replacing any previously escrowed key.
func (e *KeyEscrow) Escrow(username string, keyPEM []byte) error {
	if username == "" {
		return errors.New("username is required")
	}
	encrypted, err := cryptoutils.EncryptWithPublicKey(e.state.PublicKeyPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("failed to escrow key: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	previous, replaced := e.state.Keys[username]
	e.state.Keys[username] = encrypted
	if e.persist == nil {
		return nil
	}
	if err := e.persist(e.exportLocked()); err != nil {
		if replaced {
			e.state.Keys[username] = previous
		} else {
			delete(e.state.Keys, username)
		}
		return fmt.Errorf("failed to persist escrow state: %w", err)
	}
	return nil
}

// HasKey reports whether a key is escrowed for username.
func (e *KeyEscrow) HasKey(username string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.state.Keys[username]
	return ok
}

// SubmitShare records one custodian's share. Once the threshold is reached
// the shares are combined and the escrow unseals; the return value reports
// whether it is unsealed.
func (e *KeyEscrow) SubmitShare(custodian string, share []byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.privateKeyPEM != nil {
		return true, nil
	}
	if !e.isCustodian(custodian) {
		return false, fmt.Errorf("%w: %s", ErrUnknownCustodian, custodian)
	}
	e.receivedShares[custodian] = append([]byte(nil), share...)
	if len(e.receivedShares) < e.state.Config.Threshold {
		return false, nil
	}

	// Deterministic order keeps failures reproducible.
	names := make([]string, 0, len(e.receivedShares))
	for name := range e.receivedShares {
		names = append(names, name)
	}
	sort.Strings(names)
	shares := make([][]byte, 0, len(names))
	for _, name := range names {
		shares = append(shares, e.receivedShares[name])
	}

	err := e.unsealLocked(shares)
	for _, s := range e.receivedShares {
		cryptoutils.Wipe(s)
	}
	e.receivedShares = make(map[string][]byte)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Unseal combines a full set of shares at once.
func (e *KeyEscrow) Unseal(shares [][]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.privateKeyPEM != nil {
		return nil
	}
	if len(shares) < e.state.Config.Threshold {
		return fmt.Errorf("need %d shares, got %d", e.state.Config.Threshold, len(shares))
	}
	return e.unsealLocked(shares)
}

func (e *KeyEscrow) unsealLocked(shares [][]byte) error {
	masterKey, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to reconstruct master key: %w", err)
	}
	defer cryptoutils.Wipe(masterKey)

	privPEM, err := cryptoutils.Open(masterKey, e.state.SealedPrivateKey)
	if err != nil {
		return errors.New("shares do not reconstruct the escrow master key")
	}
	e.privateKeyPEM = privPEM
	return nil
}

// Seal drops the unsealed escrow key and any partially submitted shares.
func (e *KeyEscrow) Seal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	cryptoutils.Wipe(e.privateKeyPEM)
	e.privateKeyPEM = nil
	e.receivedShares = make(map[string][]byte)
}

// Progress reports how many custodian shares are pending toward the threshold.
func (e *KeyEscrow) Progress() (received, threshold int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.receivedShares), e.state.Config.Threshold
}

func (e *KeyEscrow) IsUnsealed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.privateKeyPEM != nil
}

// Recover decrypts the key escrowed for username.
func (e *KeyEscrow) Recover(username string) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.privateKeyPEM == nil {
		return nil, ErrEscrowSealed
	}
	encrypted, ok := e.state.Keys[username]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotEscrowed, username)
	}
	return cryptoutils.DecryptWithPrivateKey(e.privateKeyPEM, encrypted)
}

func (e *KeyEscrow) isCustodian(name string) bool {
	for _, c := range e.state.Config.Custodians {
		if c == name {
			return true
		}
	}
	return false
}
