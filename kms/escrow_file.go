package kms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// EscrowFile persists escrow state as a JSON document guarded by a lock file.
type EscrowFile struct {
	path string
}

func NewEscrowFile(path string) *EscrowFile {
	return &EscrowFile{path: path}
}

// Open restores the escrow from the state file. When the file does not exist
// yet a new escrow is created from cfg and saved; the custodian shares are
// returned only in that case. The returned escrow persists itself on change.
func (f *EscrowFile) Open(ctx context.Context, cfg EscrowConfig) (*KeyEscrow, map[string][]byte, error) {
	var (
		escrow *KeyEscrow
		shares map[string][]byte
	)
	err := f.locked(ctx, func() error {
		data, err := os.ReadFile(f.path)
		switch {
		case err == nil:
			var state EscrowState
			if err := json.Unmarshal(data, &state); err != nil {
				return fmt.Errorf("decoding escrow state: %w", err)
			}
			escrow, err = RestoreKeyEscrow(state)
			return err
		case errors.Is(err, os.ErrNotExist):
			escrow, shares, err = NewKeyEscrow(cfg)
			if err != nil {
				return err
			}
			return f.write(escrow.Export())
		default:
			return err
		}
	})
	if err != nil {
		return nil, nil, err
	}
	escrow.SetPersister(func(state EscrowState) error {
		return f.locked(context.Background(), func() error { return f.write(state) })
	})
	return escrow, shares, nil
}

// WriteShares stores each custodian's share in dir as <custodian>.share.
func WriteShares(dir string, shares map[string][]byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	for custodian, share := range shares {
		path := filepath.Join(dir, custodian+".share")
		if err := os.WriteFile(path, share, 0o600); err != nil {
			return fmt.Errorf("writing share for %s: %w", custodian, err)
		}
	}
	return nil
}

func (f *EscrowFile) locked(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	lock := flock.New(f.path + ".lock")
	ok, err := lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("locking escrow state: %w", err)
	}
	if !ok {
		return errors.New("escrow state is locked")
	}
	defer lock.Unlock()
	return fn()
}

func (f *EscrowFile) write(state EscrowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
