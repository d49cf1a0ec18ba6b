package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/ruteri/ca-approval-backend/interfaces"
)

const fileLockRetryDelay = 10 * time.Millisecond

// FileStore keeps one JSON document per approval id group on the local file
// system. Each group has a sidecar lock file, so several processes can share
// the directory.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a file store rooted at baseDir, creating the directory
// if it does not exist.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

func (s *FileStore) Get(ctx context.Context, approvalID int64) (*interfaces.RecordSet, error) {
	lock := flock.New(s.lockPath(approvalID))
	if _, err := lock.TryRLockContext(ctx, fileLockRetryDelay); err != nil {
		return nil, unavailable(fmt.Errorf("locking approval %d: %w", approvalID, err))
	}
	defer lock.Unlock()

	g, err := s.readGroup(approvalID)
	if err != nil {
		return nil, err
	}
	return g.set(), nil
}

func (s *FileStore) Put(ctx context.Context, record *interfaces.ApprovalRecord, expectedVersion uint64) error {
	return s.withGroup(ctx, record.ApprovalID, func(g *recordGroup) error {
		if g.Version != expectedVersion {
			return conflict(record.ApprovalID, expectedVersion, g.Version)
		}
		g.upsert(record)
		return nil
	})
}

func (s *FileStore) Delete(ctx context.Context, recordID string) error {
	approvalID, err := interfaces.ApprovalIDFromRecordID(recordID)
	if err != nil {
		return interfaces.ErrRecordNotFound
	}
	return s.withGroup(ctx, approvalID, func(g *recordGroup) error {
		if !g.remove(recordID) {
			return interfaces.ErrRecordNotFound
		}
		return nil
	})
}

func (s *FileStore) Scan(ctx context.Context, filter interfaces.Filter, offset, limit int) ([]*interfaces.ApprovalRecord, error) {
	paths, err := filepath.Glob(filepath.Join(s.baseDir, "*.json"))
	if err != nil {
		return nil, unavailable(err)
	}

	var all []*interfaces.ApprovalRecord
	for _, path := range paths {
		v, err := strconv.ParseUint(strings.TrimSuffix(filepath.Base(path), ".json"), 16, 64)
		if err != nil {
			s.log.Warn("Skipping unexpected file in approval store", slog.String("path", path))
			continue
		}
		set, err := s.Get(ctx, int64(v))
		if err != nil {
			return nil, err
		}
		all = append(all, set.Records...)
	}
	return scanRecords(all, filter, offset, limit), nil
}

func (s *FileStore) Close() error { return nil }

// LocationURI returns the URI that identifies this store.
func (s *FileStore) LocationURI() string {
	return s.locationURI
}

// withGroup runs fn on the group under an exclusive lock and writes the
// group back if fn succeeds.
func (s *FileStore) withGroup(ctx context.Context, approvalID int64, fn func(g *recordGroup) error) error {
	lock := flock.New(s.lockPath(approvalID))
	if _, err := lock.TryLockContext(ctx, fileLockRetryDelay); err != nil {
		return unavailable(fmt.Errorf("locking approval %d: %w", approvalID, err))
	}
	defer lock.Unlock()

	g, err := s.readGroup(approvalID)
	if err != nil {
		return err
	}
	if err := fn(g); err != nil {
		return err
	}
	return s.writeGroup(approvalID, g)
}

func (s *FileStore) readGroup(approvalID int64) (*recordGroup, error) {
	data, err := os.ReadFile(s.groupPath(approvalID))
	if errors.Is(err, os.ErrNotExist) {
		return &recordGroup{}, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	g, err := decodeGroup(data)
	if err != nil {
		return nil, unavailable(err)
	}
	return g, nil
}

// writeGroup replaces the group document atomically.
func (s *FileStore) writeGroup(approvalID int64, g *recordGroup) error {
	data, err := encodeGroup(g)
	if err != nil {
		return unavailable(err)
	}

	path := s.groupPath(approvalID)
	tmp, err := os.CreateTemp(s.baseDir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return unavailable(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return unavailable(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return unavailable(err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return unavailable(err)
	}

	s.log.Debug("Stored approval record group",
		slog.String("path", path),
		slog.Uint64("version", g.Version),
		slog.Int("records", len(g.Records)))
	return nil
}

func (s *FileStore) groupPath(approvalID int64) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%016x.json", uint64(approvalID)))
}

func (s *FileStore) lockPath(approvalID int64) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%016x.lock", uint64(approvalID)))
}
