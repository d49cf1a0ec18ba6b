package interfaces

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrRecordNotFound is returned when no record exists for a record id.
	ErrRecordNotFound = errors.New("approval record not found")

	// ErrVersionConflict is returned by Put when the approval id group was
	// modified since it was read. Callers re-read and retry.
	ErrVersionConflict = errors.New("approval record version conflict")

	// ErrStoreUnavailable wraps persistence failures (I/O, network, driver errors).
	ErrStoreUnavailable = errors.New("approval store unavailable")

	// ErrContentNotFound is returned when requested content cannot be found in an archive backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when an archive backend is not accessible.
	ErrBackendUnavailable = errors.New("archive backend unavailable")

	// ErrInvalidLocationURI is returned when a store or archive location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// RecordSet is every record sharing one approval id, together with the
// version of that group. Version 0 means the group does not exist yet.
type RecordSet struct {
	Version uint64
	Records []*ApprovalRecord
}

// Latest returns the most recently created record of the set, or nil.
// Records are kept in insertion order, so the later one wins a timestamp tie.
func (s *RecordSet) Latest() *ApprovalRecord {
	var latest *ApprovalRecord
	for _, r := range s.Records {
		if latest == nil || !r.CreatedAt.Before(latest.CreatedAt) {
			latest = r
		}
	}
	return latest
}

// Find returns the record with the given id, or nil.
func (s *RecordSet) Find(recordID string) *ApprovalRecord {
	for _, r := range s.Records {
		if r.ID == recordID {
			return r
		}
	}
	return nil
}

// ApprovalStore persists approval records keyed by approval id. All writes to
// one approval id are serialized through the group version.
type ApprovalStore interface {
	// Get returns every record for approvalID, in insertion order, and the
	// group version. A missing group yields an empty set with version 0 and
	// no error.
	Get(ctx context.Context, approvalID int64) (*RecordSet, error)

	// Put inserts or replaces record (matched by ID) in its approval id group.
	// It fails with ErrVersionConflict unless the group version equals expectedVersion.
	Put(ctx context.Context, record *ApprovalRecord, expectedVersion uint64) error

	// Delete removes a record unconditionally and bumps the group version.
	// Returns ErrRecordNotFound if absent.
	Delete(ctx context.Context, recordID string) error

	// Scan returns records matching filter, newest first, paginated.
	Scan(ctx context.Context, filter Filter, offset, limit int) ([]*ApprovalRecord, error)

	// Close releases resources held by the store.
	Close() error
}

// NewRecordID generates a unique record id. The approval id is embedded as a
// fixed-width hex prefix so stores keyed by approval id can locate the record.
func NewRecordID(approvalID int64) string {
	return fmt.Sprintf("%016x-%s", uint64(approvalID), uuid.NewString())
}

// ApprovalIDFromRecordID extracts the approval id from a record id.
func ApprovalIDFromRecordID(recordID string) (int64, error) {
	prefix, _, found := strings.Cut(recordID, "-")
	if !found || len(prefix) != 16 {
		return 0, fmt.Errorf("malformed record id %q", recordID)
	}
	v, err := strconv.ParseUint(prefix, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed record id %q: %w", recordID, err)
	}
	return int64(v), nil
}

// FormatApprovalID renders an approval id the way it appears in URLs and logs.
func FormatApprovalID(approvalID int64) string {
	return strconv.FormatInt(approvalID, 10)
}

// ParseApprovalID parses the decimal form produced by FormatApprovalID.
func ParseApprovalID(s string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid approval id %q: %w", s, err)
	}
	return v, nil
}

// ContentID is a 32-byte SHA-256 hash uniquely identifying archived content.
type ContentID [32]byte

func NewContentIDFromHex(source string) (ContentID, error) {
	// Remove 0x prefix if present
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var hash [32]byte
	copy(hash[:], hashBytes)
	return ContentID(hash), nil
}

// ComputeID calculates content ID from data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// String returns hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// Equal compares two content IDs.
func (id ContentID) Equal(other ContentID) bool {
	return bytes.Equal(id[:], other[:])
}

// ContentType indicates the archive namespace.
type ContentType int

const (
	// RecordContent holds serialized approval records.
	RecordContent ContentType = iota
	// PayloadContent holds raw request payloads.
	PayloadContent
)

// String returns type name.
func (ct ContentType) String() string {
	switch ct {
	case RecordContent:
		return "records"
	case PayloadContent:
		return "payloads"
	default:
		return "unknown"
	}
}

// ArchiveBackend provides content-addressed storage for retired records.
type ArchiveBackend interface {
	// Fetch retrieves data by content ID and type.
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)

	// Store saves data and returns its content ID.
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}
