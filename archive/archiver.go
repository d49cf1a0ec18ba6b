package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ruteri/ca-approval-backend/interfaces"
)

// Archiver serializes approval records into an archive backend.
type Archiver struct {
	backend   interfaces.ArchiveBackend
	log       *slog.Logger
	transform func(*interfaces.ApprovalRecord) *interfaces.ApprovalRecord
}

// ArchiverOption configures an Archiver.
type ArchiverOption func(*Archiver)

// WithRecordTransform rewrites each record before it is written, for example
// to strip secret payload fields. fn must not mutate its argument.
func WithRecordTransform(fn func(*interfaces.ApprovalRecord) *interfaces.ApprovalRecord) ArchiverOption {
	return func(a *Archiver) { a.transform = fn }
}

func NewArchiver(backend interfaces.ArchiveBackend, log *slog.Logger, opts ...ArchiverOption) *Archiver {
	a := &Archiver{backend: backend, log: log}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Archive stores rec and returns the content id it can be restored from.
func (a *Archiver) Archive(ctx context.Context, rec *interfaces.ApprovalRecord) (interfaces.ContentID, error) {
	if a.transform != nil {
		rec = a.transform(rec)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("encoding record %s: %w", rec.ID, err)
	}
	id, err := a.backend.Store(ctx, data, interfaces.RecordContent)
	if err != nil {
		return id, err
	}

	a.log.Debug("Archived approval record",
		slog.String("recordID", rec.ID),
		slog.String("contentID", id.String()),
		slog.String("backend", a.backend.Name()))
	return id, nil
}

// Restore fetches an archived record by content id.
func (a *Archiver) Restore(ctx context.Context, id interfaces.ContentID) (*interfaces.ApprovalRecord, error) {
	data, err := a.backend.Fetch(ctx, id, interfaces.RecordContent)
	if err != nil {
		return nil, err
	}
	if got := interfaces.ComputeID(data); !got.Equal(id) {
		return nil, fmt.Errorf("archived content %s failed integrity check", id)
	}

	var rec interfaces.ApprovalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding archived record %s: %w", id, err)
	}
	return &rec, nil
}
