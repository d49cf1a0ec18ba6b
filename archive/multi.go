package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/ca-approval-backend/interfaces"
)

// MultiBackend stores content to every available backend and fetches from
// the first backend that has it.
type MultiBackend struct {
	backends []interfaces.ArchiveBackend
	log      *slog.Logger
}

func NewMultiBackend(backends []interfaces.ArchiveBackend, log *slog.Logger) *MultiBackend {
	return &MultiBackend{backends: backends, log: log}
}

func (m *MultiBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	var errs []error
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Archive backend unavailable", slog.String("backend", backend.Name()))
			continue
		}
		data, err := backend.Fetch(ctx, id, contentType)
		if err == nil {
			return data, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	if len(errs) == 0 {
		return nil, interfaces.ErrBackendUnavailable
	}
	// Not found everywhere it was asked is still not found.
	notFound := true
	for _, err := range errs {
		if !errors.Is(err, interfaces.ErrContentNotFound) {
			notFound = false
		}
	}
	if notFound {
		return nil, interfaces.ErrContentNotFound
	}
	return nil, fmt.Errorf("all archive backends failed to fetch %s: %w", id, errors.Join(errs...))
}

func (m *MultiBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	stored := 0
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Archive backend unavailable", slog.String("backend", backend.Name()))
			continue
		}
		if _, err := backend.Store(ctx, data, contentType); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to archive to backend", slog.String("backend", backend.Name()), "err", err)
			continue
		}
		stored++
	}

	if stored == 0 {
		if len(errs) == 0 {
			return id, interfaces.ErrBackendUnavailable
		}
		return id, fmt.Errorf("all archive backends failed to store data: %w", errors.Join(errs...))
	}
	return id, nil
}

func (m *MultiBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiBackend) Name() string {
	return "multi-archive"
}

func (m *MultiBackend) LocationURI() string {
	locations := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
