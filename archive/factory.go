package archive

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/ca-approval-backend/interfaces"
)

// BackendFactory creates archive backends from location URIs.
type BackendFactory struct {
	log *slog.Logger
}

func NewBackendFactory(logger *slog.Logger) *BackendFactory {
	return &BackendFactory{log: logger}
}

// BackendFor creates an archive backend from a location URI.
//
// Supported schemes:
//   - file:///path - local file system
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=...&endpoint=...
//   - ipfs://host:port/root?timeout=30s
func (bf *BackendFactory) BackendFor(locationURI string) (interfaces.ArchiveBackend, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		p := u.Path
		if u.Host != "" {
			p = u.Host + p
		}
		if p == "" {
			return nil, fmt.Errorf("%w: file archive needs a path", interfaces.ErrInvalidLocationURI)
		}
		return NewFileBackend(p, bf.log)
	case "s3":
		return bf.createS3Backend(u)
	case "ipfs":
		return bf.createIPFSBackend(u)
	default:
		return nil, fmt.Errorf("%w: unsupported archive scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// MultiBackendFor aggregates the backends of several URIs. Invalid URIs are
// logged and skipped; at least one must be valid.
func (bf *BackendFactory) MultiBackendFor(locationURIs []string) (*MultiBackend, error) {
	backends := make([]interfaces.ArchiveBackend, 0, len(locationURIs))
	for _, uri := range locationURIs {
		backend, err := bf.BackendFor(uri)
		if err != nil {
			bf.log.Warn("Failed to create archive backend", "err", err, slog.String("locationURI", uri))
			continue
		}
		backends = append(backends, backend)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid archive backends created")
	}
	return NewMultiBackend(backends, bf.log), nil
}

func (bf *BackendFactory) createS3Backend(u *url.URL) (interfaces.ArchiveBackend, error) {
	query := u.Query()
	cfg := S3Config{
		Bucket:   u.Host,
		Prefix:   strings.TrimPrefix(u.Path, "/"),
		Region:   query.Get("region"),
		Endpoint: query.Get("endpoint"),
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 archive needs a bucket", interfaces.ErrInvalidLocationURI)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if u.User != nil {
		cfg.AccessKey = u.User.Username()
		cfg.SecretKey, _ = u.User.Password()
	}
	return NewS3Backend(cfg, bf.log)
}

func (bf *BackendFactory) createIPFSBackend(u *url.URL) (interfaces.ArchiveBackend, error) {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if t := u.Query().Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid ipfs timeout: %v", interfaces.ErrInvalidLocationURI, err)
		}
		timeout = d
	}

	root := strings.Trim(u.Path, "/")
	if root == "" {
		root = "approvals"
	}
	return NewIPFSBackend(host+":"+port, root, timeout, bf.log), nil
}
