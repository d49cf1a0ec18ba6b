package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/ca-approval-backend/interfaces"
)

// StoreFactory creates approval stores from location URIs.
type StoreFactory struct {
	log *slog.Logger
}

func NewStoreFactory(logger *slog.Logger) *StoreFactory {
	return &StoreFactory{log: logger}
}

// StoreFor creates an approval store from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - memory:// - in-process store
//   - file:// - JSON documents on the local file system
//   - sqlite://, postgres:// - SQL database via gorm
//   - redis://, rediss:// - Redis with optimistic transactions
//   - vault:// - HashiCorp Vault KV v2 with check-and-set
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *StoreFactory) StoreFor(locationURI string) (interfaces.ApprovalStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		sf.log.Debug("Creating memory store")
		return NewMemoryStore(), nil
	case "file":
		return sf.createFileStore(u)
	case "sqlite", "postgres", "postgresql":
		sf.log.Debug("Creating SQL store", slog.String("scheme", u.Scheme))
		return OpenSQL(locationURI, sf.log)
	case "redis", "rediss":
		return sf.createRedisStore(u)
	case "vault":
		return sf.createVaultStore(u)
	default:
		return nil, fmt.Errorf("%w: unsupported store scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// createFileStore creates a file store.
// URI format: file:///var/lib/approvals
func (sf *StoreFactory) createFileStore(u *url.URL) (interfaces.ApprovalStore, error) {
	sf.log.Debug("Creating file store", slog.String("uri", u.String()))

	path := u.Path
	if u.Host != "" {
		path = u.Host + path
	}
	if path == "" {
		return nil, fmt.Errorf("%w: file store needs a path", interfaces.ErrInvalidLocationURI)
	}
	return NewFileStore(path, sf.log)
}

// createRedisStore creates a Redis store.
// URI format: redis://[user:pass@]host:6379/0?prefix=approvals
func (sf *StoreFactory) createRedisStore(u *url.URL) (interfaces.ApprovalStore, error) {
	sf.log.Debug("Creating Redis store", slog.String("host", u.Host))

	query := u.Query()
	prefix := query.Get("prefix")
	query.Del("prefix")
	clean := *u
	clean.RawQuery = query.Encode()

	opts, err := redis.ParseURL(clean.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}
	return NewRedisStore(redis.NewClient(opts), prefix, sf.log), nil
}

// createVaultStore creates a Vault KV v2 store.
// URI format: vault://host:8200/mount/path?token=...&tls=false
// The token falls back to the VAULT_TOKEN environment variable.
func (sf *StoreFactory) createVaultStore(u *url.URL) (interfaces.ApprovalStore, error) {
	sf.log.Debug("Creating Vault store", slog.String("host", u.Host))

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: vault store needs mount and path, e.g. vault://host:8200/secret/approvals", interfaces.ErrInvalidLocationURI)
	}

	query := u.Query()
	scheme := "https"
	if query.Get("tls") == "false" {
		scheme = "http"
	}
	token := query.Get("token")
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}

	return NewVaultStore(VaultConfig{
		Address:   fmt.Sprintf("%s://%s", scheme, u.Host),
		MountPath: parts[0],
		DataPath:  parts[1],
		Token:     token,
	}, sf.log)
}
