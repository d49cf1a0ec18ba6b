package storage

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/ca-approval-backend/interfaces"
)

// VaultStore keeps approval id groups as HashiCorp Vault KV v2 secrets. The
// KV version of a secret is the group version, and writes use Vault's
// check-and-set so a stale expected version is rejected by Vault itself.
type VaultStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// VaultConfig configures a VaultStore.
//
//   - Address: Vault server address (e.g. https://vault.example.com:8200)
//   - MountPath: KV v2 mount (e.g. "secret")
//   - DataPath: path within the mount (e.g. "approvals")
//   - Token: Vault token; optional when ClientCert authenticates the client
//   - ClientCert: optional TLS client certificate
type VaultConfig struct {
	Address    string
	MountPath  string
	DataPath   string
	Token      string
	ClientCert *tls.Certificate
}

func NewVaultStore(cfg VaultConfig, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = cfg.Address

	transport := &http.Transport{}
	if cfg.ClientCert != nil {
		transport.TLSClientConfig = &tls.Config{
			Certificates: []tls.Certificate{*cfg.ClientCert},
		}
	}
	config.HttpClient = &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
	config.MaxRetries = 0

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mountPath := strings.Trim(cfg.MountPath, "/")
	dataPath := strings.Trim(cfg.DataPath, "/")

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", cfg.Address, mountPath, dataPath),
	}, nil
}

func (s *VaultStore) dataKey(approvalID int64) string {
	return fmt.Sprintf("%s/data/%s/groups/%d", s.mountPath, s.dataPath, approvalID)
}

func (s *VaultStore) metadataDir() string {
	return fmt.Sprintf("%s/metadata/%s/groups", s.mountPath, s.dataPath)
}

func (s *VaultStore) Get(ctx context.Context, approvalID int64) (*interfaces.RecordSet, error) {
	g, err := s.read(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	return g.set(), nil
}

// read fetches a group; its Version is the KV version of the secret.
func (s *VaultStore) read(ctx context.Context, approvalID int64) (*recordGroup, error) {
	path := s.dataKey(approvalID)
	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		s.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, unavailable(err)
	}
	if secret == nil || secret.Data == nil || secret.Data["data"] == nil {
		return &recordGroup{}, nil
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, unavailable(fmt.Errorf("invalid data format in Vault response"))
	}
	content, ok := data["content"].(string)
	if !ok {
		return nil, unavailable(fmt.Errorf("content key not found in Vault data"))
	}
	g, err := decodeGroup([]byte(content))
	if err != nil {
		return nil, unavailable(err)
	}

	metadata, _ := secret.Data["metadata"].(map[string]interface{})
	version, err := strconv.ParseUint(fmt.Sprint(metadata["version"]), 10, 64)
	if err != nil {
		return nil, unavailable(fmt.Errorf("invalid version in Vault metadata: %w", err))
	}
	g.Version = version
	return g, nil
}

func (s *VaultStore) Put(ctx context.Context, record *interfaces.ApprovalRecord, expectedVersion uint64) error {
	g, err := s.read(ctx, record.ApprovalID)
	if err != nil {
		return err
	}
	if g.Version != expectedVersion {
		return conflict(record.ApprovalID, expectedVersion, g.Version)
	}
	g.upsert(record)
	return s.write(ctx, record.ApprovalID, g, expectedVersion)
}

func (s *VaultStore) Delete(ctx context.Context, recordID string) error {
	approvalID, err := interfaces.ApprovalIDFromRecordID(recordID)
	if err != nil {
		return interfaces.ErrRecordNotFound
	}
	g, err := s.read(ctx, approvalID)
	if err != nil {
		return err
	}
	current := g.Version
	if !g.remove(recordID) {
		return interfaces.ErrRecordNotFound
	}
	return s.write(ctx, approvalID, g, current)
}

// write stores the group with check-and-set against cas, the KV version the
// group was read at.
func (s *VaultStore) write(ctx context.Context, approvalID int64, g *recordGroup, cas uint64) error {
	content, err := json.Marshal(recordGroup{Records: g.Records})
	if err != nil {
		return unavailable(err)
	}

	path := s.dataKey(approvalID)
	_, err = s.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"options": map[string]interface{}{"cas": cas},
		"data":    map[string]interface{}{"content": string(content)},
	})
	if err != nil {
		if isCASMismatch(err) {
			return fmt.Errorf("%w: approval %d changed concurrently", interfaces.ErrVersionConflict, approvalID)
		}
		s.log.Error("Failed to write to Vault", slog.String("path", path), "err", err)
		return unavailable(err)
	}

	s.log.Debug("Stored approval record group in Vault",
		slog.String("path", path),
		slog.Uint64("version", cas+1))
	return nil
}

func isCASMismatch(err error) bool {
	var respErr *api.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusBadRequest {
		return false
	}
	for _, e := range respErr.Errors {
		if strings.Contains(e, "check-and-set") {
			return true
		}
	}
	return false
}

func (s *VaultStore) Scan(ctx context.Context, filter interfaces.Filter, offset, limit int) ([]*interfaces.ApprovalRecord, error) {
	secret, err := s.client.Logical().ListWithContext(ctx, s.metadataDir())
	if err != nil {
		return nil, unavailable(err)
	}

	var all []*interfaces.ApprovalRecord
	if secret != nil && secret.Data != nil {
		keys, _ := secret.Data["keys"].([]interface{})
		for _, k := range keys {
			approvalID, err := strconv.ParseInt(fmt.Sprint(k), 10, 64)
			if err != nil {
				continue
			}
			g, err := s.read(ctx, approvalID)
			if err != nil {
				return nil, err
			}
			all = append(all, g.Records...)
		}
	}
	return scanRecords(all, filter, offset, limit), nil
}

// Available checks that Vault is initialized and unsealed.
func (s *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := s.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		s.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		s.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

func (s *VaultStore) Close() error { return nil }

// LocationURI returns the URI that identifies this store.
func (s *VaultStore) LocationURI() string {
	return s.locationURI
}
