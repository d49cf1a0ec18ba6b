// Package config loads the approval server configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ruteri/ca-approval-backend/auth"
	"github.com/ruteri/ca-approval-backend/kms"
	"github.com/ruteri/ca-approval-backend/policy"
	"gopkg.in/yaml.v3"
)

const (
	DefaultStoreURI = "sqlite://approvals.db"
	DefaultTTL      = 24 * time.Hour
)

type Config struct {
	StoreURI    string        `yaml:"store_uri"`
	ArchiveURIs []string      `yaml:"archive_uris"`
	DefaultTTL  time.Duration `yaml:"default_ttl"`

	Policy []policy.Rule `yaml:"policy"`

	// Authorization is disabled when no permissions are configured.
	Permissions []auth.Permission `yaml:"permissions"`
	Bindings    []auth.Binding    `yaml:"bindings"`

	// PayloadKeyFile holds the key sealing secret payload fields at rest.
	// It is created on first start when missing.
	PayloadKeyFile string `yaml:"payload_key_file"`

	Kafka    KafkaConfig     `yaml:"kafka"`
	Escrow   *EscrowConfig   `yaml:"escrow"`
	CATokens []CATokenConfig `yaml:"ca_tokens"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// EscrowConfig sets up key escrow. StateFile keeps the sealed escrow across
// restarts; SharesDir receives one share file per custodian when the escrow
// is first created.
type EscrowConfig struct {
	kms.EscrowConfig `yaml:",inline"`
	StateFile        string `yaml:"state_file"`
	SharesDir        string `yaml:"shares_dir"`
}

// CATokenConfig describes a CA signing token. The activation code is read
// from the named environment variable.
type CATokenConfig struct {
	CAID              int32         `yaml:"ca_id"`
	CommonName        string        `yaml:"common_name"`
	ActivationCodeEnv string        `yaml:"activation_code_env"`
	Validity          time.Duration `yaml:"validity"`
}

// ActivationCode resolves the configured activation code.
func (c CATokenConfig) ActivationCode() ([]byte, error) {
	code := os.Getenv(c.ActivationCodeEnv)
	if code == "" {
		return nil, fmt.Errorf("activation code for CA %d not set in $%s", c.CAID, c.ActivationCodeEnv)
	}
	return []byte(code), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{StoreURI: DefaultStoreURI, DefaultTTL: DefaultTTL}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration, applying defaults for unset fields.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.StoreURI == "" {
		return errors.New("store_uri must not be empty")
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("default_ttl must be positive, got %s", c.DefaultTTL)
	}
	if _, err := policy.NewStaticGate(c.Policy); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	if len(c.Bindings) > 0 && len(c.Permissions) == 0 {
		return errors.New("role bindings configured without permissions")
	}
	if c.Escrow != nil {
		if c.Escrow.Threshold < 2 || c.Escrow.Threshold > len(c.Escrow.Custodians) {
			return fmt.Errorf("escrow threshold %d invalid for %d custodians", c.Escrow.Threshold, len(c.Escrow.Custodians))
		}
		if c.Escrow.StateFile == "" {
			return errors.New("escrow state_file must be set")
		}
	}
	seen := make(map[int32]bool)
	for _, t := range c.CATokens {
		if t.CAID == 0 {
			return errors.New("ca token without ca_id")
		}
		if seen[t.CAID] {
			return fmt.Errorf("duplicate ca token for CA %d", t.CAID)
		}
		seen[t.CAID] = true
		if t.ActivationCodeEnv == "" {
			return fmt.Errorf("ca token %d needs activation_code_env", t.CAID)
		}
	}
	return nil
}

// EphemeralStore reports whether approvals are lost when the server stops.
func (c *Config) EphemeralStore() bool {
	return strings.HasPrefix(c.StoreURI, "memory:")
}

// AuthorizationEnabled reports whether RBAC is configured.
func (c *Config) AuthorizationEnabled() bool {
	return len(c.Permissions) > 0
}
