// Package config loads the node configuration file.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/apstic/recsync/internal/collision"
)

// Role distinguishes the single master from its children.
type Role string

const (
	RoleMaster Role = "master"
	RoleChild  Role = "child"
)

// Config is the full node configuration.
type Config struct {
	// Role is required: master or child.
	Role Role `yaml:"role"`

	// DBPath locates the sqlite file holding the transaction log and
	// node state.
	DBPath string `yaml:"db_path"`

	// MasterURL is the master's base URL. Required on children,
	// ignored on the master.
	MasterURL string `yaml:"master_url"`

	// APIKey and APISecret authenticate children against the master.
	// On the master they are the credentials the server accepts.
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`

	// Listen is the master's bind address.
	Listen string `yaml:"listen"`

	// BatchSize caps entries per sync call.
	BatchSize int `yaml:"batch_size"`

	// MaxAttempts is the transient-failure retry ceiling per entry.
	MaxAttempts int `yaml:"max_attempts"`

	// CollisionPolicy is rename or update_in_place.
	CollisionPolicy collision.Policy `yaml:"collision_policy"`

	// ExcludedTypes extends the built-in capture exclusion set.
	ExcludedTypes []string `yaml:"excluded_types"`

	// Types declares the record schemas this node stores: record type
	// to replicable-field allowlist.
	Types map[string][]string `yaml:"types"`
}

// Defaults applied by Load when the file leaves a field unset.
const (
	DefaultDBPath      = "recsync.db"
	DefaultListen      = ":8080"
	DefaultBatchSize   = 50
	DefaultMaxAttempts = 3
)

// Load reads and parses a config file. Unknown fields are rejected to
// catch typos. Returns an error for a missing file, malformed YAML, or
// a config that fails Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.CollisionPolicy == "" {
		c.CollisionPolicy = collision.PolicyRename
	}
}

// Validate checks role-dependent requirements.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleMaster:
		// Masters never dial out, so no master_url requirement.
	case RoleChild:
		if c.MasterURL == "" {
			return fmt.Errorf("master_url is required on a child node")
		}
	case "":
		return fmt.Errorf("role is required (master or child)")
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}

	if !collision.ValidPolicy(c.CollisionPolicy) {
		return fmt.Errorf("unknown collision_policy %q", c.CollisionPolicy)
	}
	return nil
}

// IsMaster reports whether this node is the master.
func (c *Config) IsMaster() bool {
	return c.Role == RoleMaster
}
