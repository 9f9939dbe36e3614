package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zde37/tessera/internal/affinity"
	"github.com/zde37/tessera/internal/tx"
)

// Config holds all configuration for a grid node
type Config struct {
	// Node identification
	NodeID string `yaml:"node_id"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`

	// Host grouping key for neighbour exclusion (MAC addresses of the machine)
	MACs string            `yaml:"macs"`
	Rack string            `yaml:"rack"`
	Tags map[string]string `yaml:"tags"`

	// HTTP API
	HTTPPort int `yaml:"http_port"`

	// Bootstrap
	BootstrapNodes []string `yaml:"bootstrap_nodes"`

	// Authentication
	AuthToken string `yaml:"auth_token"` // Shared secret for node authentication

	// Affinity parameters
	Partitions       int    `yaml:"partitions"`        // Number of key partitions
	Backups          int    `yaml:"backups"`           // Backups per partition
	ExcludeNeighbors bool   `yaml:"exclude_neighbors"` // Keep same-host nodes apart
	HashResolver     string `yaml:"hash_resolver"`     // address, node-id
	BackupRackFilter bool   `yaml:"backup_rack_filter"`

	// Locking and transactions
	LockTimeout        time.Duration `yaml:"lock_timeout"`
	DefaultConcurrency string        `yaml:"default_concurrency"` // pessimistic, optimistic
	DefaultIsolation   string        `yaml:"default_isolation"`   // read_committed, repeatable_read, serializable
	TxTimeout          time.Duration `yaml:"tx_timeout"`

	// Entry store
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	EntryTTL        time.Duration `yaml:"entry_ttl"`
	StoreShards     int           `yaml:"store_shards"`

	RPCTimeout time.Duration `yaml:"rpc_timeout"` // Timeout for RPC calls

	// Logging
	LogLevel  string `yaml:"log_level"`  // trace, debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console
	LogFile   string `yaml:"log_file"`   // Rotated log file; empty disables file output
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:               "127.0.0.1",
		Port:               8440,
		HTTPPort:           8080,
		Partitions:         affinity.DefaultPartitions,
		Backups:            1,
		HashResolver:       affinity.KindAddressResolver,
		LockTimeout:        5 * time.Second,
		DefaultConcurrency: "pessimistic",
		DefaultIsolation:   "repeatable_read",
		TxTimeout:          30 * time.Second,
		CleanupInterval:    time.Minute,
		StoreShards:        32,
		RPCTimeout:         5 * time.Second,
		LogLevel:           "info",
		LogFormat:          "console",
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.Partitions <= 0 {
		return fmt.Errorf("partitions must be positive, got %d", c.Partitions)
	}
	if c.Backups < 0 {
		return fmt.Errorf("backups cannot be negative, got %d", c.Backups)
	}
	if _, err := affinity.ResolverByName(c.HashResolver); err != nil {
		return err
	}
	if _, err := tx.ParseConcurrency(c.DefaultConcurrency); err != nil {
		return err
	}
	if _, err := tx.ParseIsolation(c.DefaultIsolation); err != nil {
		return err
	}
	if c.LockTimeout < 0 || c.TxTimeout < 0 || c.EntryTTL < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	if c.StoreShards < 0 {
		return fmt.Errorf("store shards cannot be negative, got %d", c.StoreShards)
	}
	return nil
}

// Concurrency returns the parsed default concurrency mode.
func (c *Config) Concurrency() tx.Concurrency {
	v, _ := tx.ParseConcurrency(c.DefaultConcurrency)
	return v
}

// Isolation returns the parsed default isolation level.
func (c *Config) Isolation() tx.Isolation {
	v, _ := tx.ParseIsolation(c.DefaultIsolation)
	return v
}
