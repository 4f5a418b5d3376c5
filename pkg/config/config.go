// Package config handles RuneDB configuration via environment variables
// and an optional YAML file.
//
// Environment variables are the primary source so deployments can run the
// binary unchanged across environments. A YAML file, when given, provides
// the same settings for checked-in configuration; environment variables
// win over the file.
//
// Example Usage:
//
//	cfg, err := config.Load("runedb.yaml")
//	if err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
//	fmt.Printf("durability dir: %s, worker id: %d\n",
//		cfg.Durability.DataDir, cfg.Storage.WorkerID)
//
// Environment Variables:
//   - RUNEDB_DATA_DIR="./data"
//   - RUNEDB_WORKER_ID=0
//   - RUNEDB_WAL_SYNC_MODE="batch" ("immediate", "batch", "none")
//   - RUNEDB_WAL_BATCH_SYNC_INTERVAL=100ms
//   - RUNEDB_WAL_MAX_SEGMENT_SIZE=67108864
//   - RUNEDB_WAL_MAX_SEGMENT_ENTRIES=100000
//   - RUNEDB_SNAPSHOT_INTERVAL=1h
//   - RUNEDB_SNAPSHOT_RETENTION=3
//   - RUNEDB_GC_INTERVAL=30s
//   - RUNEDB_WAL_ENABLED=true
//   - RUNEDB_SNAPSHOT_ON_EXIT=false
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all RuneDB configuration.
type Config struct {
	Durability DurabilityConfig `yaml:"durability"`
	Storage    StorageConfig    `yaml:"storage"`
	Features   FeaturesConfig   `yaml:"features"`
}

// DurabilityConfig holds WAL and snapshot settings.
type DurabilityConfig struct {
	// DataDir is the root of the durability layout (snapshots/ and wal/).
	DataDir string `yaml:"data_dir"`
	// SyncMode is one of "immediate", "batch", "none".
	SyncMode string `yaml:"sync_mode"`
	// BatchSyncInterval applies in "batch" sync mode.
	BatchSyncInterval time.Duration `yaml:"batch_sync_interval"`
	// MaxSegmentSize rotates the WAL segment when exceeded, in bytes.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
	// MaxSegmentEntries rotates the WAL segment when exceeded.
	MaxSegmentEntries int64 `yaml:"max_segment_entries"`
	// SnapshotInterval between periodic snapshots. Zero disables them.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	// SnapshotRetention is how many snapshot files to keep.
	SnapshotRetention int `yaml:"snapshot_retention"`
}

// StorageConfig holds storage engine settings.
type StorageConfig struct {
	// WorkerID is packed into the low bits of every generated gid.
	WorkerID int `yaml:"worker_id"`
	// GCInterval between garbage collection runs. Zero disables the
	// background collector.
	GCInterval time.Duration `yaml:"gc_interval"`
}

// FeaturesConfig holds feature toggles.
type FeaturesConfig struct {
	WALEnabled     bool `yaml:"wal_enabled"`
	SnapshotOnExit bool `yaml:"snapshot_on_exit"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Durability: DurabilityConfig{
			DataDir:           "./data",
			SyncMode:          "batch",
			BatchSyncInterval: 100 * time.Millisecond,
			MaxSegmentSize:    64 * 1024 * 1024,
			MaxSegmentEntries: 100000,
			SnapshotInterval:  time.Hour,
			SnapshotRetention: 3,
		},
		Storage: StorageConfig{
			WorkerID:   0,
			GCInterval: 30 * time.Second,
		},
		Features: FeaturesConfig{
			WALEnabled:     true,
			SnapshotOnExit: false,
		},
	}
}

// Load builds a Config from defaults, then the YAML file (if path is
// non-empty), then environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds a Config from defaults and environment variables only.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RUNEDB_DATA_DIR"); v != "" {
		c.Durability.DataDir = v
	}
	if v := os.Getenv("RUNEDB_WAL_SYNC_MODE"); v != "" {
		c.Durability.SyncMode = v
	}
	if d, ok := envDuration("RUNEDB_WAL_BATCH_SYNC_INTERVAL"); ok {
		c.Durability.BatchSyncInterval = d
	}
	if n, ok := envInt64("RUNEDB_WAL_MAX_SEGMENT_SIZE"); ok {
		c.Durability.MaxSegmentSize = n
	}
	if n, ok := envInt64("RUNEDB_WAL_MAX_SEGMENT_ENTRIES"); ok {
		c.Durability.MaxSegmentEntries = n
	}
	if d, ok := envDuration("RUNEDB_SNAPSHOT_INTERVAL"); ok {
		c.Durability.SnapshotInterval = d
	}
	if n, ok := envInt64("RUNEDB_SNAPSHOT_RETENTION"); ok {
		c.Durability.SnapshotRetention = int(n)
	}
	if n, ok := envInt64("RUNEDB_WORKER_ID"); ok {
		c.Storage.WorkerID = int(n)
	}
	if d, ok := envDuration("RUNEDB_GC_INTERVAL"); ok {
		c.Storage.GCInterval = d
	}
	if b, ok := envBool("RUNEDB_WAL_ENABLED"); ok {
		c.Features.WALEnabled = b
	}
	if b, ok := envBool("RUNEDB_SNAPSHOT_ON_EXIT"); ok {
		c.Features.SnapshotOnExit = b
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Durability.SyncMode {
	case "immediate", "batch", "none":
	default:
		return fmt.Errorf("config: invalid sync mode %q", c.Durability.SyncMode)
	}
	if c.Durability.MaxSegmentSize <= 0 {
		return fmt.Errorf("config: max segment size must be positive")
	}
	if c.Durability.MaxSegmentEntries <= 0 {
		return fmt.Errorf("config: max segment entries must be positive")
	}
	if c.Durability.SnapshotRetention < 1 {
		return fmt.Errorf("config: snapshot retention must be at least 1")
	}
	if c.Storage.WorkerID < 0 || c.Storage.WorkerID > 1023 {
		return fmt.Errorf("config: worker id %d outside [0, 1023]", c.Storage.WorkerID)
	}
	return nil
}

// UnmarshalYAML fills the section from a YAML mapping, leaving fields
// absent from the file at their current (default) values. Durations are
// written as Go duration strings ("100ms", "1h"); yaml.v3 has no native
// time.Duration support.
func (c *DurabilityConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		DataDir           *string `yaml:"data_dir"`
		SyncMode          *string `yaml:"sync_mode"`
		BatchSyncInterval *string `yaml:"batch_sync_interval"`
		MaxSegmentSize    *int64  `yaml:"max_segment_size"`
		MaxSegmentEntries *int64  `yaml:"max_segment_entries"`
		SnapshotInterval  *string `yaml:"snapshot_interval"`
		SnapshotRetention *int    `yaml:"snapshot_retention"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.DataDir != nil {
		c.DataDir = *raw.DataDir
	}
	if raw.SyncMode != nil {
		c.SyncMode = *raw.SyncMode
	}
	if raw.BatchSyncInterval != nil {
		d, err := time.ParseDuration(*raw.BatchSyncInterval)
		if err != nil {
			return fmt.Errorf("config: batch_sync_interval: %w", err)
		}
		c.BatchSyncInterval = d
	}
	if raw.MaxSegmentSize != nil {
		c.MaxSegmentSize = *raw.MaxSegmentSize
	}
	if raw.MaxSegmentEntries != nil {
		c.MaxSegmentEntries = *raw.MaxSegmentEntries
	}
	if raw.SnapshotInterval != nil {
		d, err := time.ParseDuration(*raw.SnapshotInterval)
		if err != nil {
			return fmt.Errorf("config: snapshot_interval: %w", err)
		}
		c.SnapshotInterval = d
	}
	if raw.SnapshotRetention != nil {
		c.SnapshotRetention = *raw.SnapshotRetention
	}
	return nil
}

// UnmarshalYAML fills the section, leaving absent fields at defaults.
func (c *StorageConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		WorkerID   *int    `yaml:"worker_id"`
		GCInterval *string `yaml:"gc_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.WorkerID != nil {
		c.WorkerID = *raw.WorkerID
	}
	if raw.GCInterval != nil {
		d, err := time.ParseDuration(*raw.GCInterval)
		if err != nil {
			return fmt.Errorf("config: gc_interval: %w", err)
		}
		c.GCInterval = d
	}
	return nil
}

// UnmarshalYAML fills the section, leaving absent fields at defaults.
func (c *FeaturesConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		WALEnabled     *bool `yaml:"wal_enabled"`
		SnapshotOnExit *bool `yaml:"snapshot_on_exit"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.WALEnabled != nil {
		c.WALEnabled = *raw.WALEnabled
	}
	if raw.SnapshotOnExit != nil {
		c.SnapshotOnExit = *raw.SnapshotOnExit
	}
	return nil
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
