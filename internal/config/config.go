// Package config loads server configuration from an optional YAML file with
// command-line flag overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tmackey/stratum/internal/storage"
)

// Config is the full server configuration.
type Config struct {
	Port        int    `yaml:"port"`
	DataDir     string `yaml:"data_dir"`
	MetricsPort int    `yaml:"metrics_port"` // 0 disables the /metrics endpoint

	Engine EngineConfig `yaml:"engine"`
}

// EngineConfig mirrors the storage engine tunables.
type EngineConfig struct {
	MemTableMaxBytes     int64   `yaml:"memtable_max_bytes"`
	NumLevels            int     `yaml:"num_levels"`
	L0CompactionTrigger  int     `yaml:"l0_compaction_trigger"`
	LevelBaseTargetBytes uint64  `yaml:"level_base_target_bytes"`
	LevelSizeRatio       uint64  `yaml:"level_size_ratio"`
	SSTableTargetBytes   uint64  `yaml:"sstable_target_bytes"`
	BlockEntries         int     `yaml:"block_entries"`
	BloomFPRate          float64 `yaml:"bloom_fp_rate"`
	WALSync              string  `yaml:"wal_sync"` // none | batch | always
}

// Default returns the built-in defaults.
func Default() Config {
	e := storage.DefaultConfig()
	return Config{
		Port:        8080,
		DataDir:     "./data",
		MetricsPort: 0,
		Engine: EngineConfig{
			MemTableMaxBytes:     e.MemTableMaxBytes,
			NumLevels:            e.NumLevels,
			L0CompactionTrigger:  e.L0CompactionTrigger,
			LevelBaseTargetBytes: e.LevelBaseTargetBytes,
			LevelSizeRatio:       e.LevelSizeRatio,
			SSTableTargetBytes:   e.SSTableTargetBytes,
			BlockEntries:         e.BlockEntries,
			BloomFPRate:          e.BloomFPRate,
			WALSync:              "batch",
		},
	}
}

// Load reads path into the defaults. An empty path returns the defaults
// unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// EngineConfig converts the YAML form into the storage package's config.
func (c Config) EngineConfig() (storage.Config, error) {
	out := storage.DefaultConfig()
	out.MemTableMaxBytes = c.Engine.MemTableMaxBytes
	out.NumLevels = c.Engine.NumLevels
	out.L0CompactionTrigger = c.Engine.L0CompactionTrigger
	out.LevelBaseTargetBytes = c.Engine.LevelBaseTargetBytes
	out.LevelSizeRatio = c.Engine.LevelSizeRatio
	out.SSTableTargetBytes = c.Engine.SSTableTargetBytes
	out.BlockEntries = c.Engine.BlockEntries
	out.BloomFPRate = c.Engine.BloomFPRate
	out.CompactionPollInterval = time.Second

	switch c.Engine.WALSync {
	case "", "batch":
		out.WALSyncMode = storage.SyncBatch
	case "none":
		out.WALSyncMode = storage.SyncNone
	case "always":
		out.WALSyncMode = storage.SyncAlways
	default:
		return out, fmt.Errorf("unknown wal_sync mode %q", c.Engine.WALSync)
	}

	if out.NumLevels < 2 {
		return out, fmt.Errorf("num_levels must be at least 2")
	}
	if out.BlockEntries < 1 {
		return out, fmt.Errorf("block_entries must be positive")
	}
	return out, nil
}
