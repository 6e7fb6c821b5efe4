// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package config holds the typed engine configuration. The on-disk form
// is a YAML file in the spirit of cassandra.yaml; every knob the storage
// engine reads lives here so the db package never parses files itself.
package config

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Config is the engine configuration for one node. The zero value is not
// usable; start from Default().
type Config struct {
	ClusterName string `yaml:"cluster_name"`

	// DataFileDirectories lists the directories holding keyspace data
	// dirs. The first entry is where new sstables are written.
	DataFileDirectories []string `yaml:"data_file_directories"`
	CommitLogDirectory  string   `yaml:"commitlog_directory"`

	// ShardCount is the number of per-core execution domains the dataset
	// is split into. 0 means one shard per CPU.
	ShardCount int `yaml:"shard_count"`

	MemtableTotalSpaceInMB     int `yaml:"memtable_total_space_in_mb"`
	BatchSizeWarnThresholdInKB int `yaml:"batch_size_warn_threshold_in_kb"`
	ReadRequestTimeoutInMs     int `yaml:"read_request_timeout_in_ms"`
	MaxCachedPartitionSizeInKB int `yaml:"max_cached_partition_size_in_kb"`

	EnableCommitlog         bool `yaml:"enable_commitlog"`
	EnableCache             bool `yaml:"enable_cache"`
	EnableInMemoryDataStore bool `yaml:"enable_in_memory_data_store"`
	IncrementalBackups      bool `yaml:"incremental_backups"`
	AutoSnapshot            bool `yaml:"auto_snapshot"`

	// Reader concurrency restriction. Zero MaxConcurrentReads disables
	// the semaphore.
	MaxConcurrentReads   int `yaml:"max_concurrent_reads"`
	MaxReaderQueueLength int `yaml:"max_reader_queue_length"`

	MinCompactionThreshold int `yaml:"min_compaction_threshold"`
	MaxCompactionThreshold int `yaml:"max_compaction_threshold"`

	// SSTableFormat and SSTableVersion name the on-disk format new
	// sstables are written in.
	SSTableFormat  string `yaml:"sstable_format"`
	SSTableVersion string `yaml:"sstable_version"`

	// StreamingSealDelayInMs bounds how long a delayed streaming seal may
	// coalesce incoming mutations before flushing.
	StreamingSealDelayInMs int `yaml:"streaming_seal_delay_in_ms"`
}

// Default returns the configuration used when no yaml file is given.
func Default() *Config {
	return &Config{
		ClusterName:                "Test Cluster",
		DataFileDirectories:        []string{"data"},
		CommitLogDirectory:         "commitlog",
		ShardCount:                 runtime.NumCPU(),
		MemtableTotalSpaceInMB:     64,
		BatchSizeWarnThresholdInKB: 64,
		ReadRequestTimeoutInMs:     5000,
		MaxCachedPartitionSizeInKB: 1024,
		EnableCommitlog:            true,
		EnableCache:                true,
		IncrementalBackups:         false,
		AutoSnapshot:               true,
		MaxConcurrentReads:         32,
		MaxReaderQueueLength:       128,
		MinCompactionThreshold:     4,
		MaxCompactionThreshold:     32,
		SSTableFormat:              "big",
		SSTableVersion:             "ka",
		StreamingSealDelayInMs:     2000,
	}
}

// Load reads a yaml configuration file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.DataFileDirectories) == 0 {
		return errors.New("config: data_file_directories must not be empty")
	}
	if c.ShardCount < 0 {
		return errors.New("config: shard_count must be >= 0")
	}
	if c.MemtableTotalSpaceInMB <= 0 {
		return errors.New("config: memtable_total_space_in_mb must be > 0")
	}
	if c.MinCompactionThreshold < 2 {
		return errors.New("config: min_compaction_threshold must be >= 2")
	}
	if c.MaxCompactionThreshold < c.MinCompactionThreshold {
		return errors.New("config: max_compaction_threshold below min_compaction_threshold")
	}
	return nil
}

// Shards resolves ShardCount, applying the one-per-CPU default.
func (c *Config) Shards() int {
	if c.ShardCount > 0 {
		return c.ShardCount
	}
	return runtime.NumCPU()
}

// MemtableSpacePerShard is each shard's slice of the global memtable
// budget, in bytes.
func (c *Config) MemtableSpacePerShard() int64 {
	return int64(c.MemtableTotalSpaceInMB) * 1024 * 1024 / int64(c.Shards())
}
