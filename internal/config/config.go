// Package config holds the engine's tunables. Loading a file from disk is
// deliberately thin: the core engine treats "where configuration comes
// from" as an external collaborator's problem and only needs a populated
// Config value to start.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full set of engine tunables.
type Config struct {
	// NumPartitions is the number of vbuckets the bucket shards across
	// (default 1024).
	NumPartitions uint16 `yaml:"numPartitions"`

	// MaxDataSizeBytes is the memory budget the hash table's admission
	// checks are computed against.
	MaxDataSizeBytes uint64 `yaml:"maxDataSizeBytes"`

	// MutationMemThreshold is the fraction of MaxDataSizeBytes above
	// which a client mutation is rejected with tmpfail (default 0.9, the
	// value named in ).
	MutationMemThreshold float64 `yaml:"mutationMemThreshold"`

	// ReplicationMemThreshold is the equivalent threshold applied to
	// replicated (setWithMeta) writes — looser than the client threshold
	// so replica ingest can catch up past the point client writes stall.
	ReplicationMemThreshold float64 `yaml:"replicationMemThreshold"`

	// EvictionMemThreshold is the fraction of MaxDataSizeBytes above
	// which the item pager starts evicting.
	EvictionMemThreshold float64 `yaml:"evictionMemThreshold"`

	// CheckpointMaxItems and CheckpointMaxBytes force a checkpoint
	// boundary when exceeded.
	CheckpointMaxItems int `yaml:"checkpointMaxItems"`
	CheckpointMaxBytes int `yaml:"checkpointMaxBytes"`

	// CollectionSeparator is the default separator used to split a
	// Collections-namespace key into (collection, rest). 1-250 bytes.
	CollectionSeparator string `yaml:"collectionSeparator"`

	// HLCDriftAheadThreshold and HLCDriftBehindThreshold bound how far a
	// peer's HLC may diverge before being counted as an exception.
	HLCDriftAheadThreshold  uint64 `yaml:"hlcDriftAheadThreshold"`
	HLCDriftBehindThreshold uint64 `yaml:"hlcDriftBehindThreshold"`

	// SchedulerLaneSize is the worker-thread count per scheduler lane.
	SchedulerLaneSize map[string]int `yaml:"schedulerLaneSize"`

	// FlushBatchSize caps how many queued items flushOne drains per wake.
	FlushBatchSize int `yaml:"flushBatchSize"`

	// BloomFalsePositiveRate is the target FP rate for each partition's
	// bloom filter.
	BloomFalsePositiveRate float64 `yaml:"bloomFalsePositiveRate"`

	// AccessScannerResidentRatio is the resident-ratio threshold below
	// which the access scanner runs.
	AccessScannerResidentRatio float64 `yaml:"accessScannerResidentRatio"`

	// NoopIntervalSeconds bounds replication stream keepalive.
	NoopIntervalSeconds int `yaml:"noopIntervalSeconds"`

	// BufferLogMaxBytes is the per-connection DCP flow-control budget.
	BufferLogMaxBytes int `yaml:"bufferLogMaxBytes"`

	// DataDir is where the bbolt-backed document store and the
	// raft-boltdb-backed failover log are rooted.
	DataDir string `yaml:"dataDir"`
}

// Default returns a Config populated with the engine's defaults.
func Default() Config {
	return Config{
		NumPartitions:              1024,
		MaxDataSizeBytes:           1 << 30,
		MutationMemThreshold:       0.9,
		ReplicationMemThreshold:    0.95,
		EvictionMemThreshold:       0.93,
		CheckpointMaxItems:         10000,
		CheckpointMaxBytes:         40 * 1024 * 1024,
		CollectionSeparator:        "::",
		HLCDriftAheadThreshold:     5_000_000,
		HLCDriftBehindThreshold:    5_000_000,
		SchedulerLaneSize:          map[string]int{"reader": 4, "writer": 4, "aux-io": 2, "non-io": 2},
		FlushBatchSize:             4000,
		BloomFalsePositiveRate:     0.01,
		AccessScannerResidentRatio: 0.9,
		NoopIntervalSeconds:        180,
		BufferLogMaxBytes:          10 * 1024 * 1024,
		DataDir:                    "./data",
	}
}

// Load reads a YAML file from path and overlays it on top of Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
