package main

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/spf13/cobra"

	"github.com/cuemby/kepler/internal/bucket"
	"github.com/cuemby/kepler/internal/checkpoint"
	"github.com/cuemby/kepler/internal/config"
	"github.com/cuemby/kepler/internal/docstore"
	"github.com/cuemby/kepler/internal/elog"
	"github.com/cuemby/kepler/internal/failover"
	"github.com/cuemby/kepler/internal/index"
	"github.com/cuemby/kepler/internal/key"
	"github.com/cuemby/kepler/internal/membudget"
	"github.com/cuemby/kepler/internal/partition"
)

// systemEventKeyPrefix mirrors internal/flusher's reserved key prefix
// for persisted collection-lifecycle markers. Those records carry no
// recoverable event kind (only a revision string), so warmEachPartition
// recognizes and skips them rather than reinstating them as ordinary
// documents; rebuilding VBManifest state across a restart is left to a
// future warm-start pass over a richer system-event encoding.
var systemEventKeyPrefix = []byte{0x00, 's', 'y', 's', ':'}

func isSystemEventKey(k []byte) bool {
	if len(k) < len(systemEventKeyPrefix) {
		return false
	}
	for i, b := range systemEventKeyPrefix {
		if k[i] != b {
			return false
		}
	}
	return true
}

// loadConfig resolves the --config flag against a cobra command,
// falling back to config.Default() when no path was given.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// openStores opens (creating if absent) one BoltStore per partition
// under cfg.DataDir/documents, keyed by vbid.
func openStores(cfg config.Config) (map[uint16]docstore.DocStore, error) {
	dir := filepath.Join(cfg.DataDir, "documents")
	stores := make(map[uint16]docstore.DocStore, cfg.NumPartitions)
	for i := uint16(0); i < cfg.NumPartitions; i++ {
		store, err := docstore.OpenBolt(dir, i)
		if err != nil {
			return nil, fmt.Errorf("keplerd: open document store for vbid %d: %w", i, err)
		}
		stores[i] = store
	}
	return stores, nil
}

func closeStores(stores map[uint16]docstore.DocStore) {
	for vbid, store := range stores {
		if err := store.Close(); err != nil {
			elog.WithComponent("keplerd").Warn().Err(err).Uint16("vbid", vbid).Msg("document store close failed")
		}
	}
}

// openFailoverTables opens one raft-boltdb-backed LogStore per
// partition under cfg.DataDir/failover and wraps each in a
// failover.Table, the only consumer of the otherwise-unexercised
// hashicorp/raft-boltdb dependency in this binary.
func openFailoverTables(cfg config.Config) (map[uint16]*failover.Table, error) {
	dir := filepath.Join(cfg.DataDir, "failover")
	tables := make(map[uint16]*failover.Table, cfg.NumPartitions)
	for i := uint16(0); i < cfg.NumPartitions; i++ {
		path := filepath.Join(dir, fmt.Sprintf("vb-%d.db", i))
		store, err := raftboltdb.NewBoltStore(path)
		if err != nil {
			return nil, fmt.Errorf("keplerd: open failover log for vbid %d: %w", i, err)
		}
		table, err := failover.Open(store)
		if err != nil {
			return nil, fmt.Errorf("keplerd: load failover table for vbid %d: %w", i, err)
		}
		tables[i] = table
	}
	return tables, nil
}

// buildBucket constructs a Bucket sized per cfg, sharing one memory
// budget across every partition's hash table.
func buildBucket(cfg config.Config) (*bucket.Bucket, *membudget.Budget) {
	budget := membudget.New(int64(cfg.MaxDataSizeBytes))
	b := bucket.New(bucket.Config{
		NumPartitions: int(cfg.NumPartitions),
		MemoryBudget:  budget,
		CheckpointLimits: checkpoint.Limits{
			MaxItems: cfg.CheckpointMaxItems,
			MaxBytes: cfg.CheckpointMaxBytes,
		},
		BloomFalsePositive:  cfg.BloomFalsePositiveRate,
		HLCAheadThreshold:   cfg.HLCDriftAheadThreshold,
		HLCBehindThreshold:  cfg.HLCDriftBehindThreshold,
		CollectionSeparator: cfg.CollectionSeparator,
	})
	return b, budget
}

// activateAll transitions every partition in b to active, the state a
// freshly started single-node deployment serves client and DCP
// producer traffic from.
func activateAll(b *bucket.Bucket) error {
	for i := 0; i < b.NumPartitions(); i++ {
		if err := b.Partition(uint16(i)).SetState(partition.StateActive); err != nil {
			return fmt.Errorf("keplerd: activate vbid %d: %w", i, err)
		}
	}
	return nil
}

// warmEachPartition replays a partition's persisted documents back into
// its hash table on startup, so a restart does not present an empty
// dataset until the next access touches disk. Grounded on
// docstore.BoltStore.ScanBySeqno (already used by the DCP producer's
// backfill phase to read the same store in seqno order) and
// index.HashTable.Set, the same "reinstate a disk copy" entry point
// internal/dcp/consumer's rollback path uses.
func warmEachPartition(ctx context.Context, b *bucket.Bucket, stores map[uint16]docstore.DocStore) error {
	for i := 0; i < b.NumPartitions(); i++ {
		vbid := uint16(i)
		store := stores[vbid]
		p := b.Partition(vbid)
		var lastSeqno int64
		err := store.ScanBySeqno(ctx, 0, math.MaxInt64, func(rec docstore.Record) bool {
			if isSystemEventKey(rec.Key) {
				return true
			}
			sv := &index.StoredValue{
				Key: key.New(key.DefaultCollection, rec.Key), Value: rec.Value, Cas: rec.Meta.Cas, BySeqno: rec.BySeqno,
				RevSeqno: rec.RevSeqno, Flags: rec.Meta.Flags, Exptime: rec.Meta.Exptime,
				Datatype: rec.Meta.Datatype, CRMode: rec.Meta.CRMode, Deleted: rec.Deleted,
			}
			p.HT.Set(sv, true)
			sv.MarkClean()
			if rec.BySeqno > lastSeqno {
				lastSeqno = rec.BySeqno
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("keplerd: warm vbid %d: %w", vbid, err)
		}
		if lastSeqno > 0 {
			p.Checkpoints.Reset(lastSeqno)
		}
	}
	return nil
}
