// Package testutil collects the small fixtures every other internal
// package's tests otherwise re-declare on their own: an unlimited
// memory budget, a routed bucket wired up and activated, and a
// temp-dir-backed BoltStore per partition.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/kepler/internal/bucket"
	"github.com/cuemby/kepler/internal/docstore"
	"github.com/cuemby/kepler/internal/membudget"
	"github.com/cuemby/kepler/internal/partition"
)

// NewBucket builds a Bucket with numPartitions partitions, an
// unlimited memory budget, and every partition already transitioned to
// active, the state almost every test needs before it can Set/Get.
func NewBucket(t *testing.T, numPartitions int) *bucket.Bucket {
	t.Helper()
	b := bucket.New(bucket.Config{
		NumPartitions: numPartitions,
		MemoryBudget:  membudget.New(0),
	})
	for i := 0; i < b.NumPartitions(); i++ {
		require.NoError(t, b.Partition(uint16(i)).SetState(partition.StateActive))
	}
	return b
}

// NewBoltStores opens one BoltStore per partition under a fresh
// t.TempDir(), keyed by vbid, and registers their Close with
// t.Cleanup. Callers typically hand these to flusher.New or a DCP
// backfill/rollback test directly.
func NewBoltStores(t *testing.T, numPartitions int) map[uint16]docstore.DocStore {
	t.Helper()
	dir := t.TempDir()
	stores := make(map[uint16]docstore.DocStore, numPartitions)
	for i := 0; i < numPartitions; i++ {
		vbid := uint16(i)
		store, err := docstore.OpenBolt(dir, vbid)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		stores[vbid] = store
	}
	return stores
}
