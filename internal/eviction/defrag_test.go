package eviction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kepler/internal/bucket"
	"github.com/cuemby/kepler/internal/partition"
)

func TestDefragmenter_ResizesPartitionsBelowLoadFactorThreshold(t *testing.T) {
	b := newActiveBucket(t, 1, false)

	// Insert enough keys to force a resize up, then delete most of them
	// so the chain array is oversized relative to what's left: a low
	// load factor, the fragmentation proxy this task acts on.
	for i := 0; i < 40; i++ {
		_, err := b.Set(k(string(rune('a'+i%26))+string(rune('A'+i/26))), []byte("v"), 0, 0, 0)
		require.NoError(t, err)
	}
	require.True(t, b.Partition(0).HT.Resize())

	for i := 0; i < 38; i++ {
		b.Partition(0).HT.Unlink(k(string(rune('a'+i%26)) + string(rune('A'+i/26))))
	}

	before := b.Partition(0).HT.LoadFactor()
	require.Less(t, before, defragLoadFactorThreshold)

	def := NewDefragmenter("defrag", b, time.Minute)
	runAgain, sleep := def.Run(context.Background())
	assert.True(t, runAgain)
	assert.Equal(t, time.Minute, sleep)

	after := b.Partition(0).HT.LoadFactor()
	assert.GreaterOrEqual(t, after, before, "resize should shrink the table toward the live item count, raising load factor")
}

func TestDefragmenter_SkipsPartitionsAtHealthyLoadFactor(t *testing.T) {
	b := bucket.New(bucket.Config{NumPartitions: 1, InitialHTCapacity: 3, MemoryBudget: unlimitedBudget{}})
	require.NoError(t, b.Partition(0).SetState(partition.StateActive))
	_, err := b.Set(k("a"), []byte("v"), 0, 0, 0)
	require.NoError(t, err)

	before := b.Partition(0).HT.LoadFactor()
	require.GreaterOrEqual(t, before, defragLoadFactorThreshold)

	def := NewDefragmenter("defrag", b, time.Minute)
	def.Run(context.Background())

	after := b.Partition(0).HT.LoadFactor()
	assert.Equal(t, before, after, "a partition already at a healthy load factor should be left untouched")

	sv := b.Partition(0).HT.Find(k("a"))
	require.NotNil(t, sv)
	assert.Equal(t, []byte("v"), sv.Value)
}
