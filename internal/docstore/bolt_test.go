package docstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kepler/internal/index"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := OpenBolt(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStore_PutCommitThenGet(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	batch := store.NewBatch()
	rec := Record{
		Key:     []byte("widgets::a"),
		Value:   []byte("hello"),
		Meta:    Metadata{Cas: 1, Flags: 7, Datatype: index.DatatypeJSON, CRMode: index.ConflictResLWW},
		BySeqno: 1,
	}
	require.NoError(t, store.Put(batch, rec))
	require.NoError(t, store.Commit(ctx, batch, 1))

	got, err := store.Get(ctx, []byte("widgets::a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Value)
	assert.Equal(t, uint64(1), got.Meta.Cas)
	assert.Equal(t, index.DatatypeJSON, got.Meta.Datatype)
	assert.Equal(t, index.ConflictResLWW, got.Meta.CRMode)

	lastSeqno, err := store.LastPersistedSeqno(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lastSeqno)
}

func TestBoltStore_GetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_, err := store.Get(ctx, []byte("ghost"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_DeleteWritesTombstone(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	batch := store.NewBatch()
	require.NoError(t, store.Put(batch, Record{Key: []byte("a"), Value: []byte("v"), BySeqno: 1}))
	require.NoError(t, store.Commit(ctx, batch, 1))

	batch = store.NewBatch()
	require.NoError(t, store.Delete(batch, []byte("a"), Record{BySeqno: 2, RevSeqno: 2}))
	require.NoError(t, store.Commit(ctx, batch, 2))

	got, err := store.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Nil(t, got.Value)
}

func TestBoltStore_ScanBySeqnoOrdersAscending(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	batch := store.NewBatch()
	require.NoError(t, store.Put(batch, Record{Key: []byte("a"), Value: []byte("1"), BySeqno: 1}))
	require.NoError(t, store.Put(batch, Record{Key: []byte("b"), Value: []byte("2"), BySeqno: 2}))
	require.NoError(t, store.Put(batch, Record{Key: []byte("c"), Value: []byte("3"), BySeqno: 3}))
	require.NoError(t, store.Commit(ctx, batch, 3))

	var seen []int64
	err := store.ScanBySeqno(ctx, 1, 3, func(r Record) bool {
		seen = append(seen, r.BySeqno)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, seen)
}

func TestBoltStore_PartitionStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, ok, err := store.GetPartitionState(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	state := PartitionState{VBID: 5, State: "active", ManifestRevision: 3, ManifestSeparator: "::"}
	require.NoError(t, store.PutPartitionState(ctx, state))

	got, ok, err := store.GetPartitionState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state, got)
}
