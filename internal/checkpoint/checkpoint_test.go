package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kepler/internal/key"
)

func k(s string) key.Key { return key.New(key.DefaultCollection, []byte(s)) }

func TestManager_EnqueueAssignsIncreasingSeqno(t *testing.T) {
	m := New(Limits{}, 0)
	i1 := m.Enqueue(KindSet, k("a"), []byte("v1"), 1, 1, 0, 0, nil)
	i2 := m.Enqueue(KindSet, k("b"), []byte("v2"), 2, 1, 0, 0, nil)
	assert.Equal(t, int64(1), i1.BySeqno)
	assert.Equal(t, int64(2), i2.BySeqno)
	assert.Equal(t, int64(2), m.HighSeqno())
}

func TestManager_EnqueueHonorsPreassignedSeqno(t *testing.T) {
	m := New(Limits{}, 0)
	seq := int64(50)
	item := m.Enqueue(KindSet, k("a"), []byte("v1"), 1, 1, 0, 0, &seq)
	assert.Equal(t, int64(50), item.BySeqno)
	assert.Equal(t, int64(50), m.HighSeqno())
}

func TestManager_CursorObservesInsertionOrder(t *testing.T) {
	m := New(Limits{}, 0)
	m.RegisterCursor("persistence")

	m.Enqueue(KindSet, k("a"), []byte("v1"), 1, 1, 0, 0, nil)
	m.Enqueue(KindSet, k("b"), []byte("v2"), 2, 1, 0, 0, nil)

	item, ok := m.Next("persistence")
	require.True(t, ok)
	assert.Equal(t, "a", string(item.Key.Bytes))

	item, ok = m.Next("persistence")
	require.True(t, ok)
	assert.Equal(t, "b", string(item.Key.Bytes))

	_, ok = m.Next("persistence")
	assert.False(t, ok)
}

func TestManager_CollapseRuleRemovesUnobservedEarlierEntry(t *testing.T) {
	m := New(Limits{}, 0)
	m.Enqueue(KindSet, k("a"), []byte("v1"), 1, 1, 0, 0, nil)
	m.Enqueue(KindSet, k("a"), []byte("v2"), 2, 2, 0, 0, nil)

	m.RegisterCursor("c")
	item, ok := m.Next("c")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), item.Value, "only the latest write for the key should survive")

	_, ok = m.Next("c")
	assert.False(t, ok)
}

func TestManager_CollapseRuleDoesNotRemoveAlreadyObservedEntry(t *testing.T) {
	m := New(Limits{}, 0)
	m.RegisterCursor("c")

	m.Enqueue(KindSet, k("a"), []byte("v1"), 1, 1, 0, 0, nil)
	item, ok := m.Next("c")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), item.Value)

	m.Enqueue(KindSet, k("a"), []byte("v2"), 2, 2, 0, 0, nil)
	item, ok = m.Next("c")
	require.True(t, ok, "the second write must still be delivered since the first was already consumed")
	assert.Equal(t, []byte("v2"), item.Value)
}

func TestManager_SizeLimitForcesCheckpointClose(t *testing.T) {
	m := New(Limits{MaxItems: 2}, 0)
	m.Enqueue(KindSet, k("a"), []byte("v1"), 1, 1, 0, 0, nil)
	m.Enqueue(KindSet, k("b"), []byte("v2"), 2, 1, 0, 0, nil)

	open := m.checkpoints.Back().Value.(*checkpointNode)
	assert.Equal(t, stateClosed, open.state)

	m.Enqueue(KindSet, k("c"), []byte("v3"), 3, 1, 0, 0, nil)
	newOpen := m.checkpoints.Back().Value.(*checkpointNode)
	assert.NotSame(t, open, newOpen)
}

func TestManager_SystemEventForcesBoundary(t *testing.T) {
	m := New(Limits{}, 0)
	m.Enqueue(KindSet, k("a"), []byte("v1"), 1, 1, 0, 0, nil)
	m.EnqueueSystemEvent("widgets", 1, 0, 0)

	closedNode := m.checkpoints.Back().Value.(*checkpointNode)
	assert.Equal(t, stateClosed, closedNode.state)

	m.Enqueue(KindSet, k("b"), []byte("v2"), 2, 1, 0, 0, nil)
	newOpen := m.checkpoints.Back().Value.(*checkpointNode)
	assert.Equal(t, stateOpen, newOpen.state)
}

func TestManager_ResetRestartsLogAndCursorsAtRolledBackSeqno(t *testing.T) {
	m := New(Limits{}, 0)
	m.RegisterCursor("persistence")
	m.Enqueue(KindSet, k("a"), []byte("v1"), 1, 1, 0, 0, nil)
	m.Enqueue(KindSet, k("b"), []byte("v2"), 2, 1, 0, 0, nil)
	_, ok := m.Next("persistence")
	require.True(t, ok)

	m.Reset(1)
	assert.Equal(t, int64(1), m.HighSeqno())

	_, ok = m.Next("persistence")
	assert.False(t, ok, "the rolled-back log must not replay anything to an existing cursor")

	item := m.Enqueue(KindSet, k("c"), []byte("v3"), 3, 1, 0, 0, nil)
	assert.Equal(t, int64(2), item.BySeqno)
}

func TestManager_MultipleCursorsIndependentProgress(t *testing.T) {
	m := New(Limits{}, 0)
	m.RegisterCursor("persistence")
	m.RegisterCursor("replica-1")

	m.Enqueue(KindSet, k("a"), []byte("v1"), 1, 1, 0, 0, nil)

	_, ok := m.Next("persistence")
	require.True(t, ok)

	// persistence already consumed "a"=v1, so the collapse rule must not
	// drop it even though "a" is rewritten: replica-1 still needs to see
	// both entries in order.
	m.Enqueue(KindSet, k("a"), []byte("v2"), 2, 2, 0, 0, nil)

	item, ok := m.Next("replica-1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), item.Value)

	item, ok = m.Next("replica-1")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), item.Value)
}
