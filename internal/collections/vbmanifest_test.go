package collections

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVBManifest_ApplyAddsNewCollectionOpen(t *testing.T) {
	m := NewVBManifest()
	events := m.Apply(Manifest{Revision: 1, Separator: "::", Collections: []string{"$default", "widgets"}}, 10)

	require.Len(t, events, 1)
	assert.Equal(t, EventCreateCollection, events[0].Kind)
	assert.Equal(t, "widgets", events[0].Name)

	e, ok := m.Lookup("widgets")
	require.True(t, ok)
	assert.True(t, e.IsOpen())
	assert.Equal(t, int64(10), e.StartSeqno)
}

func TestVBManifest_ApplyEventCreateCollectionMirrorsDecidedEvent(t *testing.T) {
	m := NewVBManifest()
	m.ApplyEvent(EventCreateCollection, "widgets", 1, 10)

	e, ok := m.Lookup("widgets")
	require.True(t, ok)
	assert.True(t, e.IsOpen())
	assert.Equal(t, int64(10), e.StartSeqno)
	assert.Equal(t, uint64(1), m.Revision())
}

func TestVBManifest_ApplyEventBeginDeleteClosesOpenEntry(t *testing.T) {
	m := NewVBManifest()
	m.ApplyEvent(EventCreateCollection, "widgets", 1, 10)
	m.ApplyEvent(EventBeginDeleteCollection, "widgets", 2, 20)

	e, ok := m.Lookup("widgets")
	require.True(t, ok)
	assert.True(t, e.IsDeleting())
	assert.Equal(t, int64(20), e.EndSeqno)
}

func TestVBManifest_ApplyOmittingOpenCollectionBeginsDelete(t *testing.T) {
	m := NewVBManifest()
	m.Apply(Manifest{Revision: 1, Separator: "::", Collections: []string{"$default", "widgets"}}, 10)

	events := m.Apply(Manifest{Revision: 2, Separator: "::", Collections: []string{"$default"}}, 20)
	require.Len(t, events, 1)
	assert.Equal(t, EventBeginDeleteCollection, events[0].Kind)
	assert.Equal(t, "widgets", events[0].Name)

	e, ok := m.Lookup("widgets")
	require.True(t, ok)
	assert.True(t, e.IsDeleting())
}

func TestVBManifest_ApplyReAddingDeletingCollectionStartsFresh(t *testing.T) {
	m := NewVBManifest()
	m.Apply(Manifest{Revision: 1, Separator: "::", Collections: []string{"$default", "widgets"}}, 10)
	m.Apply(Manifest{Revision: 2, Separator: "::", Collections: []string{"$default"}}, 20)

	events := m.Apply(Manifest{Revision: 3, Separator: "::", Collections: []string{"$default", "widgets"}}, 30)
	require.Len(t, events, 1)
	assert.Equal(t, EventCreateCollection, events[0].Kind)

	e, ok := m.Lookup("widgets")
	require.True(t, ok)
	assert.True(t, e.IsOpen())
	assert.Equal(t, int64(30), e.StartSeqno)
}

func TestVBManifest_ApplyOpenStillPresentIsNoop(t *testing.T) {
	m := NewVBManifest()
	m.Apply(Manifest{Revision: 1, Separator: "::", Collections: []string{"$default", "widgets"}}, 10)

	events := m.Apply(Manifest{Revision: 2, Separator: "::", Collections: []string{"$default", "widgets"}}, 20)
	assert.Empty(t, events)
}

func TestVBManifest_CompletePurgeRemovesDeletingEntry(t *testing.T) {
	m := NewVBManifest()
	m.Apply(Manifest{Revision: 1, Separator: "::", Collections: []string{"$default", "widgets"}}, 10)
	m.Apply(Manifest{Revision: 2, Separator: "::", Collections: []string{"$default"}}, 20)

	m.CompletePurge("widgets")
	_, ok := m.Lookup("widgets")
	assert.False(t, ok)
}

func TestVBManifest_IsLogicallyDeletedDeniesDeletingCollection(t *testing.T) {
	m := NewVBManifest()
	m.Apply(Manifest{Revision: 1, Separator: "::", Collections: []string{"$default", "widgets"}}, 10)
	m.Apply(Manifest{Revision: 2, Separator: "::", Collections: []string{"$default"}}, 20)

	assert.True(t, m.IsLogicallyDeleted("widgets"))
	assert.False(t, m.IsLogicallyDeleted("$default"))
}
