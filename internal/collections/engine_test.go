package collections

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kepler/internal/checkpoint"
)

func TestEngine_ApplyManifestEnqueuesSystemEventsInOrder(t *testing.T) {
	cp := checkpoint.New(checkpoint.Limits{}, 0)
	cp.RegisterCursor("persistence")
	e := NewEngine(cp)

	e.ApplyManifest(Manifest{Revision: 1, Separator: "::", Collections: []string{"$default", "widgets"}}, 0)

	item, ok := cp.Next("persistence")
	require.True(t, ok)
	assert.Equal(t, checkpoint.KindSystemEvent, item.Kind)
	assert.Equal(t, "widgets", item.CollectionName)
}

func TestEngine_DenyWriteForUnknownAndDeletingCollections(t *testing.T) {
	cp := checkpoint.New(checkpoint.Limits{}, 0)
	e := NewEngine(cp)

	assert.True(t, e.DenyWrite("ghost"))

	e.ApplyManifest(Manifest{Revision: 1, Separator: "::", Collections: []string{"$default", "widgets"}}, 0)
	assert.False(t, e.DenyWrite("widgets"))

	e.ApplyManifest(Manifest{Revision: 2, Separator: "::", Collections: []string{"$default"}}, 0)
	assert.True(t, e.DenyWrite("widgets"))
}
