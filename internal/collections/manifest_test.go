package collections

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest_Valid(t *testing.T) {
	m, err := ParseManifest([]byte(`{"revision":3,"separator":"::","collections":["$default","widgets"]}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.Revision)
	assert.True(t, m.Contains("widgets"))
}

func TestParseManifest_RejectsUnderscorePrefix(t *testing.T) {
	_, err := ParseManifest([]byte(`{"revision":1,"separator":"::","collections":["_hidden"]}`))
	assert.Error(t, err)
}

func TestParseManifest_RejectsDollarPrefixOtherThanDefault(t *testing.T) {
	_, err := ParseManifest([]byte(`{"revision":1,"separator":"::","collections":["$weird"]}`))
	assert.Error(t, err)
}

func TestParseManifest_AllowsDollarDefault(t *testing.T) {
	_, err := ParseManifest([]byte(`{"revision":1,"separator":"::","collections":["$default"]}`))
	assert.NoError(t, err)
}

func TestParseManifest_RejectsSeparatorOutOfRange(t *testing.T) {
	_, err := ParseManifest([]byte(`{"revision":1,"separator":"","collections":["$default"]}`))
	assert.Error(t, err)

	long := make([]byte, 251)
	for i := range long {
		long[i] = 'x'
	}
	_, err = ParseManifest([]byte(`{"revision":1,"separator":"` + string(long) + `","collections":["$default"]}`))
	assert.Error(t, err)
}

func TestParseManifest_RejectsEmptyCollectionName(t *testing.T) {
	_, err := ParseManifest([]byte(`{"revision":1,"separator":"::","collections":[""]}`))
	assert.Error(t, err)
}
