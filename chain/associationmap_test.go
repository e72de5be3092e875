package chain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildAssociations(n int) []Association {
	items := make([]Association, n)
	for i := 0; i < n; i++ {
		var hash Hash
		hash[0] = byte(i)
		hash[1] = byte(i >> 8)

		items[i] = Association{Link: HeaderLink(i), Hash: hash, Height: Height(i)}
	}

	return items
}

func TestAssociationMapRemovePreservesOrder(t *testing.T) {
	t.Parallel()

	m := NewAssociationMap(buildAssociations(5))
	require.Equal(t, 5, m.Len())

	m.Remove(2)
	require.Equal(t, 4, m.Len())
	require.False(t, m.Contains(2))

	items := m.Items()
	require.Len(t, items, 4)
	require.Equal(t, []HeaderLink{0, 1, 3, 4},
		[]HeaderLink{items[0].Link, items[1].Link, items[2].Link, items[3].Link})
}

func TestAssociationMapSplitRoughlyInHalf(t *testing.T) {
	t.Parallel()

	m := NewAssociationMap(buildAssociations(5))

	kept, returned := m.Split()
	require.Equal(t, 3, kept.Len())
	require.Equal(t, 2, returned.Len())

	keptItems := kept.Items()
	require.Equal(t, HeaderLink(0), keptItems[0].Link)
	require.Equal(t, HeaderLink(2), keptItems[2].Link)

	returnedItems := returned.Items()
	require.Equal(t, HeaderLink(3), returnedItems[0].Link)
	require.Equal(t, HeaderLink(4), returnedItems[1].Link)
}

func TestChunkPartitionsByInventoryMax(t *testing.T) {
	t.Parallel()

	items := buildAssociations(1201)
	chunks := Chunk(items, 500)

	require.Len(t, chunks, 3)
	require.Equal(t, 500, chunks[0].Len())
	require.Equal(t, 500, chunks[1].Len())
	require.Equal(t, 201, chunks[2].Len())
}

func TestChunkDefaultsSizeWhenNonPositive(t *testing.T) {
	t.Parallel()

	items := buildAssociations(10)
	chunks := Chunk(items, 0)

	require.Len(t, chunks, 1)
	require.Equal(t, 10, chunks[0].Len())
}

func TestAssociationMapFindByHash(t *testing.T) {
	t.Parallel()

	items := buildAssociations(3)
	m := NewAssociationMap(items)

	link, ok := m.FindByHash(items[1].Hash)
	require.True(t, ok)
	require.Equal(t, HeaderLink(1), link)

	// A removed entry is no longer findable even though its hash is
	// still indexed.
	m.Remove(1)
	_, ok = m.FindByHash(items[1].Hash)
	require.False(t, ok)

	var unknown Hash
	unknown[0] = 0xff
	_, ok = m.FindByHash(unknown)
	require.False(t, ok)
}

func TestAssociationMapHashesTracksLiveEntries(t *testing.T) {
	t.Parallel()

	items := buildAssociations(3)
	m := NewAssociationMap(items)

	hashes := m.Hashes()
	require.Len(t, hashes, 3)
	require.Equal(t, items[0].Hash, hashes[0])

	m.Remove(0)
	hashes = m.Hashes()
	require.Len(t, hashes, 2)
	require.Equal(t, items[1].Hash, hashes[0])
}

func TestNilAssociationMapIsEmpty(t *testing.T) {
	t.Parallel()

	var m *AssociationMap

	require.Equal(t, 0, m.Len())
	require.Nil(t, m.Items())
	require.Nil(t, m.Hashes())
	require.False(t, m.Contains(0))
	require.NotPanics(t, func() { m.Remove(0) })

	_, ok := m.FindByHash(Hash{})
	require.False(t, ok)
}
