package btree

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsicore/vsicore/region"
	"github.com/vsicore/vsicore/vsierr"
)

// freeListAllocator is a trivial bump-then-reuse NodeAllocator for tests,
// standing in for sysalloc.Pool without pulling in that package.
type freeListAllocator struct {
	provider  region.MemoryProvider
	next      uint32
	size      uint32
	free      []uint32
}

func newFreeListAllocator(p region.MemoryProvider, start, size uint32) *freeListAllocator {
	return &freeListAllocator{provider: p, next: start, size: size}
}

func (a *freeListAllocator) Alloc() (uint32, error) {
	if len(a.free) > 0 {
		off := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		return off, nil
	}
	if a.next+a.size > a.provider.Size() {
		return 0, vsierr.Wrap(vsierr.ErrOutOfMemory, "test.allocNode", nil)
	}
	off := a.next
	a.next += a.size
	return off, nil
}

func (a *freeListAllocator) Free(off uint32) error {
	a.free = append(a.free, off)
	return nil
}

// testRecordSize is {key uint32, val uint32}.
const testRecordSize = 8

func writeRecord(p region.MemoryProvider, off, key, val uint32) error {
	var buf [testRecordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], key)
	binary.LittleEndian.PutUint32(buf[4:8], val)
	return p.WriteAt(off, buf[:])
}

func keyOf(p region.MemoryProvider, off uint32) uint32 {
	var buf [4]byte
	_ = p.ReadAt(off, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func cmpKey(key uint32) func([]byte) int {
	return func(cand []byte) int {
		c := binary.LittleEndian.Uint32(cand[0:4])
		switch {
		case key < c:
			return -1
		case key > c:
			return 1
		default:
			return 0
		}
	}
}

func newTestTree(t *testing.T, minDegree int) (*Tree, region.MemoryProvider) {
	t.Helper()
	nodeSize := NodeSize(minDegree)
	nodes := region.NewMemProvider(8 + nodeSize*64)
	records := region.NewMemProvider(8 + testRecordSize*256)
	alloc := newFreeListAllocator(nodes, 8, nodeSize)

	tree := &Tree{
		NodeProvider:   nodes,
		RecordProvider: records,
		NodeAlloc:      alloc,
		ControlBase:    0,
		Cfg: Config{
			MinDegree:  minDegree,
			RecordSize: testRecordSize,
			KeyDef: KeyDef{Fields: []FieldDef{
				{Offset: 0, Type: FieldUint32, Direction: Ascending},
			}},
		},
	}
	require.NoError(t, Open(tree, true))
	return tree, records
}

func TestTree_InsertAndSearch(t *testing.T) {
	tree, records := newTestTree(t, 3)

	keys := []uint32{50, 10, 40, 20, 60, 30, 5, 70, 15, 25}
	recordOff := uint32(8)
	offsets := map[uint32]uint32{}
	for _, k := range keys {
		require.NoError(t, writeRecord(records, recordOff, k, k*10))
		require.NoError(t, tree.Insert(recordOff))
		offsets[k] = recordOff
		recordOff += testRecordSize
	}

	count, err := tree.Count()
	require.NoError(t, err)
	assert.Equal(t, uint32(len(keys)), count)

	for _, k := range keys {
		off, found, err := tree.Search(cmpKey(k))
		require.NoError(t, err)
		require.True(t, found, "key %d should be found", k)
		assert.Equal(t, offsets[k], off)
	}

	_, found, err := tree.Search(cmpKey(999))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTree_TraverseIsSortedOrder(t *testing.T) {
	tree, records := newTestTree(t, 2)

	keys := []uint32{9, 3, 7, 1, 5, 8, 2, 6, 4}
	recordOff := uint32(8)
	for _, k := range keys {
		require.NoError(t, writeRecord(records, recordOff, k, 0))
		require.NoError(t, tree.Insert(recordOff))
		recordOff += testRecordSize
	}

	var got []uint32
	require.NoError(t, tree.Traverse(func(off uint32) bool {
		got = append(got, keyOf(records, off))
		return true
	}))

	want := []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	assert.Equal(t, want, got)
}

func TestTree_FindAndRFind(t *testing.T) {
	tree, records := newTestTree(t, 2)

	recordOff := uint32(8)
	for _, k := range []uint32{10, 20, 30, 40, 50} {
		require.NoError(t, writeRecord(records, recordOff, k, 0))
		require.NoError(t, tree.Insert(recordOff))
		recordOff += testRecordSize
	}

	off, found, err := tree.Find(cmpKey(25))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint32(30), keyOf(records, off))

	off, found, err = tree.RFind(cmpKey(25))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint32(20), keyOf(records, off))

	_, found, err = tree.Find(cmpKey(100))
	require.NoError(t, err)
	assert.False(t, found)

	off, found, err = tree.RFind(cmpKey(100))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint32(50), keyOf(records, off))
}

func TestTree_DeleteRebalancesAndKeepsOrder(t *testing.T) {
	tree, records := newTestTree(t, 2)

	keys := []uint32{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	recordOff := uint32(8)
	for _, k := range keys {
		require.NoError(t, writeRecord(records, recordOff, k, 0))
		require.NoError(t, tree.Insert(recordOff))
		recordOff += testRecordSize
	}

	for _, k := range []uint32{50, 10, 90} {
		require.NoError(t, tree.Delete(cmpKey(k)))
	}

	count, err := tree.Count()
	require.NoError(t, err)
	assert.Equal(t, uint32(len(keys)-3), count)

	var got []uint32
	require.NoError(t, tree.Traverse(func(off uint32) bool {
		got = append(got, keyOf(records, off))
		return true
	}))
	assert.Equal(t, []uint32{20, 30, 40, 60, 70, 80, 100}, got)

	err = tree.Delete(cmpKey(50))
	assert.True(t, errors.Is(err, vsierr.ErrNoData))
}

func TestIterator_WalksInOrder(t *testing.T) {
	tree, records := newTestTree(t, 2)

	recordOff := uint32(8)
	for _, k := range []uint32{3, 1, 2} {
		require.NoError(t, writeRecord(records, recordOff, k, 0))
		require.NoError(t, tree.Insert(recordOff))
		recordOff += testRecordSize
	}

	it, err := tree.Begin()
	require.NoError(t, err)

	var got []uint32
	for !it.AtEnd() {
		off, ok := it.Data()
		require.True(t, ok)
		got = append(got, keyOf(records, off))
		it.Next()
	}
	assert.Equal(t, []uint32{1, 2, 3}, got)
	it.Cleanup()
}
