// Package useralloc implements the User region's best-fit, coalescing
// general-purpose allocator: two B-trees over the set of free chunks
// (by-size with an offset tiebreak, and by-offset), both backed by the
// System region's fixed-node pool, kept in lockstep so the two trees
// always contain the same set.
package useralloc

import "encoding/binary"

// MemoryChunk header layout, little-endian, ChunkHeaderSize bytes:
//
//	0  : marker       uint32 (MarkerFree or MarkerInUse)
//	4  : segmentSize  uint32 (total chunk size, including this header)
//	8  : selfOffset   uint32 (this chunk's own offset; redundant but lets
//	                          the by-offset B-tree compare records without
//	                          needing the tree to know its own key's origin)
//	12 : reserved     uint32
const (
	offMarker      = 0
	offSegmentSize = 4
	offSelfOffset  = 8

	// ChunkHeaderSize is the fixed size of a chunk's header.
	ChunkHeaderSize = 16

	// SplitThreshold: a chunk is only split on alloc if the leftover tail
	// would exceed this many bytes; otherwise the whole chunk is handed
	// out to avoid degenerate tiny fragments.
	SplitThreshold = 16

	// MarkerFree/MarkerInUse are the chunk marker values. Any other
	// value read from a marker field is corruption.
	MarkerFree  = 0
	MarkerInUse = 1
)

func readChunkHeader(p interface {
	ReadAt(offset uint32, dest []byte) error
}, offset uint32) (marker, segmentSize, selfOffset uint32, err error) {
	var buf [ChunkHeaderSize]byte
	if err := p.ReadAt(offset, buf[:]); err != nil {
		return 0, 0, 0, err
	}
	return binary.LittleEndian.Uint32(buf[offMarker:]),
		binary.LittleEndian.Uint32(buf[offSegmentSize:]),
		binary.LittleEndian.Uint32(buf[offSelfOffset:]),
		nil
}

func writeChunkHeader(p interface {
	WriteAt(offset uint32, src []byte) error
}, offset, marker, segmentSize, selfOffset uint32) error {
	var buf [ChunkHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[offMarker:], marker)
	binary.LittleEndian.PutUint32(buf[offSegmentSize:], segmentSize)
	binary.LittleEndian.PutUint32(buf[offSelfOffset:], selfOffset)
	return p.WriteAt(offset, buf[:])
}

func roundUp8(n uint32) uint32 { return (n + 7) &^ 7 }
