package useralloc

import (
	"encoding/binary"

	"github.com/vsicore/vsicore/btree"
	"github.com/vsicore/vsicore/region"
	"github.com/vsicore/vsicore/vsierr"
)

// Config describes the two free-chunk trees' shared shape.
type Config struct {
	MinDegree int
}

var bySizeKeyDef = btree.KeyDef{Fields: []btree.FieldDef{
	{Offset: offSegmentSize, Type: btree.FieldUint32, Direction: btree.Ascending},
	{Offset: offSelfOffset, Type: btree.FieldUint32, Direction: btree.Ascending},
}}

var byOffsetKeyDef = btree.KeyDef{Fields: []btree.FieldDef{
	{Offset: offSelfOffset, Type: btree.FieldUint32, Direction: btree.Ascending},
}}

// Allocator is the User region's best-fit + coalesce allocator. Chunk
// headers and payloads live in UserProvider; the two free-chunk trees'
// nodes live in NodeProvider via NodeAlloc, the System region's fixed
// block pool.
type Allocator struct {
	UserProvider region.MemoryProvider
	Base         uint32
	Size         uint32

	bySize   *btree.Tree
	byOffset *btree.Tree
}

// New binds an Allocator over [base, base+size) of userProvider, with its
// two free-chunk trees' nodes allocated from nodeAlloc inside
// nodeProvider at the given (already-reserved) control block offsets.
func New(userProvider, nodeProvider region.MemoryProvider, nodeAlloc btree.NodeAllocator, base, size uint32, cfg Config, bySizeControlBase, byOffsetControlBase uint32) (*Allocator, error) {
	a := &Allocator{UserProvider: userProvider, Base: base, Size: size}

	a.bySize = &btree.Tree{
		NodeProvider:   nodeProvider,
		RecordProvider: userProvider,
		NodeAlloc:      nodeAlloc,
		ControlBase:    bySizeControlBase,
		Cfg:            btree.Config{MinDegree: cfg.MinDegree, RecordSize: ChunkHeaderSize, KeyDef: bySizeKeyDef},
	}
	a.byOffset = &btree.Tree{
		NodeProvider:   nodeProvider,
		RecordProvider: userProvider,
		NodeAlloc:      nodeAlloc,
		ControlBase:    byOffsetControlBase,
		Cfg:            btree.Config{MinDegree: cfg.MinDegree, RecordSize: ChunkHeaderSize, KeyDef: byOffsetKeyDef},
	}
	return a, nil
}

// Init opens both free-chunk trees. If fresh is true, it also seeds the
// entire [Base, Base+Size) range as one free chunk.
func (a *Allocator) Init(fresh bool) error {
	if err := btree.Open(a.bySize, fresh); err != nil {
		return err
	}
	if err := btree.Open(a.byOffset, fresh); err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	if err := writeChunkHeader(a.UserProvider, a.Base, MarkerFree, a.Size, a.Base); err != nil {
		return err
	}
	if err := a.bySize.Insert(a.Base); err != nil {
		return err
	}
	return a.byOffset.Insert(a.Base)
}

// Alloc reserves n bytes of payload and returns the offset of the
// payload's first byte (immediately after its chunk header).
func (a *Allocator) Alloc(n uint32) (uint32, error) {
	needed := roundUp8(n + ChunkHeaderSize)

	findCmp := func(cand []byte) int {
		candSeg := binary.LittleEndian.Uint32(cand[offSegmentSize:])
		switch {
		case needed < candSeg:
			return -1
		case needed > candSeg:
			return 1
		default:
			return 0
		}
	}
	chunkOff, found, err := a.bySize.Find(findCmp)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, vsierr.Wrap(vsierr.ErrOutOfMemory, "useralloc.Alloc", nil)
	}

	_, segSize, selfOff, err := readChunkHeader(a.UserProvider, chunkOff)
	if err != nil {
		return 0, err
	}

	if err := a.removeFree(chunkOff, segSize, selfOff); err != nil {
		return 0, err
	}

	remaining := segSize - needed
	if remaining > SplitThreshold {
		if err := writeChunkHeader(a.UserProvider, chunkOff, MarkerInUse, needed, chunkOff); err != nil {
			return 0, err
		}
		tailOff := chunkOff + needed
		if err := writeChunkHeader(a.UserProvider, tailOff, MarkerFree, remaining, tailOff); err != nil {
			return 0, err
		}
		if err := a.bySize.Insert(tailOff); err != nil {
			return 0, err
		}
		if err := a.byOffset.Insert(tailOff); err != nil {
			return 0, err
		}
	} else {
		if err := writeChunkHeader(a.UserProvider, chunkOff, MarkerInUse, segSize, chunkOff); err != nil {
			return 0, err
		}
	}

	return chunkOff + ChunkHeaderSize, nil
}

// Free releases a pointer previously returned by Alloc, coalescing with
// an adjacent free chunk on either side. A corrupt or already-free
// marker returns ErrCorruption and leaves the chunk untouched; it is
// never treated as fatal.
func (a *Allocator) Free(userPtr uint32) error {
	if userPtr < a.Base+ChunkHeaderSize {
		return vsierr.Wrap(vsierr.ErrInvalidArgument, "useralloc.Free", nil)
	}
	chunkOff := userPtr - ChunkHeaderSize

	marker, segSize, _, err := readChunkHeader(a.UserProvider, chunkOff)
	if err != nil {
		return err
	}
	switch marker {
	case MarkerInUse:
		// proceed
	case MarkerFree:
		return vsierr.Wrap(vsierr.ErrCorruption, "useralloc.Free", nil) // double free
	default:
		return vsierr.Wrap(vsierr.ErrCorruption, "useralloc.Free", nil)
	}

	// Coalesce with the next adjacent chunk, if free.
	nextOff := chunkOff + segSize
	if nextOff < a.Base+a.Size {
		nm, nseg, nself, err := readChunkHeader(a.UserProvider, nextOff)
		if err != nil {
			return err
		}
		if nm == MarkerFree {
			if err := a.removeFree(nextOff, nseg, nself); err != nil {
				return err
			}
			segSize += nseg
		}
	}

	// Coalesce with the previous free chunk, if adjacent.
	if chunkOff > a.Base {
		rfindCmp := func(cand []byte) int {
			candOff := binary.LittleEndian.Uint32(cand[offSelfOffset:])
			key := chunkOff - 1
			switch {
			case key < candOff:
				return -1
			case key > candOff:
				return 1
			default:
				return 0
			}
		}
		prevOff, found, err := a.byOffset.RFind(rfindCmp)
		if err != nil {
			return err
		}
		if found {
			_, pseg, pself, err := readChunkHeader(a.UserProvider, prevOff)
			if err != nil {
				return err
			}
			if pself+pseg == chunkOff {
				if err := a.removeFree(prevOff, pseg, pself); err != nil {
					return err
				}
				chunkOff = prevOff
				segSize += pseg
			}
		}
	}

	if err := writeChunkHeader(a.UserProvider, chunkOff, MarkerFree, segSize, chunkOff); err != nil {
		return err
	}
	if err := a.bySize.Insert(chunkOff); err != nil {
		return err
	}
	return a.byOffset.Insert(chunkOff)
}

// removeFree deletes the chunk at offset (with the given segmentSize)
// from both free-chunk trees.
func (a *Allocator) removeFree(offset, segmentSize, selfOffset uint32) error {
	bySizeCmp := func(cand []byte) int {
		buf := make([]byte, ChunkHeaderSize)
		binary.LittleEndian.PutUint32(buf[offSegmentSize:], segmentSize)
		binary.LittleEndian.PutUint32(buf[offSelfOffset:], selfOffset)
		return bySizeKeyDef.Compare(buf, cand)
	}
	if err := a.bySize.Delete(bySizeCmp); err != nil {
		return err
	}
	byOffsetCmp := func(cand []byte) int {
		buf := make([]byte, ChunkHeaderSize)
		binary.LittleEndian.PutUint32(buf[offSelfOffset:], selfOffset)
		return byOffsetKeyDef.Compare(buf, cand)
	}
	return a.byOffset.Delete(byOffsetCmp)
}

// Stats reports free/used byte totals across the allocator's range.
type Stats struct {
	TotalBytes uint32
	FreeBytes  uint32
	UsedBytes  uint32
	FreeChunks uint32
}

// Stats walks the by-offset free tree to total free bytes.
func (a *Allocator) Stats() (Stats, error) {
	var freeBytes, freeChunks uint32
	err := a.byOffset.Traverse(func(off uint32) bool {
		_, seg, _, rerr := readChunkHeader(a.UserProvider, off)
		if rerr != nil {
			return false
		}
		freeBytes += seg
		freeChunks++
		return true
	})
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TotalBytes: a.Size,
		FreeBytes:  freeBytes,
		UsedBytes:  a.Size - freeBytes,
		FreeChunks: freeChunks,
	}, nil
}
