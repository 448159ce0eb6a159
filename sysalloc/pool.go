// Package sysalloc implements the System region's fixed-size node
// allocator: a singly linked free list threaded through unused blocks,
// each sized to hold the largest B-tree node the core uses. The System
// region is pure node storage; this pool serves the B-trees layered on
// top of it.
package sysalloc

import (
	"encoding/binary"

	"github.com/vsicore/vsicore/region"
	"github.com/vsicore/vsicore/vsierr"
)

// controlBlockSize is the size of the Pool's persisted free-list head.
// Layout, little-endian:
//
//	0 : head  uint32 (offset of first free block, or End)
//	4 : count uint32 (free block count, for Stats)
const controlBlockSize = 8

// End marks the tail of the free list. Offset 0 is never a valid block
// offset because it falls inside the region header.
const End = 0

// Pool is a fixed-size-block allocator over a byte range of a region.
// All operations assume the caller already holds the region lock; Pool
// does no internal locking of its own.
type Pool struct {
	provider  region.MemoryProvider
	base      uint32 // start of the control block
	poolStart uint32 // start of the block area (base + controlBlockSize)
	poolEnd   uint32 // end of the block area
	blockSize uint32
}

// New binds a Pool to the byte range [base, base+size) of provider.
// blockSize must be at least 8 (large enough to hold a next-offset
// pointer) and size must leave room for at least one block after the
// control block.
func New(provider region.MemoryProvider, base, size, blockSize uint32) (*Pool, error) {
	if blockSize < 8 {
		return nil, vsierr.Wrap(vsierr.ErrInvalidArgument, "sysalloc.New", nil)
	}
	if size < controlBlockSize+blockSize {
		return nil, vsierr.Wrap(vsierr.ErrInvalidArgument, "sysalloc.New", nil)
	}
	return &Pool{
		provider:  provider,
		base:      base,
		poolStart: base + controlBlockSize,
		poolEnd:   base + size,
		blockSize: blockSize,
	}, nil
}

// Init partitions the block area into equal-sized blocks and threads them
// into the free list. Called exactly once, when the region is freshly
// created.
func (p *Pool) Init() error {
	count := (p.poolEnd - p.poolStart) / p.blockSize
	if count == 0 {
		return vsierr.Wrap(vsierr.ErrInvalidArgument, "sysalloc.Init", nil)
	}
	for i := uint32(0); i < count; i++ {
		off := p.poolStart + i*p.blockSize
		var next uint32
		if i+1 < count {
			next = p.poolStart + (i+1)*p.blockSize
		} else {
			next = End
		}
		if err := p.writeNext(off, next); err != nil {
			return err
		}
	}
	if err := p.writeControl(p.poolStart, count); err != nil {
		return err
	}
	return nil
}

func (p *Pool) writeNext(blockOffset, next uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], next)
	return p.provider.WriteAt(blockOffset, buf[:])
}

func (p *Pool) readNext(blockOffset uint32) (uint32, error) {
	var buf [4]byte
	if err := p.provider.ReadAt(blockOffset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (p *Pool) writeControl(head, count uint32) error {
	var buf [controlBlockSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], head)
	binary.LittleEndian.PutUint32(buf[4:8], count)
	return p.provider.WriteAt(p.base, buf[:])
}

func (p *Pool) readControl() (head, count uint32, err error) {
	var buf [controlBlockSize]byte
	if err := p.provider.ReadAt(p.base, buf[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8]), nil
}

// BlockSize returns the fixed size of every block this pool hands out.
func (p *Pool) BlockSize() uint32 { return p.blockSize }

// Alloc pops the head block off the free list. O(1).
func (p *Pool) Alloc() (uint32, error) {
	head, count, err := p.readControl()
	if err != nil {
		return 0, err
	}
	if head == End {
		return 0, vsierr.Wrap(vsierr.ErrOutOfMemory, "sysalloc.Alloc", nil)
	}
	next, err := p.readNext(head)
	if err != nil {
		return 0, err
	}
	if err := p.writeControl(next, count-1); err != nil {
		return 0, err
	}
	return head, nil
}

// Free pushes block back onto the head of the free list. O(1).
func (p *Pool) Free(block uint32) error {
	head, count, err := p.readControl()
	if err != nil {
		return err
	}
	if err := p.writeNext(block, head); err != nil {
		return err
	}
	return p.writeControl(block, count+1)
}

// Stats reports the pool's current free/used block counts.
type Stats struct {
	BlockSize  uint32
	TotalCount uint32
	FreeCount  uint32
	UsedCount  uint32
}

// Stats returns current allocator telemetry for external observability
// tooling.
func (p *Pool) Stats() (Stats, error) {
	_, free, err := p.readControl()
	if err != nil {
		return Stats{}, err
	}
	total := (p.poolEnd - p.poolStart) / p.blockSize
	return Stats{
		BlockSize:  p.blockSize,
		TotalCount: total,
		FreeCount:  free,
		UsedCount:  total - free,
	}, nil
}
