package region

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"time"

	"github.com/vsicore/vsicore/vsierr"
)

// Header layout, little-endian, fixed at offset 0 of every region:
//
//	0  : TotalSize       uint64
//	8  : SystemInitFlag  uint32
//	12 : LockWord        uint32
//	16 : reserved        [16]byte
const (
	offTotalSize      = 0
	offSystemInitFlag = 8
	offLockWord       = 12
	// HeaderSize is the number of bytes reserved for the region header.
	// Everything a region stores beyond it uses a layout fixed by its
	// owning package (sysalloc/useralloc/btree control blocks), computed
	// the same way on every Open rather than bump-allocated, so reopening
	// an existing store never shifts where earlier data was written.
	HeaderSize = 32

	lockFree = 0
	lockHeld = 1

	initNotDone = 0
	initDone    = 1
)

// Region wraps a MemoryProvider with the fixed header every VSI region
// carries: total size, a "system ready" flag, and a lock word used to
// implement Region.Lock/Unlock as a cross-process spinlock.
type Region struct {
	Provider MemoryProvider
}

// Open wraps an already-opened provider in a Region, writing a fresh
// header if fresh is true (new region) or verifying the existing header
// otherwise.
func Open(p MemoryProvider, fresh bool) (*Region, error) {
	r := &Region{Provider: p}
	if fresh {
		if err := r.initHeader(); err != nil {
			return nil, err
		}
		return r, nil
	}
	total, err := r.readUint64(offTotalSize)
	if err != nil {
		return nil, vsierr.Wrap(vsierr.ErrIO, "region.Open", err)
	}
	if total != uint64(p.Size()) {
		return nil, vsierr.Wrap(vsierr.ErrCorruption, "region.Open", fmt.Errorf("header total size %d does not match mapping size %d", total, p.Size()))
	}
	return r, nil
}

func (r *Region) initHeader() error {
	if err := r.writeUint64(offTotalSize, uint64(r.Provider.Size())); err != nil {
		return vsierr.Wrap(vsierr.ErrIO, "region.initHeader", err)
	}
	if err := r.Provider.AtomicStore32(offLockWord, lockFree); err != nil {
		return vsierr.Wrap(vsierr.ErrIO, "region.initHeader", err)
	}
	if err := r.Provider.AtomicStore32(offSystemInitFlag, initNotDone); err != nil {
		return vsierr.Wrap(vsierr.ErrIO, "region.initHeader", err)
	}
	return nil
}

func (r *Region) readUint64(off uint32) (uint64, error) {
	var buf [8]byte
	if err := r.Provider.ReadAt(off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (r *Region) writeUint64(off uint32, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return r.Provider.WriteAt(off, buf[:])
}

// MarkInitialized sets the region's "system ready" flag, gating
// late-joining processes until the creator has finished laying the
// region out.
func (r *Region) MarkInitialized() error {
	return r.Provider.AtomicStore32(offSystemInitFlag, initDone)
}

// Initialized reports whether MarkInitialized has been called on this
// region (by any process sharing the mapping).
func (r *Region) Initialized() (bool, error) {
	v, err := r.Provider.AtomicLoad32(offSystemInitFlag)
	if err != nil {
		return false, err
	}
	return v == initDone, nil
}

// Lock acquires the region-wide spinlock. The lock word lives inside the
// mapped bytes themselves, so a CAS on it is coherent across real OS
// processes sharing the mapping, unlike sync.Mutex, which is only valid
// within one process's address space. This lock is intentionally
// non-recursive: call sites that would otherwise re-enter it are
// refactored into unlocked internal helpers instead.
func (r *Region) Lock() error {
	spins := 0
	for {
		ok, err := r.Provider.CompareAndSwap32(offLockWord, lockFree, lockHeld)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		spins++
		if spins < 1000 {
			runtime.Gosched()
			continue
		}
		time.Sleep(time.Microsecond)
	}
}

// Unlock releases the region-wide spinlock.
func (r *Region) Unlock() error {
	return r.Provider.AtomicStore32(offLockWord, lockFree)
}

// Size returns the total mapped size of the region.
func (r *Region) Size() uint32 { return r.Provider.Size() }

// Close releases the underlying provider (unmaps the file, if any).
func (r *Region) Close() error { return r.Provider.Close() }

// ValidateLayout checks that sysSize/userSize are each large enough to
// hold the fixed header plus at least one minimum-size chunk, and are
// each a multiple of 8 bytes, before Open maps either file. No dynamic
// resizing is implied or added; this only rejects layouts that could
// never be valid.
func ValidateLayout(sysSize, userSize, minChunk uint32) error {
	if sysSize%8 != 0 {
		return vsierr.Wrap(vsierr.ErrInvalidArgument, "region.ValidateLayout", fmt.Errorf("system region size %d is not 8-byte aligned", sysSize))
	}
	if userSize%8 != 0 {
		return vsierr.Wrap(vsierr.ErrInvalidArgument, "region.ValidateLayout", fmt.Errorf("user region size %d is not 8-byte aligned", userSize))
	}
	if sysSize < HeaderSize+minChunk {
		return vsierr.Wrap(vsierr.ErrInvalidArgument, "region.ValidateLayout", fmt.Errorf("system region size %d too small for header + one node", sysSize))
	}
	if userSize < HeaderSize+minChunk {
		return vsierr.Wrap(vsierr.ErrInvalidArgument, "region.ValidateLayout", fmt.Errorf("user region size %d too small for header + one chunk", userSize))
	}
	return nil
}
