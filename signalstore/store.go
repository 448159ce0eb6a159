package signalstore

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/vsicore/vsicore/btree"
	"github.com/vsicore/vsicore/lock"
	"github.com/vsicore/vsicore/region"
	"github.com/vsicore/vsicore/useralloc"
	"github.com/vsicore/vsicore/vsierr"
	"github.com/vsicore/vsicore/vsilog"
)

var registryKeyDef = btree.KeyDef{Fields: []btree.FieldDef{
	{Offset: offDomain, Type: btree.FieldUint32, Direction: btree.Ascending},
	{Offset: offKey, Type: btree.FieldUint32, Direction: btree.Ascending},
}}

// estimatedSignalPairs sizes the process-local bloom presence index. It
// is a soft hint, not a hard cap; the registry B-tree remains the
// source of truth for every (domain,key) pair regardless of filter size.
const estimatedSignalPairs = 4096

// Store implements the per-(domain,key) FIFO signal registry: a B-tree of
// SignalList control blocks (allocated from the User region via
// UserAlloc, nodes from the System region via the registry tree's
// NodeAlloc), fronted by a process-local bloom filter presence index so
// the common "does this pair exist yet" check skips the tree descent.
type Store struct {
	Region    *region.Region
	UserAlloc *useralloc.Allocator
	registry  *btree.Tree
	log       *vsilog.Logger

	// bloom and knownCount are process-local and only touched while
	// holding the region lock, which serializes every registry mutation
	// and lookup across processes and goroutines alike.
	bloom      *bloom.BloomFilter
	knownCount uint32

	// One Semaphore instance per list, shared by every goroutine in this
	// process so the in-process channel fast path actually connects a
	// Post to the goroutines blocked in Wait. The shared counters live in
	// the region either way; this cache only affects wake latency.
	semMu sync.Mutex
	sems  map[uint32]*lock.Semaphore
}

// Open binds a Store to an existing or freshly created registry control
// block, rebuilding its bloom filter from the registry tree's current
// contents (the filter itself is process-local, never stored in shared
// memory, matching the B-tree comparator's per-process design).
func Open(r *region.Region, userAlloc *useralloc.Allocator, nodeProvider region.MemoryProvider, nodeAlloc btree.NodeAllocator, registryControlBase uint32, minDegree int, fresh bool, log *vsilog.Logger) (*Store, error) {
	s := &Store{
		Region:    r,
		UserAlloc: userAlloc,
		bloom:     bloom.NewWithEstimates(estimatedSignalPairs, 0.01),
		sems:      make(map[uint32]*lock.Semaphore),
		log:       log,
	}
	s.registry = &btree.Tree{
		NodeProvider:   nodeProvider,
		RecordProvider: userAlloc.UserProvider,
		NodeAlloc:      nodeAlloc,
		ControlBase:    registryControlBase,
		Cfg:            btree.Config{MinDegree: minDegree, RecordSize: SignalListSize, KeyDef: registryKeyDef},
	}
	if err := btree.Open(s.registry, fresh); err != nil {
		return nil, err
	}
	if !fresh {
		if err := r.Lock(); err != nil {
			return nil, err
		}
		err := s.rebuildBloom()
		if unlockErr := r.Unlock(); err == nil {
			err = unlockErr
		}
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// rebuildBloom repopulates the process-local presence filter from the
// registry tree and records the registry count it was built against.
// Callers hold the region lock (or, at Open time, are the only accessor).
func (s *Store) rebuildBloom() error {
	fresh := bloom.NewWithEstimates(estimatedSignalPairs, 0.01)
	if err := s.registry.Traverse(func(off uint32) bool {
		domain, key, _, _, _, _, rerr := readSignalList(s.UserAlloc.UserProvider, off)
		if rerr != nil {
			return false
		}
		fresh.Add(bloomKey(domain, key))
		return true
	}); err != nil {
		return err
	}
	count, err := s.registry.Count()
	if err != nil {
		return err
	}
	s.bloom = fresh
	s.knownCount = count
	return nil
}

func bloomKey(domain, key uint32) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], domain)
	binary.LittleEndian.PutUint32(buf[4:8], key)
	return buf[:]
}

// findSignalList resolves (domain,key) to its SignalList offset. Callers
// hold the region lock. A bloom miss is only trusted while the registry
// count matches the count the filter was built against; another process
// may have created lists this process's filter has never seen, so a miss
// with a moved count forces a rebuild before concluding absence.
func (s *Store) findSignalList(domain, key uint32) (uint32, bool, error) {
	if !s.bloom.Test(bloomKey(domain, key)) {
		count, err := s.registry.Count()
		if err != nil {
			return 0, false, err
		}
		if count == s.knownCount {
			return 0, false, nil
		}
		if err := s.rebuildBloom(); err != nil {
			return 0, false, err
		}
		if !s.bloom.Test(bloomKey(domain, key)) {
			return 0, false, nil
		}
	}
	cmp := func(cand []byte) int {
		candDomain := binary.LittleEndian.Uint32(cand[offDomain:])
		candKey := binary.LittleEndian.Uint32(cand[offKey:])
		switch {
		case domain != candDomain:
			if domain < candDomain {
				return -1
			}
			return 1
		case key != candKey:
			if key < candKey {
				return -1
			}
			return 1
		default:
			return 0
		}
	}
	return s.registry.Search(cmp)
}

func (s *Store) createSignalList(domain, key uint32) (uint32, error) {
	off, err := s.UserAlloc.Alloc(SignalListSize)
	if err != nil {
		return 0, err
	}
	listOff := off
	if err := writeSignalListHeader(s.UserAlloc.UserProvider, listOff, domain, key); err != nil {
		return 0, err
	}
	if err := writeSignalListFields(s.UserAlloc.UserProvider, listOff, End, End, 0, 0); err != nil {
		return 0, err
	}
	if err := lock.Zero(s.UserAlloc.UserProvider, listOff+offSemaphore); err != nil {
		return 0, err
	}
	if err := s.registry.Insert(listOff); err != nil {
		return 0, err
	}
	s.bloom.Add(bloomKey(domain, key))
	s.knownCount++
	s.log.Debug("signal list created", vsilog.Uint32("domain", domain), vsilog.Uint32("key", key))
	return listOff, nil
}

func (s *Store) semaphoreFor(listOff uint32) *lock.Semaphore {
	s.semMu.Lock()
	defer s.semMu.Unlock()
	sem, ok := s.sems[listOff]
	if !ok {
		sem = lock.New(s.UserAlloc.UserProvider, listOff+offSemaphore)
		s.sems[listOff] = sem
	}
	return sem
}

// Insert appends body to the FIFO list for (domain,key), creating the
// list on first use, then wakes every waiter.
func (s *Store) Insert(domain, key uint32, body []byte) error {
	if err := s.Region.Lock(); err != nil {
		return err
	}
	defer s.Region.Unlock()

	listOff, found, err := s.findSignalList(domain, key)
	if err != nil {
		return err
	}
	if !found {
		listOff, err = s.createSignalList(domain, key)
		if err != nil {
			return err
		}
	}

	recOff, err := s.UserAlloc.Alloc(HeaderSize + uint32(len(body)))
	if err != nil {
		return err
	}
	if err := writeSignalDataHeader(s.UserAlloc.UserProvider, recOff, End, uint32(len(body))); err != nil {
		return err
	}
	if len(body) > 0 {
		if err := s.UserAlloc.UserProvider.WriteAt(recOff+HeaderSize, body); err != nil {
			return err
		}
	}

	_, _, head, tail, count, totalSize, err := readSignalList(s.UserAlloc.UserProvider, listOff)
	if err != nil {
		return err
	}
	if head == End {
		head = recOff
		tail = recOff
	} else {
		_, oldTailSize, err := readSignalDataHeader(s.UserAlloc.UserProvider, tail)
		if err != nil {
			return err
		}
		if err := writeSignalDataHeader(s.UserAlloc.UserProvider, tail, recOff, oldTailSize); err != nil {
			return err
		}
		tail = recOff
	}
	count++
	totalSize += uint32(len(body))
	if err := writeSignalListFields(s.UserAlloc.UserProvider, listOff, head, tail, count, totalSize); err != nil {
		return err
	}

	sem := s.semaphoreFor(listOff)
	if err := sem.IncMessageCount(); err != nil {
		return err
	}
	return sem.Post()
}

// Fetch is destructive FIFO: it copies and removes the head record, but
// only once it is the last waiter observing it; earlier-leaving waiters
// leave the record in place so the rest can still read the same value.
func (s *Store) Fetch(ctx context.Context, domain, key uint32, buf []byte, wait bool) (int, error) {
	return s.fetch(ctx, domain, key, buf, wait, false)
}

// FetchNewest copies the tail record and never removes it, for
// sampled-value semantics.
func (s *Store) FetchNewest(ctx context.Context, domain, key uint32, buf []byte, wait bool) (int, error) {
	return s.fetch(ctx, domain, key, buf, wait, true)
}

func (s *Store) fetch(ctx context.Context, domain, key uint32, buf []byte, wait bool, newest bool) (int, error) {
	if err := s.Region.Lock(); err != nil {
		return 0, err
	}
	listOff, found, err := s.findSignalList(domain, key)
	if err == nil && !found {
		err = vsierr.Wrap(vsierr.ErrNoData, "signalstore.fetch", nil)
	}
	var head uint32
	if err == nil {
		_, _, head, _, _, _, err = readSignalList(s.UserAlloc.UserProvider, listOff)
	}
	if unlockErr := s.Region.Unlock(); err == nil {
		err = unlockErr
	}
	if err != nil {
		return 0, err
	}
	if head == End && !wait {
		return 0, vsierr.Wrap(vsierr.ErrNoData, "signalstore.fetch", nil)
	}

	sem := s.semaphoreFor(listOff)
	if _, err := sem.IncWaiterCount(); err != nil {
		return 0, err
	}
	// A non-waiting fetch never blocks: it relies on the locked re-read of
	// head below, which reports NoData if a racing consumer drained the
	// list after the unlocked check above.
	var waitErr error
	if wait {
		waitErr = sem.Wait(ctx)
	}
	if waitErr != nil {
		_, _ = sem.DecWaiterCount()
		return 0, waitErr
	}

	if err := s.Region.Lock(); err != nil {
		_, _ = sem.DecWaiterCount()
		return 0, err
	}
	defer s.Region.Unlock()

	// Leaving the waiter set and copying the record share one region-lock
	// section, so every waiter that is not the last copies the record
	// before the last one removes it.
	remaining, err := sem.DecWaiterCount()
	if err != nil {
		return 0, err
	}

	_, _, head, tail, count, totalSize, err := readSignalList(s.UserAlloc.UserProvider, listOff)
	if err != nil {
		return 0, err
	}
	if head == End {
		return 0, vsierr.Wrap(vsierr.ErrNoData, "signalstore.fetch", nil)
	}

	target := head
	if newest {
		target = tail
	}
	next, size, err := readSignalDataHeader(s.UserAlloc.UserProvider, target)
	if err != nil {
		return 0, err
	}
	n := int(size)
	if n > len(buf) {
		n = len(buf)
	}
	if n > 0 {
		if err := s.UserAlloc.UserProvider.ReadAt(target+HeaderSize, buf[:n]); err != nil {
			return 0, err
		}
	}

	if newest {
		// fetch_newest only samples the tail; it never consumes a
		// message, so unlike the destructive path below it must not
		// decrement messageCount; doing so would desynchronize the
		// counter from the records still actually queued for
		// destructive Fetch callers.
		return n, nil
	}

	if remaining == 0 {
		newHead := next
		newTail := tail
		if newHead == End {
			newTail = End
		}
		if err := writeSignalListFields(s.UserAlloc.UserProvider, listOff, newHead, newTail, count-1, totalSize-size); err != nil {
			return n, err
		}
		if err := sem.DecMessageCount(); err != nil {
			return n, err
		}
		if err := s.UserAlloc.Free(target); err != nil {
			return n, err
		}
	}

	return n, nil
}

// Flush drains every pending record for (domain,key), resets the list to
// empty, and wakes any stranded waiters so they can re-check and return
// NoData (or re-wait). Idempotent: flushing an already-empty list leaves
// it empty, and flushing an unknown (domain,key) returns nil.
func (s *Store) Flush(domain, key uint32) error {
	if err := s.Region.Lock(); err != nil {
		return err
	}
	defer s.Region.Unlock()

	listOff, found, err := s.findSignalList(domain, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	_, _, head, _, _, _, err := readSignalList(s.UserAlloc.UserProvider, listOff)
	if err != nil {
		return err
	}
	for head != End {
		next, _, err := readSignalDataHeader(s.UserAlloc.UserProvider, head)
		if err != nil {
			return err
		}
		if err := s.UserAlloc.Free(head); err != nil {
			return err
		}
		head = next
	}
	if err := writeSignalListFields(s.UserAlloc.UserProvider, listOff, End, End, 0, 0); err != nil {
		return err
	}

	sem := s.semaphoreFor(listOff)
	if err := sem.ZeroMessageCount(); err != nil {
		return err
	}
	if wc, err := sem.WaiterCount(); err != nil {
		return err
	} else if wc > 0 {
		if err := sem.Post(); err != nil {
			return err
		}
	}
	return nil
}
