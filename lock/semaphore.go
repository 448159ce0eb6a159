// Package lock implements the broadcast-release semaphore coordinating
// signal producers and consumers: a process-shared lock word guarding an
// integer message count and an integer waiter count, plus a generation
// counter bumped on every Post. Go has no native process-shared pthread
// mutex/condvar, so waiters in other processes notice a post by polling
// the shared message count (a bounded spin, then a periodic re-poll);
// an in-process channel fast path wakes same-process waiters at once.
// Wait does not read the generation counter.
package lock

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/vsicore/vsicore/region"
)

// Layout within the caller-supplied byte range, little-endian, 16 bytes:
//
//	0  : lockWord      uint32  (CAS spinlock guarding messageCount/waiterCount)
//	4  : messageCount  uint32
//	8  : waiterCount   uint32
//	12 : generation    uint32  (bumped on every Post; not read by Wait)
const (
	offLockWord     = 0
	offMessageCount = 4
	offWaiterCount  = 8
	offGeneration   = 12

	// Size is the number of bytes a Semaphore occupies in shared memory.
	Size = 16

	lockFree = 0
	lockHeld = 1
)

// Semaphore is a broadcast-release semaphore whose state lives inside a
// region's shared bytes starting at a caller-supplied offset, so every
// process mapping the region observes the same counters.
//
// It is not a counting semaphore in the POSIX sense: messageCount is
// maintained entirely by callers (who already hold the protecting region
// lock while touching it); Post only wakes waiters.
type Semaphore struct {
	provider region.MemoryProvider
	base     uint32

	mu    sync.Mutex
	local map[chan struct{}]struct{}
}

// New binds a Semaphore to base..base+Size of provider. Callers are
// responsible for zeroing that range once, at list-creation time, before
// any process calls Wait or Post against it.
func New(provider region.MemoryProvider, base uint32) *Semaphore {
	return &Semaphore{provider: provider, base: base, local: make(map[chan struct{}]struct{})}
}

func (s *Semaphore) lockWord() error {
	spins := 0
	for {
		ok, err := s.provider.CompareAndSwap32(s.base+offLockWord, lockFree, lockHeld)
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

func (s *Semaphore) unlockWord() error {
	return s.provider.AtomicStore32(s.base+offLockWord, lockFree)
}

// MessageCount reads the current message count. Callers normally hold the
// region lock (not this semaphore's own word lock) when calling this, per
// the core's locking design; the word lock here only protects the
// counters from concurrent Post/Wait bookkeeping, not from callers who
// already serialize via the region lock.
func (s *Semaphore) MessageCount() (uint32, error) {
	return s.provider.AtomicLoad32(s.base + offMessageCount)
}

// IncMessageCount increments messageCount by one. Called by the producer
// side (insert) while holding the region lock, before Post.
func (s *Semaphore) IncMessageCount() error {
	_, err := s.provider.AtomicAdd32(s.base+offMessageCount, 1)
	return err
}

// DecMessageCount decrements messageCount by one. Called by the consumer
// side (fetch) after a successful Wait, while holding the region lock.
func (s *Semaphore) DecMessageCount() error {
	if err := s.lockWord(); err != nil {
		return err
	}
	defer s.unlockWord()
	v, err := s.provider.AtomicLoad32(s.base + offMessageCount)
	if err != nil {
		return err
	}
	if v == 0 {
		return nil
	}
	_, err = s.provider.AtomicAdd32(s.base+offMessageCount, ^uint32(0))
	return err
}

// WaiterCount reads the current waiter count.
func (s *Semaphore) WaiterCount() (uint32, error) {
	return s.provider.AtomicLoad32(s.base + offWaiterCount)
}

// IncWaiterCount increments waiterCount by one.
func (s *Semaphore) IncWaiterCount() (uint32, error) {
	return s.provider.AtomicAdd32(s.base+offWaiterCount, 1)
}

// DecWaiterCount decrements waiterCount by one and returns the new value.
func (s *Semaphore) DecWaiterCount() (uint32, error) {
	if err := s.lockWord(); err != nil {
		return 0, err
	}
	defer s.unlockWord()
	v, err := s.provider.AtomicLoad32(s.base + offWaiterCount)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, nil
	}
	return s.provider.AtomicAdd32(s.base+offWaiterCount, ^uint32(0))
}

// Post wakes every current waiter: it bumps the shared generation counter
// and fires every registered process-local fast-path channel; waiters in
// other processes pick the post up on their next messageCount poll. It does not touch messageCount; the
// caller increments that itself, while still holding the region lock,
// before calling Post.
func (s *Semaphore) Post() error {
	if _, err := s.provider.AtomicAdd32(s.base+offGeneration, 1); err != nil {
		return err
	}
	s.mu.Lock()
	chans := make([]chan struct{}, 0, len(s.local))
	for ch := range s.local {
		chans = append(chans, ch)
	}
	s.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Wait blocks until messageCount is nonzero, or ctx is canceled. It does
// not itself decrement messageCount or waiterCount; Wait only observes
// the condition; both counters are the caller's bookkeeping.
//
// The wait protocol: fast-path atomic check, then a bounded spin loop
// polling messageCount, then a blocking select on a process-local
// channel, ctx cancellation and a 5ms messageCount re-poll; a canceled wait always
// removes its registration rather than leaking it.
func (s *Semaphore) Wait(ctx context.Context) error {
	if mc, err := s.MessageCount(); err != nil {
		return err
	} else if mc > 0 {
		return nil
	}

	deadline := time.Now().Add(time.Microsecond)
	for time.Now().Before(deadline) {
		runtime.Gosched()
		mc, err := s.MessageCount()
		if err != nil {
			return err
		}
		if mc > 0 {
			return nil
		}
	}

	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.local[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.local, ch)
		s.mu.Unlock()
	}()

	for {
		mc, err := s.MessageCount()
		if err != nil {
			return err
		}
		if mc > 0 {
			return nil
		}
		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
			// Bounded re-poll: a Post from another process only bumps the
			// shared generation word, which this process-local channel
			// never observes directly, so fall back to polling
			// messageCount periodically in addition to the fast channel
			// wake for same-process posters.
			continue
		}
	}
}

// ZeroMessageCount resets messageCount to zero. Called by flush, while
// holding the region lock, after draining a list's record chain.
func (s *Semaphore) ZeroMessageCount() error {
	return s.provider.AtomicStore32(s.base+offMessageCount, 0)
}

// Zero resets the semaphore's counters to zero. Called once at
// SignalList creation time, before the list is published into the
// registry B-tree.
func Zero(provider region.MemoryProvider, base uint32) error {
	for _, off := range []uint32{offLockWord, offMessageCount, offWaiterCount, offGeneration} {
		if err := provider.AtomicStore32(base+off, 0); err != nil {
			return err
		}
	}
	return nil
}
