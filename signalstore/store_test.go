package signalstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsicore/vsicore/btree"
	"github.com/vsicore/vsicore/region"
	"github.com/vsicore/vsicore/sysalloc"
	"github.com/vsicore/vsicore/useralloc"
	"github.com/vsicore/vsicore/vsierr"
	"github.com/vsicore/vsicore/vsilog"
)

const testMinDegree = 3

// Layout for nodeProvider in tests: three 8-byte tree control blocks
// (bySize, byOffset, registry) followed by the shared node pool,
// mirroring vsicore.wire's fixed-offset layout.
const (
	bySizeControlBase   = 0
	byOffsetControlBase = 8
	registryControlBase = 16
	poolBase            = 24
)

func newTestStore(t *testing.T, userSize uint32) *Store {
	t.Helper()
	nodeSize := btree.NodeSize(testMinDegree)
	nodeProvider := region.NewMemProvider(poolBase + nodeSize*256)
	pool, err := sysalloc.New(nodeProvider, poolBase, nodeProvider.Size()-poolBase, nodeSize)
	require.NoError(t, err)
	require.NoError(t, pool.Init())

	userProvider := region.NewMemProvider(userSize)
	r, err := region.Open(userProvider, true)
	require.NoError(t, err)

	alloc, err := useralloc.New(userProvider, nodeProvider, pool, region.HeaderSize, userSize-region.HeaderSize, useralloc.Config{MinDegree: testMinDegree}, bySizeControlBase, byOffsetControlBase)
	require.NoError(t, err)
	require.NoError(t, alloc.Init(true))

	store, err := Open(r, alloc, nodeProvider, pool, registryControlBase, testMinDegree, true, vsilog.Default("test"))
	require.NoError(t, err)
	return store
}

func TestStore_InsertThenFetchIsFIFO(t *testing.T) {
	store := newTestStore(t, 1<<16)
	ctx := context.Background()

	require.NoError(t, store.Insert(1, 100, []byte("first")))
	require.NoError(t, store.Insert(1, 100, []byte("second")))
	require.NoError(t, store.Insert(1, 100, []byte("third")))

	buf := make([]byte, 64)
	n, err := store.Fetch(ctx, 1, 100, buf, false)
	require.NoError(t, err)
	assert.Equal(t, "first", string(buf[:n]))

	n, err = store.Fetch(ctx, 1, 100, buf, false)
	require.NoError(t, err)
	assert.Equal(t, "second", string(buf[:n]))

	n, err = store.Fetch(ctx, 1, 100, buf, false)
	require.NoError(t, err)
	assert.Equal(t, "third", string(buf[:n]))

	_, err = store.Fetch(ctx, 1, 100, buf, false)
	assert.True(t, errors.Is(err, vsierr.ErrNoData))
}

func TestStore_FetchNewestDoesNotConsume(t *testing.T) {
	store := newTestStore(t, 1<<16)
	ctx := context.Background()

	require.NoError(t, store.Insert(2, 200, []byte("old")))
	require.NoError(t, store.Insert(2, 200, []byte("new")))

	buf := make([]byte, 64)
	n, err := store.FetchNewest(ctx, 2, 200, buf, false)
	require.NoError(t, err)
	assert.Equal(t, "new", string(buf[:n]))

	// Calling it again must still return "new"; nothing was consumed.
	n, err = store.FetchNewest(ctx, 2, 200, buf, false)
	require.NoError(t, err)
	assert.Equal(t, "new", string(buf[:n]))

	// The destructive FIFO path must still see both records, in order.
	n, err = store.Fetch(ctx, 2, 200, buf, false)
	require.NoError(t, err)
	assert.Equal(t, "old", string(buf[:n]))
	n, err = store.Fetch(ctx, 2, 200, buf, false)
	require.NoError(t, err)
	assert.Equal(t, "new", string(buf[:n]))
}

func TestStore_Fetch_NoDataWithoutWait(t *testing.T) {
	store := newTestStore(t, 1<<16)
	ctx := context.Background()

	buf := make([]byte, 16)
	_, err := store.Fetch(ctx, 3, 300, buf, false)
	assert.True(t, errors.Is(err, vsierr.ErrNoData), "unknown (domain,key) with wait=false must return NoData")
}

func TestStore_Fetch_BlocksUntilInsert(t *testing.T) {
	store := newTestStore(t, 1<<16)

	// Seed the list so the waiter has something to register against.
	require.NoError(t, store.Insert(4, 400, []byte("seed")))
	ctx := context.Background()
	buf := make([]byte, 16)
	_, err := store.Fetch(ctx, 4, 400, buf, false)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := store.Fetch(waitCtx, 4, 400, buf, true)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.Insert(4, 400, []byte("woke-up")))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocking Fetch did not return after Insert")
	}
}

func TestStore_BroadcastWakesAllWaiters(t *testing.T) {
	store := newTestStore(t, 1<<16)

	// Register the list so both waiters have something to find.
	require.NoError(t, store.Insert(3, 4, []byte("seed")))
	buf := make([]byte, 8)
	_, err := store.Fetch(context.Background(), 3, 4, buf, false)
	require.NoError(t, err)

	type result struct {
		n   int
		err error
		buf [8]byte
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			var b [8]byte
			n, err := store.Fetch(ctx, 3, 4, b[:], true)
			results <- result{n: n, err: err, buf: b}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.Insert(3, 4, []byte("X")))

	sawPayload := 0
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			// Both waiters registered before the insert, so both read the
			// record before the last-to-leave waiter removes it.
			assert.NoError(t, r.err)
			if r.err == nil {
				assert.Equal(t, "X", string(r.buf[:r.n]))
				sawPayload++
			}
		case <-time.After(2 * time.Second):
			t.Fatal("a waiter never woke after the broadcast insert")
		}
	}
	assert.Equal(t, 2, sawPayload)

	// Exactly one waiter performed the removal: the list is empty now.
	_, err = store.Fetch(context.Background(), 3, 4, buf, false)
	assert.True(t, errors.Is(err, vsierr.ErrNoData))
}

func TestStore_FlushLeavesBlockedWaitersWaiting(t *testing.T) {
	store := newTestStore(t, 1<<16)

	require.NoError(t, store.Insert(7, 700, []byte("pending")))

	done := make(chan error, 1)
	go func() {
		// Drain the list first so the waiter actually blocks.
		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		defer cancel()
		buf := make([]byte, 16)
		if _, err := store.Fetch(context.Background(), 7, 700, buf, false); err != nil {
			done <- err
			return
		}
		_, err := store.Fetch(ctx, 7, 700, buf, true)
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, store.Flush(7, 700))

	// Flush zeroes the message count, so the blocked waiter keeps waiting
	// rather than waking with stale data; its context expiring is the
	// only way out here.
	err := <-done
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStore_FlushDrainsPendingRecords(t *testing.T) {
	store := newTestStore(t, 1<<16)
	ctx := context.Background()

	require.NoError(t, store.Insert(5, 500, []byte("a")))
	require.NoError(t, store.Insert(5, 500, []byte("b")))

	require.NoError(t, store.Flush(5, 500))

	buf := make([]byte, 16)
	_, err := store.Fetch(ctx, 5, 500, buf, false)
	assert.True(t, errors.Is(err, vsierr.ErrNoData), "flush must drain all pending records")

	// Flushing an empty/unknown list is a no-op, not an error.
	assert.NoError(t, store.Flush(6, 600))
}
