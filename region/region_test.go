package region

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsicore/vsicore/vsierr"
)

func TestOpen_FreshWritesHeader(t *testing.T) {
	p := NewMemProvider(4096)
	r, err := Open(p, true)
	require.NoError(t, err)

	total, err := r.readUint64(offTotalSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), total)

	init, err := r.Initialized()
	require.NoError(t, err)
	assert.False(t, init)
}

func TestOpen_ExistingRejectsSizeMismatch(t *testing.T) {
	p := NewMemProvider(4096)
	_, err := Open(p, true)
	require.NoError(t, err)

	// Simulate reattaching to a differently-sized mapping: same bytes,
	// reported size doesn't match the persisted header.
	short := &truncatedProvider{MemProvider: p, size: 2048}
	_, err = Open(short, false)
	assert.True(t, errors.Is(err, vsierr.ErrCorruption))
}

func TestMarkInitialized_RoundTrips(t *testing.T) {
	p := NewMemProvider(4096)
	r, err := Open(p, true)
	require.NoError(t, err)

	require.NoError(t, r.MarkInitialized())
	init, err := r.Initialized()
	require.NoError(t, err)
	assert.True(t, init)
}

func TestLock_ExcludesConcurrentAcquire(t *testing.T) {
	p := NewMemProvider(4096)
	r, err := Open(p, true)
	require.NoError(t, err)

	require.NoError(t, r.Lock())

	ok, err := p.CompareAndSwap32(offLockWord, lockFree, lockHeld)
	require.NoError(t, err)
	assert.False(t, ok, "lock word should already be held")

	require.NoError(t, r.Unlock())

	ok, err = p.CompareAndSwap32(offLockWord, lockFree, lockHeld)
	require.NoError(t, err)
	assert.True(t, ok, "lock should be free again after Unlock")
}

func TestValidateLayout(t *testing.T) {
	assert.NoError(t, ValidateLayout(4096, 4096, 64))
	assert.Error(t, ValidateLayout(4097, 4096, 64), "not 8-byte aligned")
	assert.Error(t, ValidateLayout(8, 4096, 64), "too small for header+chunk")
}

// truncatedProvider reports a different Size() than its backing data has,
// to exercise Open's header/mapping size mismatch check.
type truncatedProvider struct {
	*MemProvider
	size uint32
}

func (t *truncatedProvider) Size() uint32 { return t.size }
