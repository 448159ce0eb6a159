package vsierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_MatchesSentinelViaIs(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(ErrCorruption, "useralloc.Free", cause)

	assert.True(t, errors.Is(err, ErrCorruption))
	assert.False(t, errors.Is(err, ErrIO))
	assert.Contains(t, err.Error(), "useralloc.Free")
	assert.Contains(t, err.Error(), "boom")
}

func TestWrap_NilCauseOmitsTrailer(t *testing.T) {
	err := Wrap(ErrNoData, "signalstore.fetch", nil)

	assert.True(t, errors.Is(err, ErrNoData))
	assert.Equal(t, "signalstore.fetch: vsi: no data", err.Error())
}

func TestKind_ReturnsMatchingSentinel(t *testing.T) {
	err := Wrap(ErrOutOfMemory, "useralloc.Alloc", nil)
	assert.Equal(t, ErrOutOfMemory, Kind(err))
}

func TestKind_ReturnsNilForUnrelatedError(t *testing.T) {
	assert.Nil(t, Kind(errors.New("unrelated")))
}
