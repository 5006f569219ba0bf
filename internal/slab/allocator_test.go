package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateReusesFreedSlotsLowestFirst(t *testing.T) {
	a := New([]int{64, 256})

	id0, isNew, err := a.Allocate(0)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, uint64(0), id0.Slot())

	id1, isNew, err := a.Allocate(0)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, uint64(1), id1.Slot())

	require.NoError(t, a.Free(id0))

	id2, isNew, err := a.Allocate(0)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, id0, id2, "the lowest freed slot should be handed back before extending")
}

func TestDoubleFreeIsFatalInvariant(t *testing.T) {
	a := New([]int{64})
	id, _, err := a.Allocate(0)
	require.NoError(t, err)
	require.NoError(t, a.Free(id))
	err = a.Free(id)
	assert.ErrorContains(t, err, "double free")
}

func TestSnapshotRoundTripsThroughEncodeDecode(t *testing.T) {
	a := New([]int{64, 256, 4096})
	for i := 0; i < 5; i++ {
		_, _, err := a.Allocate(0)
		require.NoError(t, err)
	}
	id, _, err := a.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, a.Free(id))

	snap := a.Snapshot()
	buf := EncodeSnapshot(snap)
	decoded, err := DecodeSnapshot(buf)
	require.NoError(t, err)

	b := New([]int{64, 256, 4096})
	require.NoError(t, b.Load(decoded))

	// The freed class-1 slot should still be reusable after a load.
	reused, isNew, err := b.Allocate(1)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, id, reused)
}

func TestSizeClassForPicksSmallestFit(t *testing.T) {
	a := New([]int{64, 256, 1024})
	class, ok := a.SizeClassFor(200)
	require.True(t, ok)
	assert.Equal(t, uint8(1), class)

	_, ok = a.SizeClassFor(2000)
	assert.False(t, ok, "no class fits; caller must overflow-chain")
}

func TestDecodeSnapshotRejectsTruncatedBuffer(t *testing.T) {
	_, err := DecodeSnapshot([]byte{1, 2, 3})
	assert.Error(t, err)
}
