package page

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetSlotRoundTrip(t *testing.T) {
	c := NewCodec(0)
	p := New(4096, TypeLeaf, 3)

	require.NoError(t, c.PutSlot(p, 0, []byte("hello")))
	require.NoError(t, c.PutSlot(p, 1, []byte("world")))

	v0, err := c.GetSlot(p, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v0)

	v1, err := c.GetSlot(p, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), v1)
}

func TestPutSlotCompressesAboveThreshold(t *testing.T) {
	c := NewCodec(16)
	p := New(4096, TypeLeaf, 3)

	small := []byte("short")
	big := bytes.Repeat([]byte("a"), 200)

	require.NoError(t, c.PutSlot(p, 0, small))
	require.NoError(t, c.PutSlot(p, 1, big))

	_, lenSmall, compSmall := p.slotDesc(0)
	_, lenBig, compBig := p.slotDesc(1)

	assert.False(t, compSmall)
	assert.Equal(t, len(small), lenSmall)
	assert.True(t, compBig, "a 200-byte run of 'a' should compress")
	assert.Less(t, lenBig, len(big))

	got, err := c.GetSlot(p, 1)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestDeleteSlotPreservesRightSibling(t *testing.T) {
	c := NewCodec(0)
	p := New(4096, TypeLeaf, 3)
	p.SetRightSibling(42)

	require.NoError(t, c.PutSlot(p, 0, []byte("a")))
	require.NoError(t, c.PutSlot(p, 1, []byte("b")))
	require.NoError(t, c.PutSlot(p, 2, []byte("c")))

	require.NoError(t, c.DeleteSlot(p, 1))

	assert.Equal(t, uint64(42), p.RightSibling(), "rebuild must not clobber the sibling link")
	assert.Equal(t, 2, p.NumSlots())

	v0, err := c.GetSlot(p, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v0)
	v1, err := c.GetSlot(p, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), v1)
}

func TestChecksumDetectsCorruption(t *testing.T) {
	p := New(4096, TypeLeaf, 0)
	c := NewCodec(0)
	require.NoError(t, c.PutSlot(p, 0, []byte("data")))
	StampChecksum(p)
	assert.True(t, VerifyChecksum(p))

	p[100] ^= 0xFF
	assert.False(t, VerifyChecksum(p))
}

func TestVerifyMagicRejectsZeroedPage(t *testing.T) {
	blank := make(Page, 256)
	assert.False(t, VerifyMagic(blank))

	p := New(256, TypeLeaf, 0)
	assert.True(t, VerifyMagic(p))
}
