package btree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/tokenbucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbcore/pagestore/internal/cache"
	"github.com/dbcore/pagestore/internal/config"
	"github.com/dbcore/pagestore/internal/page"
	"github.com/dbcore/pagestore/internal/slab"
	"github.com/dbcore/pagestore/internal/wal"
)

// newTestTree wires a Tree to an in-memory page store and an in-memory
// WAL, small enough that a handful of keys force splits, mirroring the
// literal end-to-end scenarios this engine is meant to satisfy.
func newTestTree(t *testing.T, nodeSize, overflowSize, maxInlineLen int) *Tree {
	t.Helper()
	alloc := slab.New([]int{nodeSize, overflowSize})
	codec := page.NewCodec(0)

	store := map[slab.PageID]page.Page{}
	load := func(id slab.PageID) (page.Page, error) {
		if p, ok := store[id]; ok {
			cp := make(page.Page, len(p))
			copy(cp, p)
			return cp, nil
		}
		sz := nodeSize
		if id.Class() == 1 {
			sz = overflowSize
		}
		return page.New(sz, page.TypeLeaf, id.Class()), nil
	}
	write := func(id slab.PageID, p page.Page) error {
		cp := make(page.Page, len(p))
		copy(cp, p)
		store[id] = cp
		return nil
	}
	limiter := &tokenbucket.TokenBucket{}
	limiter.Init(tokenbucket.TokensPerSecond(1<<30), tokenbucket.Tokens(1<<20))
	c := cache.New(256, load, write, limiter, nil)

	fs := vfs.NewMem()
	w, err := wal.Open(fs, "/wal", 1<<20, config.SyncNoneForTests, 0, nil)
	require.NoError(t, err)

	tr, err := Open(Options{
		Cache:         c,
		Alloc:         alloc,
		Codec:         codec,
		WAL:           w,
		NodeClass:     0,
		NodeSize:      nodeSize,
		OverflowClass: 1,
		OverflowSize:  overflowSize,
		MaxInlineLen:  maxInlineLen,
	}, 0, false)
	require.NoError(t, err)
	return tr
}

func TestGetInsertRoundTrip(t *testing.T) {
	tr := newTestTree(t, 4096, 4096, 1024)

	require.NoError(t, tr.Insert([]byte("apple"), []byte("red")))
	require.NoError(t, tr.Insert([]byte("banana"), []byte("yellow")))
	require.NoError(t, tr.Insert([]byte("cherry"), []byte("dark red")))

	v, err := tr.Get([]byte("banana"))
	require.NoError(t, err)
	assert.Equal(t, []byte("yellow"), v)

	require.NoError(t, tr.Insert([]byte("banana"), []byte("green")))
	v, err = tr.Get([]byte("banana"))
	require.NoError(t, err)
	assert.Equal(t, []byte("green"), v, "Insert on an existing key must replace its value")

	require.NoError(t, tr.CheckInvariants())
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	tr := newTestTree(t, 4096, 4096, 1024)
	require.NoError(t, tr.Insert([]byte("a"), []byte("1")))

	_, err := tr.Get([]byte("missing"))
	assert.Error(t, err)
}

func TestInsertForcesSplitAcrossSmallPages(t *testing.T) {
	tr := newTestTree(t, 256, 4096, 60)

	for i := 1; i <= 50; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		require.NoError(t, tr.Insert(key, []byte(fmt.Sprintf("v%03d", i))))
	}
	require.NoError(t, tr.CheckInvariants())
	assert.NotEqual(t, slab.PageID(0), tr.RootID())

	it, err := tr.Scan(nil, nil)
	require.NoError(t, err)
	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	require.NoError(t, it.Err())
	require.Len(t, got, 50)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1] < got[i], "scan must yield strictly ascending keys across split leaves")
	}
}

func TestScanRespectsRange(t *testing.T) {
	tr := newTestTree(t, 256, 4096, 60)
	for i := 1; i <= 30; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		require.NoError(t, tr.Insert(key, []byte("v")))
	}

	it, err := tr.Scan([]byte("k010"), []byte("k020"))
	require.NoError(t, err)
	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 10, len(got))
	assert.Equal(t, "k010", got[0])
	assert.Equal(t, "k019", got[len(got)-1])
}

func TestDeleteTriggersRebalanceAndPreservesInvariants(t *testing.T) {
	tr := newTestTree(t, 256, 4096, 60)
	var keys [][]byte
	for i := 1; i <= 40; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		keys = append(keys, key)
		require.NoError(t, tr.Insert(key, []byte("v")))
	}
	require.NoError(t, tr.CheckInvariants())

	for i := 0; i < 30; i++ {
		require.NoError(t, tr.Delete(keys[i]))
		require.NoError(t, tr.CheckInvariants())
	}

	for i := 0; i < 30; i++ {
		_, err := tr.Get(keys[i])
		assert.Error(t, err, "deleted key must not be found")
	}
	for i := 30; i < 40; i++ {
		v, err := tr.Get(keys[i])
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)
	}
}

func TestDeleteMissingKeyReturnsError(t *testing.T) {
	tr := newTestTree(t, 4096, 4096, 1024)
	require.NoError(t, tr.Insert([]byte("a"), []byte("1")))
	err := tr.Delete([]byte("b"))
	assert.Error(t, err)
}

func TestOverflowChainRoundTripAndFreeOnDelete(t *testing.T) {
	tr := newTestTree(t, 4096, 256, 32)

	big := bytes.Repeat([]byte("x"), 5000)
	require.NoError(t, tr.Insert([]byte("big"), big))

	got, err := tr.Get([]byte("big"))
	require.NoError(t, err)
	assert.Equal(t, big, got)

	require.NoError(t, tr.Delete([]byte("big")))
	_, err = tr.Get([]byte("big"))
	assert.Error(t, err)

	// The delete freed every page of the chain.
	chunks := (len(big) + tr.overflowChunkCap - 1) / tr.overflowChunkCap
	assert.Len(t, tr.alloc.Snapshot().Classes[1].Free, chunks)
}

func TestOverflowValueOverwriteFreesOldChain(t *testing.T) {
	tr := newTestTree(t, 4096, 256, 32)

	first := bytes.Repeat([]byte("a"), 3000)
	second := bytes.Repeat([]byte("b"), 4000)
	require.NoError(t, tr.Insert([]byte("k"), first))
	require.NoError(t, tr.Insert([]byte("k"), second))

	got, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, second, got)

	// The overwrite freed every page of the first value's chain.
	oldChunks := (len(first) + tr.overflowChunkCap - 1) / tr.overflowChunkCap
	assert.Len(t, tr.alloc.Snapshot().Classes[1].Free, oldChunks)
}
