package cache

import (
	"context"
	"testing"

	"github.com/cockroachdb/tokenbucket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbcore/pagestore/internal/dberrors"
	"github.com/dbcore/pagestore/internal/page"
	"github.com/dbcore/pagestore/internal/slab"
	"github.com/dbcore/pagestore/internal/xmetrics"
)

func unlimited() *tokenbucket.TokenBucket {
	tb := &tokenbucket.TokenBucket{}
	tb.Init(tokenbucket.TokensPerSecond(1<<30), tokenbucket.Tokens(1<<20))
	return tb
}

// memBackend is an in-memory stand-in for pagefile.Set, so cache tests
// don't need to touch disk.
type memBackend struct {
	pages map[slab.PageID]page.Page
}

func newMemBackend() *memBackend { return &memBackend{pages: map[slab.PageID]page.Page{}} }

func (m *memBackend) loader(size int) Loader {
	return func(id slab.PageID) (page.Page, error) {
		if p, ok := m.pages[id]; ok {
			cp := make(page.Page, len(p))
			copy(cp, p)
			return cp, nil
		}
		return page.New(size, page.TypeLeaf, id.Class()), nil
	}
}

func (m *memBackend) writeback() Writeback {
	return func(id slab.PageID, p page.Page) error {
		cp := make(page.Page, len(p))
		copy(cp, p)
		m.pages[id] = cp
		return nil
	}
}

func TestPinLoadsOnMissAndReusesOnHit(t *testing.T) {
	be := newMemBackend()
	limiter := unlimited()
	c := New(16, be.loader(256), be.writeback(), limiter, nil)

	id := slab.MakePageID(0, 1)
	h1, err := c.Pin(id)
	require.NoError(t, err)
	h1.Page().SetLSN(7)
	c.Unpin(h1, false)

	h2, err := c.Pin(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), h2.Page().LSN(), "second pin should hit the cached entry, not reload a fresh page")
	c.Unpin(h2, false)
}

func TestPinNewSkipsLoaderAndMarksDirty(t *testing.T) {
	be := newMemBackend()
	limiter := unlimited()
	c := New(16, be.loader(256), be.writeback(), limiter, nil)

	id := slab.MakePageID(0, 5)
	h, err := c.PinNew(id, 256, page.TypeLeaf)
	require.NoError(t, err)
	assert.True(t, page.VerifyMagic(h.Page()))
	c.Unpin(h, true)

	require.NoError(t, c.FlushUpTo(context.Background(), ^uint64(0)))
	_, ok := be.pages[id]
	assert.True(t, ok, "a dirty PinNew page must be written back by FlushUpTo")
}

func TestPinNewOnAlreadyCachedPageIsFatalInvariant(t *testing.T) {
	be := newMemBackend()
	limiter := unlimited()
	c := New(16, be.loader(256), be.writeback(), limiter, nil)

	id := slab.MakePageID(0, 9)
	h, err := c.PinNew(id, 256, page.TypeLeaf)
	require.NoError(t, err)
	c.Unpin(h, false)

	_, err = c.PinNew(id, 256, page.TypeLeaf)
	assert.True(t, dberrors.IsFatalInvariant(err))
}

func TestEvictionSkipsPinnedPages(t *testing.T) {
	be := newMemBackend()
	limiter := unlimited()
	// Keep the total small so every shard's capacity is
	// max(1, totalPages/numShards) = 1.
	c := New(numShards, be.loader(256), be.writeback(), limiter, nil)

	id1 := slab.PageID(0)
	sh := c.shards[shardIndex(id1)]
	sh.capacity = 1

	h1, err := c.Pin(id1)
	require.NoError(t, err)
	_ = h1 // keep pinned, do not Unpin

	// A second distinct page hashing to the same shard finds it full of
	// pinned pages: the pin fails rather than evicting the still-pinned h1.
	for slot := uint64(1); slot < 64; slot++ {
		id2 := slab.MakePageID(0, slot)
		if shardIndex(id2) != shardIndex(id1) {
			continue
		}
		_, err := c.Pin(id2)
		require.ErrorIs(t, err, dberrors.ErrCacheExhausted)
		break
	}

	sh.mu.Lock()
	_, stillCached := sh.entries[id1]
	sh.mu.Unlock()
	assert.True(t, stillCached, "a pinned page must never be evicted")
}

func TestFlushUpToRespectsLSNBound(t *testing.T) {
	be := newMemBackend()
	limiter := unlimited()
	c := New(16, be.loader(256), be.writeback(), limiter, nil)

	id := slab.MakePageID(0, 1)
	h, err := c.PinNew(id, 256, page.TypeLeaf)
	require.NoError(t, err)
	h.Page().SetLSN(100)
	c.Unpin(h, true)

	require.NoError(t, c.FlushUpTo(context.Background(), 50))
	_, flushed := be.pages[id]
	assert.False(t, flushed, "a page with LSN above the flush bound must not be written back yet")

	require.NoError(t, c.FlushUpTo(context.Background(), 100))
	_, flushed = be.pages[id]
	assert.True(t, flushed)
}

func TestMetricsReflectRealCacheActivityWhenRegistrySupplied(t *testing.T) {
	be := newMemBackend()
	limiter := unlimited()
	metrics := xmetrics.New()
	c := New(numShards, be.loader(256), be.writeback(), limiter, metrics)

	id := slab.MakePageID(0, 1)
	h, err := c.PinNew(id, 256, page.TypeLeaf)
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DirtyPages), "PinNew must mark the fresh page dirty")
	c.Unpin(h, true)

	require.NoError(t, c.FlushUpTo(context.Background(), ^uint64(0)))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.DirtyPages), "FlushUpTo must clear the dirty gauge once written back")

	h2, err := c.Pin(id)
	require.NoError(t, err)
	c.Unpin(h2, false)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheHits), "re-pinning a cached page is a hit")

	other := slab.MakePageID(0, 2)
	h3, err := c.Pin(other)
	require.NoError(t, err)
	c.Unpin(h3, false)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheMisses), "pinning a not-yet-cached page is a miss")
}
