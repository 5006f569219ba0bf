package btree

import (
	"github.com/dbcore/pagestore/internal/dberrors"
	"github.com/dbcore/pagestore/internal/page"
	"github.com/dbcore/pagestore/internal/slab"
)

// planOverflowChain builds the pages for a value too large to fit
// inline (longer than the tree's maxInlineLen), appending their allocation and
// image records to pl, and returns the chain's head page ID.
//
// Each overflow page carries one slot holding a raw chunk and reuses
// the RightSibling header field (otherwise meaningless on TypeOverflow
// pages) as the pointer to the next chunk, so chaining needs no
// dedicated page format beyond what page.Page already offers.
func (t *Tree) planOverflowChain(pl *plan, value []byte) (uint64, error) {
	chunkCap := t.overflowChunkCap
	numChunks := (len(value) + chunkCap - 1) / chunkCap
	if numChunks == 0 {
		numChunks = 1
	}

	ids := make([]slab.PageID, numChunks)
	for i := 0; i < numChunks; i++ {
		id, _, err := t.alloc.Allocate(t.overflowClass)
		if err != nil {
			return 0, err
		}
		ids[i] = id
	}

	for i := numChunks - 1; i >= 0; i-- {
		start := i * chunkCap
		end := start + chunkCap
		if end > len(value) {
			end = len(value)
		}
		buf := page.New(t.overflowSize, page.TypeOverflow, t.overflowClass)
		if i == numChunks-1 {
			buf.SetRightSibling(page.InvalidPageID)
		} else {
			buf.SetRightSibling(uint64(ids[i+1]))
		}
		if err := t.codec.PutSlot(buf, 0, value[start:end]); err != nil {
			return 0, err
		}
		pl.image(ids[i], buf, true)
		pl.alloc(ids[i])
	}
	return uint64(ids[0]), nil
}

// readOverflow reconstructs a value from its chain, starting at head.
func (t *Tree) readOverflow(head uint64, totalLen uint64) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	id := slab.PageID(head)
	for id != slab.PageID(page.InvalidPageID) {
		h, err := t.cache.Pin(id)
		if err != nil {
			return nil, err
		}
		h.RLock()
		chunk, err := t.codec.GetSlot(h.Page(), 0)
		next := h.Page().RightSibling()
		h.RUnlock()
		t.cache.Unpin(h, false)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		id = slab.PageID(next)
	}
	if uint64(len(out)) != totalLen {
		return nil, dberrors.Newf(dberrors.ErrCorruption, "btree: overflow chain length mismatch (want %d, got %d)", totalLen, len(out))
	}
	return out, nil
}

// planFreeOverflow appends Free ops for every page in the chain rooted
// at head, used when a leaf cell holding an overflow value is deleted
// or overwritten with a new value (spec §4.5 "deleting a key frees its
// overflow chain").
func (t *Tree) planFreeOverflow(pl *plan, head uint64) error {
	id := slab.PageID(head)
	for id != slab.PageID(page.InvalidPageID) {
		h, err := t.cache.Pin(id)
		if err != nil {
			return err
		}
		h.RLock()
		next := h.Page().RightSibling()
		h.RUnlock()
		t.cache.Unpin(h, false)
		pl.free(id)
		id = slab.PageID(next)
	}
	return nil
}
