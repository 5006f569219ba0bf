package btree

import (
	"bytes"

	"github.com/dbcore/pagestore/internal/page"
	"github.com/dbcore/pagestore/internal/slab"
)

// Iterator walks keys in [start, end) in ascending order by following
// leaf sibling links (spec §4.3 "ordered scan via leaf links").
type Iterator struct {
	t       *Tree
	end     []byte
	leafID  slab.PageID
	cells   []leafCell
	idx     int
	k, v    []byte
	err     error
	started bool
}

// Scan returns an Iterator positioned just before the first key >=
// start; Next must be called before Key/Value are valid. end == nil
// means "no upper bound".
func (t *Tree) Scan(start, end []byte) (*Iterator, error) {
	id := t.loadRoot()
	h, err := t.cache.Pin(id)
	if err != nil {
		return nil, err
	}
	h.RLock()
	for {
		p := h.Page()
		if p.Type() == page.TypeLeaf {
			cells, err := readLeafCells(t.codec, p)
			h.RUnlock()
			t.cache.Unpin(h, false)
			if err != nil {
				return nil, err
			}
			idx := 0
			if len(start) > 0 {
				idx, _ = searchLeaf(cells, start)
			}
			return &Iterator{t: t, end: end, leafID: id, cells: cells, idx: idx}, nil
		}
		cells, err := readInternalCells(t.codec, p)
		if err != nil {
			h.RUnlock()
			t.cache.Unpin(h, false)
			return nil, err
		}
		var childID slab.PageID
		if len(start) == 0 {
			childID = slab.PageID(cells[0].child)
		} else {
			idx := searchInternal(cells, start)
			childID = slab.PageID(cells[idx].child)
		}

		ch, err := t.cache.Pin(childID)
		if err != nil {
			h.RUnlock()
			t.cache.Unpin(h, false)
			return nil, err
		}
		ch.RLock()
		h.RUnlock()
		t.cache.Unpin(h, false)
		h, id = ch, childID
	}
}

// Next advances the iterator, returning false at end-of-range or on
// error (check Err to distinguish the two).
func (it *Iterator) Next() bool {
	for {
		if it.idx < len(it.cells) {
			c := it.cells[it.idx]
			if it.end != nil && bytes.Compare(c.key, it.end) >= 0 {
				return false
			}
			it.idx++
			it.k = append([]byte(nil), c.key...)
			if !c.overflow {
				it.v = append([]byte(nil), c.value...)
				return true
			}
			v, err := it.t.readOverflow(c.headPageID, c.totalLen)
			if err != nil {
				it.err = err
				return false
			}
			it.v = v
			return true
		}
		if it.leafID == slab.PageID(page.InvalidPageID) {
			return false
		}
		h, err := it.t.cache.Pin(it.leafID)
		if err != nil {
			it.err = err
			return false
		}
		h.RLock()
		next := h.Page().RightSibling()
		if next == page.InvalidPageID {
			h.RUnlock()
			it.t.cache.Unpin(h, false)
			it.leafID = slab.PageID(page.InvalidPageID)
			continue
		}
		nh, err := it.t.cache.Pin(slab.PageID(next))
		if err != nil {
			h.RUnlock()
			it.t.cache.Unpin(h, false)
			it.err = err
			return false
		}
		nh.RLock()
		h.RUnlock()
		it.t.cache.Unpin(h, false)
		cells, err := readLeafCells(it.t.codec, nh.Page())
		nh.RUnlock()
		it.t.cache.Unpin(nh, false)
		if err != nil {
			it.err = err
			return false
		}
		it.leafID = slab.PageID(next)
		it.cells = cells
		it.idx = 0
	}
}

func (it *Iterator) Key() []byte   { return it.k }
func (it *Iterator) Value() []byte { return it.v }
func (it *Iterator) Err() error    { return it.err }
