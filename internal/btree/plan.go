package btree

import (
	"github.com/dbcore/pagestore/internal/cache"
	"github.com/dbcore/pagestore/internal/page"
	"github.com/dbcore/pagestore/internal/slab"
	"github.com/dbcore/pagestore/internal/wal"
)

// opKind distinguishes the handful of primitive mutations a tree
// operation can emit. Every tree operation, single-key edits as well as
// splits, merges and rebalances, logs a full after-image per touched
// page instead of the incremental edit sequence a reader would need to
// replay, trading a larger log record for a much simpler (and just as
// correct) redo path (spec §4.4 "typed redo records"). opPutSlot and
// opDelSlot are encoded and applied like the others, but no tree
// operation emits them.
type opKind int

const (
	opPutSlot opKind = iota
	opDelSlot
	opImage
	opAlloc
	opFree
	opNewRoot
)

type planOp struct {
	kind   opKind
	pageID slab.PageID
	ord    int
	data   []byte
	img    page.Page
	newPg  bool // only meaningful for opImage: page didn't exist before this plan
}

// plan accumulates the primitive mutations for one logical tree
// operation (an Insert or Delete call, including however many levels of
// split/merge it triggers) so they can be appended as a single WAL
// group and applied atomically once that group is durable.
type plan struct {
	ops     []planOp
	newRoot *slab.PageID
}

func (pl *plan) putSlot(id slab.PageID, ord int, data []byte) {
	pl.ops = append(pl.ops, planOp{kind: opPutSlot, pageID: id, ord: ord, data: data})
}
func (pl *plan) delSlot(id slab.PageID, ord int) {
	pl.ops = append(pl.ops, planOp{kind: opDelSlot, pageID: id, ord: ord})
}
func (pl *plan) image(id slab.PageID, img page.Page, isNew bool) {
	pl.ops = append(pl.ops, planOp{kind: opImage, pageID: id, img: img, newPg: isNew})
}
func (pl *plan) alloc(id slab.PageID) { pl.ops = append(pl.ops, planOp{kind: opAlloc, pageID: id}) }
func (pl *plan) free(id slab.PageID)  { pl.ops = append(pl.ops, planOp{kind: opFree, pageID: id}) }
func (pl *plan) setRoot(id slab.PageID) {
	r := id
	pl.newRoot = &r
}

// records renders the plan into the WAL record sequence AppendGroup
// will assign LSNs to, in the order the plan was built (leaf-first,
// root-last, matching how recovery must see causally-dependent changes).
func (pl *plan) records() []wal.Record {
	recs := make([]wal.Record, 0, len(pl.ops)+1)
	for _, op := range pl.ops {
		switch op.kind {
		case opPutSlot:
			recs = append(recs, wal.Record{Type: wal.TypePutSlot, PageID: uint64(op.pageID), Payload: wal.EncodePutSlotPayload(uint16(op.ord), op.data)})
		case opDelSlot:
			recs = append(recs, wal.Record{Type: wal.TypeDelSlot, PageID: uint64(op.pageID), Payload: wal.EncodeDelSlotPayload(uint16(op.ord))})
		case opImage:
			recs = append(recs, wal.Record{Type: wal.TypePageImage, PageID: uint64(op.pageID), Payload: wal.EncodePageImagePayload(op.img)})
		case opAlloc:
			recs = append(recs, wal.Record{Type: wal.TypeAlloc, PageID: uint64(op.pageID)})
		case opFree:
			recs = append(recs, wal.Record{Type: wal.TypeFree, PageID: uint64(op.pageID)})
		}
	}
	if pl.newRoot != nil {
		recs = append(recs, wal.Record{Type: wal.TypeNewRoot, PageID: uint64(*pl.newRoot)})
	}
	return recs
}

// apply replays the plan's operations against the live cache now that
// commitLSN is durable, stamping every touched page with it.
func (pl *plan) apply(t *Tree, commitLSN uint64) error {
	for _, op := range pl.ops {
		switch op.kind {
		case opPutSlot:
			h, err := t.cache.Pin(op.pageID)
			if err != nil {
				return err
			}
			h.Lock()
			err = t.codec.PutSlot(h.Page(), op.ord, op.data)
			if err == nil {
				h.Page().SetLSN(commitLSN)
				page.StampChecksum(h.Page())
			}
			h.Unlock()
			t.cache.Unpin(h, err == nil)
			if err != nil {
				return err
			}
		case opDelSlot:
			h, err := t.cache.Pin(op.pageID)
			if err != nil {
				return err
			}
			h.Lock()
			err = t.codec.DeleteSlot(h.Page(), op.ord)
			if err == nil {
				h.Page().SetLSN(commitLSN)
				page.StampChecksum(h.Page())
			}
			h.Unlock()
			t.cache.Unpin(h, err == nil)
			if err != nil {
				return err
			}
		case opImage:
			var h *cache.Handle
			var err error
			if op.newPg {
				h, err = t.cache.PinNew(op.pageID, len(op.img), op.img.Type())
			} else {
				h, err = t.cache.Pin(op.pageID)
			}
			if err != nil {
				return err
			}
			h.Lock()
			copy(h.Page(), op.img)
			h.Page().SetLSN(commitLSN)
			page.StampChecksum(h.Page())
			h.Unlock()
			t.cache.Unpin(h, true)
		case opAlloc:
			t.alloc.MarkAllocated(op.pageID)
		case opFree:
			if err := t.alloc.Free(op.pageID); err != nil {
				return err
			}
		}
	}
	if pl.newRoot != nil {
		t.storeRoot(*pl.newRoot)
	}
	return nil
}
