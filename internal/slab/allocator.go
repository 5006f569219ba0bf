// Package slab implements the fixed-page allocator (spec §4.1): it owns
// the mapping from size class to a free list of reusable slot indices,
// and hands out page IDs that encode (size_class, slot_index).
//
// Grounded on the teacher's dbms/pager.Pager.Allocate (append-only page
// numbering against a single file), generalized to one free list per
// size class plus reuse of freed slots before ever extending a class.
package slab

import (
	"container/heap"
	"encoding/binary"
	"sync"

	"github.com/dbcore/pagestore/internal/dberrors"
)

// PageID encodes (size_class, slot_index) into a single uint64: the top
// byte is the size-class code, the low 56 bits are the slot index.
type PageID uint64

const InvalidPageID PageID = ^PageID(0)

func MakePageID(class uint8, slot uint64) PageID {
	return PageID(class)<<56 | PageID(slot&0x00FFFFFFFFFFFFFF)
}

func (id PageID) Class() uint8 { return uint8(id >> 56) }
func (id PageID) Slot() uint64 { return uint64(id) & 0x00FFFFFFFFFFFFFF }

// minHeap is a min-heap of free slot indices, giving "lowest page ID in
// the class's free set" tie-breaking in O(log n).
type minHeap []uint64

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// classState is the allocator's bookkeeping for one size class.
type classState struct {
	mu      sync.Mutex
	free    minHeap
	nextNew uint64 // slot index handed out when free is empty
}

// Allocator owns per-size-class free lists. It does not touch disk by
// itself: Allocate/Free only return/accept slot indices; it's the
// caller's (pagefile's) job to actually extend the underlying file when
// a brand-new slot index is handed out.
type Allocator struct {
	classes []int // byte sizes, ascending, index == class code
	states  []*classState
}

func New(sizeClasses []int) *Allocator {
	a := &Allocator{classes: append([]int(nil), sizeClasses...)}
	a.states = make([]*classState, len(sizeClasses))
	for i := range a.states {
		a.states[i] = &classState{}
	}
	return a
}

// SizeClassFor returns the smallest class whose payload >= bytes, and
// whether one exists (false means the value must overflow-chain at the
// tree layer per spec §4.1).
func (a *Allocator) SizeClassFor(payloadBytes int) (uint8, bool) {
	for i, sz := range a.classes {
		if sz >= payloadBytes {
			return uint8(i), true
		}
	}
	return 0, false
}

func (a *Allocator) ClassSize(class uint8) int { return a.classes[class] }
func (a *Allocator) NumClasses() int           { return len(a.classes) }

// Allocate returns a free page ID in class, preferring the lowest free
// slot index; if none is free, it reports (via isNew) that slot is a
// brand-new index the caller must extend the file to cover.
func (a *Allocator) Allocate(class uint8) (id PageID, isNew bool, err error) {
	if int(class) >= len(a.states) {
		return 0, false, dberrors.Newf(dberrors.ErrFatalInvariant, "slab: unknown size class %d", class)
	}
	st := a.states[class]
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.free) > 0 {
		slot := heap.Pop(&st.free).(uint64)
		return MakePageID(class, slot), false, nil
	}
	slot := st.nextNew
	st.nextNew++
	return MakePageID(class, slot), true, nil
}

// Free returns id to its class's free set. Double-free is a
// FatalInvariant (spec §4.1).
func (a *Allocator) Free(id PageID) error {
	class := id.Class()
	if int(class) >= len(a.states) {
		return dberrors.Newf(dberrors.ErrFatalInvariant, "slab: unknown size class %d", class)
	}
	st := a.states[class]
	st.mu.Lock()
	defer st.mu.Unlock()

	slot := id.Slot()
	for _, f := range st.free {
		if f == slot {
			return dberrors.Newf(dberrors.ErrFatalInvariant, "slab: double free of page %d", uint64(id))
		}
	}
	heap.Push(&st.free, slot)
	return nil
}

// MarkAllocated is used by recovery/replay and by snapshot loading to
// advance nextNew (and remove slot from the free set, if present)
// without going through the normal Allocate path, since the slot index
// is dictated by a WAL record or snapshot rather than chosen fresh.
func (a *Allocator) MarkAllocated(id PageID) {
	class := id.Class()
	st := a.states[class]
	st.mu.Lock()
	defer st.mu.Unlock()
	slot := id.Slot()
	if slot >= st.nextNew {
		st.nextNew = slot + 1
	}
	for i, f := range st.free {
		if f == slot {
			heap.Remove(&st.free, i)
			break
		}
	}
}

// Snapshot is the free-list state as of the moment it's taken, suitable
// for writing into the metadata file at checkpoint time (spec §4.1).
type Snapshot struct {
	Classes []ClassSnapshot
}

type ClassSnapshot struct {
	NextNew uint64
	Free    []uint64
}

func (a *Allocator) Snapshot() Snapshot {
	snap := Snapshot{Classes: make([]ClassSnapshot, len(a.states))}
	for i, st := range a.states {
		st.mu.Lock()
		free := append([]uint64(nil), []uint64(st.free)...)
		snap.Classes[i] = ClassSnapshot{NextNew: st.nextNew, Free: free}
		st.mu.Unlock()
	}
	return snap
}

// Load replaces the allocator's state with a previously taken snapshot
// (spec §4.1 "load(snapshot)"). WAL records with LSN after the snapshot
// was taken are then replayed on top via MarkAllocated/Free.
func (a *Allocator) Load(snap Snapshot) error {
	if len(snap.Classes) != len(a.states) {
		return dberrors.Newf(dberrors.ErrCorruption, "slab: snapshot has %d classes, allocator has %d", len(snap.Classes), len(a.states))
	}
	for i, cs := range snap.Classes {
		st := a.states[i]
		st.mu.Lock()
		st.nextNew = cs.NextNew
		st.free = append(minHeap(nil), cs.Free...)
		heap.Init(&st.free)
		st.mu.Unlock()
	}
	return nil
}

// EncodeSnapshot serializes a Snapshot for storage in the metadata
// file's AllocatorSnap field: numClasses(4), then per class
// nextNew(8) + freeCount(4) + free slots(8 each).
func EncodeSnapshot(snap Snapshot) []byte {
	size := 4
	for _, cs := range snap.Classes {
		size += 8 + 4 + 8*len(cs.Free)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(snap.Classes)))
	off := 4
	for _, cs := range snap.Classes {
		binary.LittleEndian.PutUint64(buf[off:off+8], cs.NextNew)
		off += 8
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(cs.Free)))
		off += 4
		for _, slot := range cs.Free {
			binary.LittleEndian.PutUint64(buf[off:off+8], slot)
			off += 8
		}
	}
	return buf
}

// DecodeSnapshot is EncodeSnapshot's inverse.
func DecodeSnapshot(buf []byte) (Snapshot, error) {
	if len(buf) < 4 {
		return Snapshot{}, dberrors.Newf(dberrors.ErrCorruption, "slab: short snapshot")
	}
	numClasses := int(binary.LittleEndian.Uint32(buf[0:4]))
	off := 4
	snap := Snapshot{Classes: make([]ClassSnapshot, numClasses)}
	for i := 0; i < numClasses; i++ {
		if off+12 > len(buf) {
			return Snapshot{}, dberrors.Newf(dberrors.ErrCorruption, "slab: truncated snapshot class header")
		}
		nextNew := binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
		freeCount := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		free := make([]uint64, freeCount)
		for j := 0; j < freeCount; j++ {
			if off+8 > len(buf) {
				return Snapshot{}, dberrors.Newf(dberrors.ErrCorruption, "slab: truncated snapshot free list")
			}
			free[j] = binary.LittleEndian.Uint64(buf[off : off+8])
			off += 8
		}
		snap.Classes[i] = ClassSnapshot{NextNew: nextNew, Free: free}
	}
	return snap, nil
}
