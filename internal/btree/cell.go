// Package btree implements the B-Tree index on top of internal/page,
// internal/slab and internal/cache, made crash-safe by logging every
// structural mutation through internal/wal before it touches a pinned
// page (spec §4.3, §4.4).
//
// Grounded on the teacher's dbms/index/bptree.BPTree (recursive
// insertRec/splitLeaf/splitInternal over a fixed-size page, promote
// median on internal split, copy leftmost key up on leaf split,
// leaf-to-leaf linking for range scans), generalized from a single
// size-classed int64-keyed page format to spec §4.1's multi-size-class
// byte-slice keys/values with overflow chaining for the oversized case,
// and extended with delete/merge/rebalance, which the teacher leaves
// unimplemented (bptree.go's Delete is a stub).
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/dbcore/pagestore/internal/dberrors"
	"github.com/dbcore/pagestore/internal/page"
	"golang.org/x/exp/slices"
)

// cellFlag marks whether a leaf cell's value is stored inline or as the
// head of an overflow chain (values longer than the tree's MaxInlineLen
// are stored as a chain of overflow pages).
const (
	flagInline   byte = 0
	flagOverflow byte = 1
)

// encodeLeafCell serializes a leaf slot: keyLen(4) + key + flag(1) +
// either [valueLen(4) + value] or [totalLen(8) + headPageID(8)].
func encodeLeafCell(key, value []byte, overflow bool, headPageID uint64, totalLen uint64) []byte {
	buf := make([]byte, 4+len(key)+1)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(key)))
	copy(buf[4:], key)
	if !overflow {
		tail := make([]byte, 4+len(value))
		binary.LittleEndian.PutUint32(tail[0:4], uint32(len(value)))
		copy(tail[4:], value)
		buf[4+len(key)] = flagInline
		return append(buf, tail...)
	}
	tail := make([]byte, 16)
	binary.LittleEndian.PutUint64(tail[0:8], totalLen)
	binary.LittleEndian.PutUint64(tail[8:16], headPageID)
	buf[4+len(key)] = flagOverflow
	return append(buf, tail...)
}

type leafCell struct {
	key        []byte
	overflow   bool
	value      []byte // valid when !overflow
	totalLen   uint64 // valid when overflow
	headPageID uint64 // valid when overflow
}

func decodeLeafCell(raw []byte) (leafCell, error) {
	if len(raw) < 5 {
		return leafCell{}, dberrors.Newf(dberrors.ErrCorruption, "btree: short leaf cell")
	}
	klen := int(binary.LittleEndian.Uint32(raw[0:4]))
	if 4+klen+1 > len(raw) {
		return leafCell{}, dberrors.Newf(dberrors.ErrCorruption, "btree: leaf cell key overruns slot")
	}
	key := raw[4 : 4+klen]
	flag := raw[4+klen]
	tail := raw[4+klen+1:]
	if flag == flagInline {
		if len(tail) < 4 {
			return leafCell{}, dberrors.Newf(dberrors.ErrCorruption, "btree: short inline leaf value")
		}
		vlen := int(binary.LittleEndian.Uint32(tail[0:4]))
		if 4+vlen != len(tail) {
			return leafCell{}, dberrors.Newf(dberrors.ErrCorruption, "btree: leaf value length mismatch")
		}
		return leafCell{key: key, value: tail[4:]}, nil
	}
	if len(tail) != 16 {
		return leafCell{}, dberrors.Newf(dberrors.ErrCorruption, "btree: short overflow leaf tail")
	}
	return leafCell{
		key:        key,
		overflow:   true,
		totalLen:   binary.LittleEndian.Uint64(tail[0:8]),
		headPageID: binary.LittleEndian.Uint64(tail[8:16]),
	}, nil
}

// encodeInternalCell serializes an internal separator: keyLen(4) + key +
// leftChildPageID(8). The tree's rightmost child of an internal node is
// the (n)th cell's left child is not needed: we store n+1 children as n
// separators each carrying their *left* child, plus one extra trailing
// cell (empty key) carrying the rightmost child, mirroring the
// teacher's Rightmost header field but expressed as an ordinary slot so
// internal pages need no page-format extension beyond leaf pages.
func encodeInternalCell(key []byte, childPageID uint64) []byte {
	buf := make([]byte, 4+len(key)+8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(key)))
	copy(buf[4:4+len(key)], key)
	binary.LittleEndian.PutUint64(buf[4+len(key):], childPageID)
	return buf
}

type internalCell struct {
	key   []byte // empty for the trailing rightmost-child cell
	child uint64
}

func decodeInternalCell(raw []byte) (internalCell, error) {
	if len(raw) < 4 {
		return internalCell{}, dberrors.Newf(dberrors.ErrCorruption, "btree: short internal cell")
	}
	klen := int(binary.LittleEndian.Uint32(raw[0:4]))
	if 4+klen+8 != len(raw) {
		return internalCell{}, dberrors.Newf(dberrors.ErrCorruption, "btree: internal cell length mismatch")
	}
	return internalCell{key: raw[4 : 4+klen], child: binary.LittleEndian.Uint64(raw[4+klen:])}, nil
}

// readLeafCells decodes every slot of a leaf page, in stored (sorted)
// order.
func readLeafCells(codec *page.Codec, p page.Page) ([]leafCell, error) {
	n := p.NumSlots()
	cells := make([]leafCell, n)
	for i := 0; i < n; i++ {
		raw, err := codec.GetSlot(p, i)
		if err != nil {
			return nil, err
		}
		c, err := decodeLeafCell(raw)
		if err != nil {
			return nil, err
		}
		cells[i] = c
	}
	return cells, nil
}

func readInternalCells(codec *page.Codec, p page.Page) ([]internalCell, error) {
	n := p.NumSlots()
	cells := make([]internalCell, n)
	for i := 0; i < n; i++ {
		raw, err := codec.GetSlot(p, i)
		if err != nil {
			return nil, err
		}
		c, err := decodeInternalCell(raw)
		if err != nil {
			return nil, err
		}
		cells[i] = c
	}
	return cells, nil
}

// searchLeaf returns the index of key if present, and the insertion
// point otherwise, via slices.BinarySearchFunc over the sorted cells.
func searchLeaf(cells []leafCell, key []byte) (idx int, found bool) {
	return slices.BinarySearchFunc(cells, key, func(c leafCell, target []byte) int {
		return bytes.Compare(c.key, target)
	})
}

// searchInternal returns the index of the child to descend into for
// key: the first separator whose key is greater than key, or n-1 when
// there is none. Cells[0:n-1] carry
// real separator keys; cells[n-1] is the trailing rightmost-child cell
// with an empty key that always sorts last, so it's excluded from the
// search itself.
func searchInternal(cells []internalCell, key []byte) int {
	idx, _ := slices.BinarySearchFunc(cells[:len(cells)-1], key, func(c internalCell, target []byte) int {
		if bytes.Compare(c.key, target) <= 0 {
			return -1
		}
		return 1
	})
	return idx
}
