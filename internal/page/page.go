// Package page implements the on-disk page layout shared by every page
// type (spec §3, §4.2): a fixed-size buffer with a 40-byte header, a
// slot offset table growing down from the tail, and slot payloads
// growing up from the head. StampChecksum and VerifyChecksum (codec.go)
// stamp and check the header's CRC32C; this package does not read pages
// itself, so a checksum is checked only where a caller invokes
// VerifyChecksum. Compression of individual slot payloads lives in
// codec.go.
//
// Layout (generalized from the teacher's single-size cell/offset table
// in dbms/index/btpage/page.go to spec §3's multi-size-class, checksummed
// header):
//
//	[0:4]   magic "PXPG"
//	[4]     page type
//	[5]     size class code
//	[6:8]   flags
//	[8:16]  LSN of last mutation
//	[16:24] version counter
//	[24:28] CRC32C over the page, this field zeroed during computation
//	[28:30] offset-table length in bytes (the table fills the page's last that-many bytes)
//	[30:32] end of the slot payload area
//	[32:40] sibling page ID (B-tree leaf right-sibling link; next-page link on overflow pages; unused by other page types)
//	[40:]   slot payload area (grows up) ... free space ... offset table (grows down, ends at page end)
package page

import (
	"encoding/binary"
	"hash/crc32"
)

// Type identifies what a page holds.
type Type byte

const (
	TypeInvalid  Type = 0
	TypeLeaf     Type = 1
	TypeInternal Type = 2
	TypeFree     Type = 3
	TypeMeta     Type = 4
	TypeOverflow Type = 5
)

const (
	Magic = "PXPG"

	HeaderSize = 40

	offMagic    = 0
	offType     = 4
	offClass    = 5
	offFlags    = 6
	offLSN      = 8
	offVersion  = 16
	offCRC      = 24
	offTableLen = 28
	offDataEnd  = 30
	offSibling  = 32

	descSize  = 6 // offset(2) + length(2) + flags(1) + reserved(1)
	flagCompr = byte(1)
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Page is a single raw page buffer, owned by the cache. Code outside
// package page never reallocates the backing array so that cache
// handles stay pointer-stable for the life of a pin.
type Page []byte

// New allocates a zeroed page of the given byte size and initializes its
// header to an empty page of type t.
func New(size int, t Type, class uint8) Page {
	p := make(Page, size)
	p.Init(t, class)
	return p
}

// Init resets a page buffer in place to an empty page of type t.
func (p Page) Init(t Type, class uint8) {
	for i := range p {
		p[i] = 0
	}
	copy(p[offMagic:offMagic+4], Magic)
	p[offType] = byte(t)
	p[offClass] = class
	p.SetRightSibling(InvalidPageID)
	p.setOffsetTableStart(len(p))
	p.setSlotDataEnd(HeaderSize)
}

// InvalidPageID mirrors slab.InvalidPageID (all bits set); page can't
// import slab (slab is the lower-level package), so the sentinel is
// re-declared here and kept numerically identical.
const InvalidPageID = ^uint64(0)

func (p Page) Type() Type       { return Type(p[offType]) }
func (p Page) SetType(t Type)   { p[offType] = byte(t) }
func (p Page) Class() uint8     { return p[offClass] }
func (p Page) LSN() uint64      { return binary.LittleEndian.Uint64(p[offLSN : offLSN+8]) }
func (p Page) SetLSN(lsn uint64) {
	binary.LittleEndian.PutUint64(p[offLSN:offLSN+8], lsn)
}
func (p Page) Version() uint64 { return binary.LittleEndian.Uint64(p[offVersion : offVersion+8]) }
func (p Page) bumpVersion() {
	binary.LittleEndian.PutUint64(p[offVersion:offVersion+8], p.Version()+1)
}
func (p Page) Flags() uint16 { return binary.LittleEndian.Uint16(p[offFlags : offFlags+2]) }
func (p Page) SetFlags(f uint16) {
	binary.LittleEndian.PutUint16(p[offFlags:offFlags+2], f)
}

// RightSibling is the leaf-to-leaf link used by B-tree range scans
// (spec §4.3 "leaves are linked for ordered scans"). Overflow pages use
// the same field as the link to the next page of their chain; other page
// types leave it unused. InvalidPageID (all bits set) means "no sibling".
func (p Page) RightSibling() uint64 {
	return binary.LittleEndian.Uint64(p[offSibling : offSibling+8])
}
func (p Page) SetRightSibling(id uint64) {
	binary.LittleEndian.PutUint64(p[offSibling:offSibling+8], id)
}

// NumSlots returns how many slot descriptors the offset table holds.
func (p Page) NumSlots() int {
	return (len(p) - int(p.offsetTableStart())) / descSize
}

// The offset table's start is stored as its distance from the page end,
// so that a 64 KiB page's empty table (start == len(p)) fits in 16 bits.
func (p Page) offsetTableStart() int {
	return len(p) - int(binary.LittleEndian.Uint16(p[offTableLen:offTableLen+2]))
}
func (p Page) setOffsetTableStart(v int) {
	binary.LittleEndian.PutUint16(p[offTableLen:offTableLen+2], uint16(len(p)-v))
}
func (p Page) slotDataEnd() uint16 {
	return binary.LittleEndian.Uint16(p[offDataEnd : offDataEnd+2])
}
func (p Page) setSlotDataEnd(v uint16) {
	binary.LittleEndian.PutUint16(p[offDataEnd:offDataEnd+2], v)
}

// FreeSpace returns how many bytes remain between the slot data area and
// the offset table.
func (p Page) FreeSpace() int {
	return int(p.offsetTableStart()) - int(p.slotDataEnd())
}

func (p Page) descOffset(ord int) int {
	return int(p.offsetTableStart()) + ord*descSize
}

// slotDesc returns (payloadOffset, onDiskLength, compressed) for slot
// ordinal ord.
func (p Page) slotDesc(ord int) (off, length int, compressed bool) {
	d := p.descOffset(ord)
	off = int(binary.LittleEndian.Uint16(p[d : d+2]))
	length = int(binary.LittleEndian.Uint16(p[d+2 : d+4]))
	compressed = p[d+4]&flagCompr != 0
	return
}

func (p Page) setSlotDesc(ord, off, length int, compressed bool) {
	d := p.descOffset(ord)
	binary.LittleEndian.PutUint16(p[d:d+2], uint16(off))
	binary.LittleEndian.PutUint16(p[d+2:d+4], uint16(length))
	if compressed {
		p[d+4] = flagCompr
	} else {
		p[d+4] = 0
	}
	p[d+5] = 0
}

// SlotOverhead is the per-slot offset-table cost (spec §3's descriptor:
// offset + length + flags), exposed so callers outside this package can
// estimate whether a set of payloads will fit a page without building it.
func SlotOverhead() int { return descSize }

// CanFit reports whether a slot carrying rawLen uncompressed bytes can
// be appended without reorganizing the page. Split/merge decisions use
// rawLen (the conservative uncompressed upper bound, spec §9 "Compression
// inside the page codec, not the tree").
func (p Page) CanFit(rawLen int) bool {
	return p.FreeSpace() >= rawLen+descSize
}

// IsEmpty reports whether the page carries no slots.
func (p Page) IsEmpty() bool { return p.NumSlots() == 0 }
