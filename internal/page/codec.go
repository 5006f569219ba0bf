package page

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/dbcore/pagestore/internal/dberrors"
	"github.com/klauspost/compress/s2"
)

// Codec (de)serializes slot payloads in and out of a page, compressing
// per-slot when the raw length exceeds threshold (spec §4.2). threshold
// of 0 disables compression entirely.
type Codec struct {
	threshold int
}

func NewCodec(compressionThreshold int) *Codec {
	return &Codec{threshold: compressionThreshold}
}

// PutSlot appends a new slot at the next ordinal, or, for an existing
// ordinal, writes the payload at the end of the payload area and points
// that ordinal's descriptor at it; the old payload bytes are not
// reclaimed until a rebuild (DeleteSlot). It returns ErrFatalInvariant
// when ord is past the next ordinal or the payload does not fit the
// page's free space.
func (c *Codec) PutSlot(p Page, ord int, raw []byte) error {
	payload := raw
	compressed := false
	if c.threshold > 0 && len(raw) > c.threshold {
		payload = s2.Encode(nil, raw)
		if len(payload) < len(raw) {
			compressed = true
		} else {
			payload = raw
		}
	}

	n := p.NumSlots()
	if ord > n {
		return dberrors.Newf(dberrors.ErrFatalInvariant, "page: put slot %d out of order (have %d slots)", ord, n)
	}
	if !p.CanFit(len(payload)) {
		return dberrors.Newf(dberrors.ErrFatalInvariant, "page: slot %d does not fit (%d bytes, %d free)", ord, len(payload), p.FreeSpace())
	}

	end := p.slotDataEnd()
	off := int(end)
	copy(p[off:off+len(payload)], payload)
	p.setSlotDataEnd(end + uint16(len(payload)))

	if ord == n {
		p.setOffsetTableStart(p.offsetTableStart() - descSize)
	}
	p.setSlotDesc(ord, off, len(payload), compressed)
	p.bumpVersion()
	return nil
}

// GetSlot returns the decompressed payload for slot ordinal ord.
func (c *Codec) GetSlot(p Page, ord int) ([]byte, error) {
	if ord < 0 || ord >= p.NumSlots() {
		return nil, dberrors.Newf(dberrors.ErrFatalInvariant, "page: slot %d out of range (have %d)", ord, p.NumSlots())
	}
	off, length, compressed := p.slotDesc(ord)
	raw := p[off : off+length]
	if !compressed {
		out := make([]byte, length)
		copy(out, raw)
		return out, nil
	}
	out, err := s2.Decode(nil, raw)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.ErrCorruption, err)
	}
	return out, nil
}

// DeleteSlot removes slot ordinal ord, shifting later ordinals down by
// one and compacting the payload area. Page rebuild (not incremental
// compaction) is used here since pages are small and deletes are rare
// relative to reads; see spec §3 "reuse of ordinals is permitted only
// after a page rebuild".
func (c *Codec) DeleteSlot(p Page, ord int) error {
	n := p.NumSlots()
	if ord < 0 || ord >= n {
		return dberrors.Newf(dberrors.ErrFatalInvariant, "page: delete slot %d out of range (have %d)", ord, n)
	}
	payloads := make([][]byte, 0, n-1)
	flags := make([]bool, 0, n-1)
	for i := 0; i < n; i++ {
		if i == ord {
			continue
		}
		off, length, compressed := p.slotDesc(i)
		buf := make([]byte, length)
		copy(buf, p[off:off+length])
		payloads = append(payloads, buf)
		flags = append(flags, compressed)
	}
	t := p.Type()
	class := p.Class()
	lsn := p.LSN()
	flagsField := p.Flags()
	sibling := p.RightSibling()
	p.Init(t, class)
	p.SetLSN(lsn)
	p.SetFlags(flagsField)
	p.SetRightSibling(sibling)
	for i, payload := range payloads {
		if err := c.putRawSlot(p, i, payload, flags[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Codec) putRawSlot(p Page, ord int, payload []byte, compressed bool) error {
	if !p.CanFit(len(payload)) {
		return dberrors.Newf(dberrors.ErrFatalInvariant, "page: rebuild overflowed page capacity")
	}
	end := p.slotDataEnd()
	off := int(end)
	copy(p[off:off+len(payload)], payload)
	p.setSlotDataEnd(end + uint16(len(payload)))
	p.setOffsetTableStart(p.offsetTableStart() - descSize)
	p.setSlotDesc(ord, off, len(payload), compressed)
	p.bumpVersion()
	return nil
}

// StampChecksum computes CRC32C over the whole page (with the checksum
// field itself zeroed) and writes it into the header, ready for Write.
func StampChecksum(p Page) {
	binary.LittleEndian.PutUint32(p[offCRC:offCRC+4], 0)
	sum := crc32.Checksum(p, crcTable)
	binary.LittleEndian.PutUint32(p[offCRC:offCRC+4], sum)
}

// VerifyChecksum reports whether the page's stamped CRC32C matches its
// content.
func VerifyChecksum(p Page) bool {
	want := binary.LittleEndian.Uint32(p[offCRC : offCRC+4])
	cp := make(Page, len(p))
	copy(cp, p)
	binary.LittleEndian.PutUint32(cp[offCRC:offCRC+4], 0)
	got := crc32.Checksum(cp, crcTable)
	return want == got
}

// VerifyMagic reports whether the page starts with the expected magic
// tag, the first check before trusting any other header field.
func VerifyMagic(p Page) bool {
	return len(p) >= HeaderSize && string(p[offMagic:offMagic+4]) == Magic
}
