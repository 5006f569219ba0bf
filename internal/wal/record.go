// Package wal implements the redo-only write-ahead log (spec §4.4): a
// typed record format, monotonic LSNs, group commit, segment rotation,
// and replay.
//
// Grounded on vandersonmota-boteco/entries/entry.go's length-prefixed,
// CRC32-checksummed, append-only record framing, generalized from that
// repo's single fixed "put" record into spec §4.4's typed record set.
package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/dbcore/pagestore/internal/dberrors"
)

// Type identifies a WAL record's kind.
type Type byte

const (
	TypePutSlot         Type = 1
	TypeDelSlot         Type = 2
	TypeSetRightSibling Type = 3
	TypeAlloc           Type = 4
	TypeFree            Type = 5
	TypeNewRoot         Type = 6
	TypeCommit          Type = 7
	TypeCheckpoint      Type = 8

	// TypePageImage carries a complete raw page buffer. The B-tree logs
	// every page it changes this way, single-key puts and deletes as well
	// as split/merge/rebalance, since a full after-image is simpler and
	// just as correct as reconstructing the same result from a sequence
	// of incremental slot edits, at the cost of a larger log record. The
	// finer-grained record types above can be encoded and replayed, but
	// the tree does not emit them.
	TypePageImage Type = 9
)

// Record is one WAL entry. PageID is 0 (and meaningless) for Commit and
// Checkpoint records, which carry their own payload fields instead.
type Record struct {
	LSN     uint64
	Type    Type
	PageID  uint64
	Payload []byte
}

// recordHeaderSize is length(4) + lsn(8) + type(1) + pageID(8) + payloadLen(4).
const recordHeaderSize = 4 + 8 + 1 + 8 + 4
const recordTrailerSize = 4 // crc32

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Encode serializes r into a self-contained, checksummed byte slice:
// {length, lsn, type, page_id, payload, crc32c}. length is the encoded
// size of everything that follows it, so a reader can skip malformed
// records without parsing their payload.
func Encode(r Record) []byte {
	total := recordHeaderSize + len(r.Payload) + recordTrailerSize
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total-4))
	binary.LittleEndian.PutUint64(buf[4:12], r.LSN)
	buf[12] = byte(r.Type)
	binary.LittleEndian.PutUint64(buf[13:21], r.PageID)
	binary.LittleEndian.PutUint32(buf[21:25], uint32(len(r.Payload)))
	copy(buf[25:25+len(r.Payload)], r.Payload)
	crc := crc32.Checksum(buf[4:25+len(r.Payload)], crcTable)
	binary.LittleEndian.PutUint32(buf[25+len(r.Payload):], crc)
	return buf
}

// Decode parses one record starting at the front of buf, returning the
// record, how many bytes it consumed, and an error if the record is
// malformed or its checksum fails. Decode never reads past buf's end.
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < 4 {
		return Record{}, 0, dberrors.Newf(dberrors.ErrCorruption, "wal: truncated record length prefix")
	}
	length := int(binary.LittleEndian.Uint32(buf[0:4]))
	total := 4 + length
	if length < recordHeaderSize-4+recordTrailerSize || total > len(buf) {
		return Record{}, 0, dberrors.Newf(dberrors.ErrCorruption, "wal: truncated or malformed record (len=%d)", length)
	}
	body := buf[4:total]
	payloadLen := int(binary.LittleEndian.Uint32(body[17:21]))
	if 21+payloadLen+4 != len(body) {
		return Record{}, 0, dberrors.Newf(dberrors.ErrCorruption, "wal: payload length mismatch")
	}
	wantCRC := binary.LittleEndian.Uint32(body[21+payloadLen : 21+payloadLen+4])
	gotCRC := crc32.Checksum(body[:21+payloadLen], crcTable)
	if wantCRC != gotCRC {
		return Record{}, 0, dberrors.Newf(dberrors.ErrCorruption, "wal: record crc mismatch")
	}
	r := Record{
		LSN:    binary.LittleEndian.Uint64(body[0:8]),
		Type:   Type(body[8]),
		PageID: binary.LittleEndian.Uint64(body[9:17]),
	}
	if payloadLen > 0 {
		r.Payload = append([]byte(nil), body[21:21+payloadLen]...)
	}
	return r, total, nil
}

// --- payload helpers for each record type ---

func EncodePutSlotPayload(ord uint16, data []byte) []byte {
	buf := make([]byte, 2+4+len(data))
	binary.LittleEndian.PutUint16(buf[0:2], ord)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(data)))
	copy(buf[6:], data)
	return buf
}

func DecodePutSlotPayload(p []byte) (ord uint16, data []byte, err error) {
	if len(p) < 6 {
		return 0, nil, dberrors.Newf(dberrors.ErrCorruption, "wal: short PUT_SLOT payload")
	}
	ord = binary.LittleEndian.Uint16(p[0:2])
	n := binary.LittleEndian.Uint32(p[2:6])
	if int(n) != len(p)-6 {
		return 0, nil, dberrors.Newf(dberrors.ErrCorruption, "wal: PUT_SLOT length mismatch")
	}
	return ord, p[6:], nil
}

func EncodeDelSlotPayload(ord uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, ord)
	return buf
}

func DecodeDelSlotPayload(p []byte) (uint16, error) {
	if len(p) != 2 {
		return 0, dberrors.Newf(dberrors.ErrCorruption, "wal: short DEL_SLOT payload")
	}
	return binary.LittleEndian.Uint16(p), nil
}

func EncodeSiblingPayload(sibling uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, sibling)
	return buf
}

func DecodeSiblingPayload(p []byte) (uint64, error) {
	if len(p) != 8 {
		return 0, dberrors.Newf(dberrors.ErrCorruption, "wal: short SET_RIGHT_SIBLING payload")
	}
	return binary.LittleEndian.Uint64(p), nil
}

func EncodeCommitPayload(groupID uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, groupID)
	return buf
}

func DecodeCommitPayload(p []byte) (uint64, error) {
	if len(p) != 8 {
		return 0, dberrors.Newf(dberrors.ErrCorruption, "wal: short COMMIT payload")
	}
	return binary.LittleEndian.Uint64(p), nil
}

// EncodePageImagePayload and DecodePageImagePayload are identity
// functions: the payload bytes are exactly the page buffer. They exist
// so call sites read symmetrically with the other record types.
func EncodePageImagePayload(img []byte) []byte    { return img }
func DecodePageImagePayload(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, dberrors.Newf(dberrors.ErrCorruption, "wal: empty PAGE_IMAGE payload")
	}
	return p, nil
}

// CheckpointPayload is CHECKPOINT's body: the checkpoint LSN itself is
// the record's LSN, so the payload only needs the allocator snapshot
// pointer and the root page ID.
type CheckpointPayload struct {
	AllocatorSnapshot []byte
	RootPageID        uint64
}

func EncodeCheckpointPayload(p CheckpointPayload) []byte {
	buf := make([]byte, 8+4+len(p.AllocatorSnapshot))
	binary.LittleEndian.PutUint64(buf[0:8], p.RootPageID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(p.AllocatorSnapshot)))
	copy(buf[12:], p.AllocatorSnapshot)
	return buf
}

func DecodeCheckpointPayload(p []byte) (CheckpointPayload, error) {
	if len(p) < 12 {
		return CheckpointPayload{}, dberrors.Newf(dberrors.ErrCorruption, "wal: short CHECKPOINT payload")
	}
	root := binary.LittleEndian.Uint64(p[0:8])
	n := binary.LittleEndian.Uint32(p[8:12])
	if int(n) != len(p)-12 {
		return CheckpointPayload{}, dberrors.Newf(dberrors.ErrCorruption, "wal: CHECKPOINT length mismatch")
	}
	return CheckpointPayload{RootPageID: root, AllocatorSnapshot: append([]byte(nil), p[12:]...)}, nil
}
