package wal

import (
	"encoding/binary"
	"io"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/dbcore/pagestore/internal/dberrors"
)

// Group is one committed mutation group: every record up to and
// including its COMMIT record, in LSN order.
type Group struct {
	CommitLSN uint64
	GroupID   uint64
	Records   []Record
}

// Scan replays every committed group across all segments in dir whose
// records have LSN >= fromLSN, in order. A segment whose trailing bytes
// are truncated or checksum-broken (a torn write at crash time) is not
// an error: Scan stops there, on the theory that nothing after a torn
// record was ever fsynced, so dropping it is exactly the redo log's
// contract (spec §4.4, §7 "Recovery").
//
// Grounded on vandersonmota-boteco's entries.Reader sequential replay
// loop, generalized from a single record type to grouped COMMIT
// boundaries.
func Scan(fs vfs.FS, dir string, fromLSN uint64) ([]Group, error) {
	names, err := fs.List(dir)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.ErrOutOfSpace, err)
	}
	type segEntry struct {
		name string
		lsn  uint64
	}
	var segs []segEntry
	for _, n := range names {
		if lsn, ok := parseSegmentLSN(n); ok {
			segs = append(segs, segEntry{n, lsn})
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].lsn < segs[j].lsn })

	var groups []Group
	var pending []Record

	for _, se := range segs {
		f, err := fs.Open(filepath.Join(dir, se.name))
		if err != nil {
			return nil, dberrors.Wrap(dberrors.ErrOutOfSpace, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, dberrors.Wrap(dberrors.ErrOutOfSpace, err)
		}
		if len(data) < segHeaderSize || string(data[0:4]) != segMagic {
			continue // empty or not-yet-written segment, skip
		}
		off := segHeaderSize
		for off < len(data) {
			rec, n, err := Decode(data[off:])
			if err != nil {
				// Torn tail: stop replaying this and all later
				// segments, since segments are appended in order and
				// nothing past a torn record was ever fsynced ahead
				// of a later one.
				groups = truncateUncommitted(groups, pending)
				return groups, nil
			}
			off += n
			if rec.LSN < fromLSN {
				continue
			}
			if rec.Type == TypeCommit {
				groupID, derr := DecodeCommitPayload(rec.Payload)
				if derr != nil {
					groups = truncateUncommitted(groups, pending)
					return groups, nil
				}
				groups = append(groups, Group{CommitLSN: rec.LSN, GroupID: groupID, Records: pending})
				pending = nil
				continue
			}
			pending = append(pending, rec)
		}
	}
	return groups, nil
}

// truncateUncommitted is a no-op helper kept for clarity at call sites:
// any records left in `pending` when a torn record is hit never reached
// a COMMIT, so they're already excluded from `groups` and are simply
// discarded.
func truncateUncommitted(groups []Group, _ []Record) []Group {
	return groups
}

// LastSegmentHeader reads just the header of the most recent segment in
// dir, without replaying the whole log.
func LastSegmentHeader(fs vfs.FS, dir string) (firstLSN uint64, prevLastLSN uint64, ok bool, err error) {
	names, err := fs.List(dir)
	if err != nil {
		return 0, 0, false, dberrors.Wrap(dberrors.ErrOutOfSpace, err)
	}
	var best string
	var bestLSN uint64
	for _, n := range names {
		if lsn, parseOK := parseSegmentLSN(n); parseOK && lsn >= bestLSN {
			best, bestLSN = n, lsn
		}
	}
	if best == "" {
		return 0, 0, false, nil
	}
	f, err := fs.Open(filepath.Join(dir, best))
	if err != nil {
		return 0, 0, false, dberrors.Wrap(dberrors.ErrOutOfSpace, err)
	}
	defer f.Close()
	hdr := make([]byte, segHeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return 0, 0, false, nil // header not fully written: treat as empty
	}
	if string(hdr[0:4]) != segMagic {
		return 0, 0, false, nil
	}
	firstLSN = binary.LittleEndian.Uint64(hdr[5:13])
	prevLastLSN = binary.LittleEndian.Uint64(hdr[13:21])
	return firstLSN, prevLastLSN, true, nil
}
