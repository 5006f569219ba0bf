// Package recovery implements startup crash recovery (spec §4.4, §7):
// load the last checkpoint, and — unless it was a clean shutdown —
// replay every committed WAL group written since, directly against the
// on-disk page files (the page cache isn't even open yet at this point).
//
// Grounded on spec §7 directly; the clean-shutdown fast path is a
// supplemented feature (spec §12) absent from the distilled spec but
// present in most production WAL engines (bbolt, Postgres) as the
// common case that should cost nothing extra.
package recovery

import (
	"github.com/cockroachdb/pebble/vfs"

	"github.com/dbcore/pagestore/internal/dberrors"
	"github.com/dbcore/pagestore/internal/page"
	"github.com/dbcore/pagestore/internal/pagefile"
	"github.com/dbcore/pagestore/internal/slab"
	"github.com/dbcore/pagestore/internal/wal"
)

// Outcome reports where the engine should resume after recovery.
type Outcome struct {
	FreshDatabase  bool // true: no metadata existed yet, caller should create a root leaf
	RootPageID     slab.PageID
	NextLSN        uint64
	ReplayedGroups int
}

// Run loads metadata, restores the allocator's free-list state, and
// (unless the prior shutdown was clean) replays every WAL group
// committed after the checkpoint straight into the data files.
func Run(fs vfs.FS, walDir string, meta *pagefile.Metadata, files *pagefile.Set, alloc *slab.Allocator, classSizes []int, compressionThreshold int) (Outcome, error) {
	rec, existed, err := meta.Load()
	if err != nil {
		return Outcome{}, err
	}
	if !existed {
		return Outcome{FreshDatabase: true, NextLSN: 1}, nil
	}

	snap, err := slab.DecodeSnapshot(rec.AllocatorSnap)
	if err != nil {
		return Outcome{}, err
	}
	if err := alloc.Load(snap); err != nil {
		return Outcome{}, err
	}

	if rec.CleanShutdown {
		return Outcome{RootPageID: slab.PageID(rec.RootPageID), NextLSN: rec.CheckpointLSN + 1}, nil
	}

	groups, err := wal.Scan(fs, walDir, rec.CheckpointLSN+1)
	if err != nil {
		return Outcome{}, err
	}

	rootID := slab.PageID(rec.RootPageID)
	lastLSN := rec.CheckpointLSN
	codec := page.NewCodec(compressionThreshold)
	for _, g := range groups {
		for _, r := range g.Records {
			if err := applyRecord(files, alloc, classSizes, codec, r); err != nil {
				return Outcome{}, err
			}
			if r.Type == wal.TypeNewRoot {
				rootID = slab.PageID(r.PageID)
			}
			if r.LSN > lastLSN {
				lastLSN = r.LSN
			}
		}
		if g.CommitLSN > lastLSN {
			lastLSN = g.CommitLSN
		}
	}

	return Outcome{RootPageID: rootID, NextLSN: lastLSN + 1, ReplayedGroups: len(groups)}, nil
}

func applyRecord(files *pagefile.Set, alloc *slab.Allocator, classSizes []int, codec *page.Codec, r wal.Record) error {
	switch r.Type {
	case wal.TypeAlloc:
		alloc.MarkAllocated(slab.PageID(r.PageID))
		return nil
	case wal.TypeFree:
		return alloc.Free(slab.PageID(r.PageID))
	case wal.TypeNewRoot, wal.TypeCommit, wal.TypeCheckpoint:
		return nil
	}

	id := slab.PageID(r.PageID)
	class := int(id.Class())
	if class < 0 || class >= len(classSizes) {
		return dberrors.Newf(dberrors.ErrCorruption, "recovery: page %d has unknown size class %d", r.PageID, class)
	}
	buf := make(page.Page, classSizes[class])
	if err := files.ReadPage(class, id.Slot(), buf); err != nil {
		return err
	}
	// A never-written page reads back as all zero, which fails the magic
	// check; that's fine for PUT_SLOT's very first write (PutSlot
	// doesn't require an already-initialized page header other than a
	// valid offset table, so initialize it fresh when the magic is
	// absent instead of trying to edit garbage).
	if !page.VerifyMagic(buf) {
		buf.Init(page.TypeLeaf, uint8(class))
	}

	switch r.Type {
	case wal.TypePutSlot:
		ord, data, err := wal.DecodePutSlotPayload(r.Payload)
		if err != nil {
			return err
		}
		if err := codec.PutSlot(buf, int(ord), data); err != nil {
			return err
		}
	case wal.TypeDelSlot:
		ord, err := wal.DecodeDelSlotPayload(r.Payload)
		if err != nil {
			return err
		}
		if err := codec.DeleteSlot(buf, int(ord)); err != nil {
			return err
		}
	case wal.TypeSetRightSibling:
		sib, err := wal.DecodeSiblingPayload(r.Payload)
		if err != nil {
			return err
		}
		buf.SetRightSibling(sib)
	case wal.TypePageImage:
		img, err := wal.DecodePageImagePayload(r.Payload)
		if err != nil {
			return err
		}
		if len(img) != len(buf) {
			return dberrors.Newf(dberrors.ErrCorruption, "recovery: page image size mismatch for page %d", r.PageID)
		}
		copy(buf, img)
	default:
		return dberrors.Newf(dberrors.ErrCorruption, "recovery: unknown WAL record type %d", r.Type)
	}

	buf.SetLSN(r.LSN)
	page.StampChecksum(buf)
	return files.WritePage(class, id.Slot(), buf)
}

// VerifyPages re-reads every allocated page across classSizes and
// reports any whose checksum doesn't match its content — a torn write
// that WAL replay didn't cover because the record itself was never
// committed. Called after Run as a diagnostic pass (spec §12's
// CheckInvariants companion at the storage layer); it repairs nothing
// itself since a torn, uncommitted page is, by the redo log's contract,
// never referenced by any committed structure pointing at it.
func VerifyPages(files *pagefile.Set, alloc *slab.Allocator, classSizes []int) ([]slab.PageID, error) {
	var torn []slab.PageID
	snap := alloc.Snapshot()
	for class, cs := range snap.Classes {
		free := make(map[uint64]bool, len(cs.Free))
		for _, f := range cs.Free {
			free[f] = true
		}
		count, err := files.PageCount(class)
		if err != nil {
			return nil, err
		}
		buf := make(page.Page, classSizes[class])
		for slot := uint64(0); slot < count && slot < cs.NextNew; slot++ {
			if free[slot] {
				continue
			}
			if err := files.ReadPage(class, slot, buf); err != nil {
				return nil, err
			}
			if !page.VerifyMagic(buf) || !page.VerifyChecksum(buf) {
				torn = append(torn, slab.MakePageID(uint8(class), slot))
			}
		}
	}
	return torn, nil
}
