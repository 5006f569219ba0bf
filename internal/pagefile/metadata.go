package pagefile

import (
	"encoding/binary"
	"hash/crc32"
	"path/filepath"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/dbcore/pagestore/internal/dberrors"
)

// Metadata is the fixed-layout, tear-safe metadata file (spec §6):
// two alternating slots, A and B, each independently checksummed; the
// valid slot on open is whichever has the higher LSN and a good CRC.
//
// Grounded on spec §6 directly; writes go through pebble/vfs so the
// slot write + rename is atomic and, in tests, can be driven against
// vfs.NewMem() to simulate a crash between slot write and rename.
type Metadata struct {
	fs   vfs.FS
	path string
}

const (
	metaMagic       = "PXMD"
	metaSlotSize    = 4096
	metaFormatVers  = 1
	metaHeaderBytes = 4 + 1 + 8 + 8 + 1 + 4 // magic, version, checkpoint_lsn, root_page_id, clean_shutdown, snapshot_len; the crc sits in the slot's last 4 bytes
)

var metaCRCTable = crc32.MakeTable(crc32.Castagnoli)

// Record is the logical content of one metadata slot.
type Record struct {
	CheckpointLSN    uint64
	RootPageID       uint64
	AllocatorSnap    []byte
	CleanShutdown    bool
}

func OpenMetadata(fs vfs.FS, dir string) *Metadata {
	return &Metadata{fs: fs, path: filepath.Join(dir, "meta.dat")}
}

// readBoth reads the raw two-slot buffer, zero-padded to 2*metaSlotSize
// if the file is shorter or missing.
func (m *Metadata) readBoth() []byte {
	buf := make([]byte, 2*metaSlotSize)
	f, err := m.fs.Open(m.path)
	if err != nil {
		return buf
	}
	defer f.Close()
	n, _ := f.Read(buf)
	if n < len(buf) {
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
	}
	return buf
}

// Load reads both slots and returns the valid one: highest checkpoint
// LSN among slots with a good CRC. Returns (Record{}, false, nil) for a
// brand-new, empty metadata file.
func (m *Metadata) Load() (Record, bool, error) {
	buf := m.readBoth()
	best, bestIdx, haveBest := m.bestSlot(buf)
	if !haveBest {
		if bestIdx == -2 {
			return Record{}, false, nil // brand new database
		}
		return Record{}, false, dberrors.Newf(dberrors.ErrCorruption, "pagefile: both metadata slots invalid")
	}
	return best, true, nil
}

// bestSlot decodes both slots and returns the winner plus its index.
// idx == -2 signals "file empty/absent", -1 signals "both present but
// both corrupt".
func (m *Metadata) bestSlot(buf []byte) (Record, int, bool) {
	allZero := true
	for _, b := range buf {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return Record{}, -2, false
	}

	var best Record
	bestIdx := -1
	haveBest := false
	for slot := 0; slot < 2; slot++ {
		start := slot * metaSlotSize
		rec, ok := decodeSlot(buf[start : start+metaSlotSize])
		if !ok {
			continue
		}
		if !haveBest || rec.CheckpointLSN > best.CheckpointLSN {
			best, bestIdx, haveBest = rec, slot, true
		}
	}
	return best, bestIdx, haveBest
}

// Write picks the slot not currently holding the highest LSN (so a
// crash mid-write never corrupts the other, still-valid slot), encodes
// rec into it, and atomically renames a temp file into place.
func (m *Metadata) Write(rec Record) error {
	buf := m.readBoth()
	_, winnerIdx, haveBest := m.bestSlot(buf)

	slot := 0
	if haveBest && winnerIdx == 0 {
		slot = 1
	}

	encodeSlot(buf[slot*metaSlotSize:(slot+1)*metaSlotSize], rec)

	tmp := m.path + ".tmp"
	wf, err := m.fs.Create(tmp)
	if err != nil {
		return dberrors.Wrap(dberrors.ErrOutOfSpace, err)
	}
	if _, err := wf.Write(buf); err != nil {
		wf.Close()
		return dberrors.Wrap(dberrors.ErrOutOfSpace, err)
	}
	if err := wf.Sync(); err != nil {
		wf.Close()
		return dberrors.Wrap(dberrors.ErrOutOfSpace, err)
	}
	if err := wf.Close(); err != nil {
		return dberrors.Wrap(dberrors.ErrOutOfSpace, err)
	}
	if err := m.fs.Rename(tmp, m.path); err != nil {
		return dberrors.Wrap(dberrors.ErrOutOfSpace, err)
	}
	if dir, derr := m.fs.OpenDir(filepath.Dir(m.path)); derr == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

func encodeSlot(b []byte, rec Record) {
	for i := range b {
		b[i] = 0
	}
	copy(b[0:4], metaMagic)
	b[4] = metaFormatVers
	binary.LittleEndian.PutUint64(b[5:13], rec.CheckpointLSN)
	binary.LittleEndian.PutUint64(b[13:21], rec.RootPageID)
	if rec.CleanShutdown {
		b[21] = 1
	}
	snapLen := len(rec.AllocatorSnap)
	binary.LittleEndian.PutUint32(b[22:26], uint32(snapLen))
	copy(b[26:26+snapLen], rec.AllocatorSnap)
	crc := crc32.Checksum(b[:metaSlotSize-4], metaCRCTable)
	binary.LittleEndian.PutUint32(b[metaSlotSize-4:metaSlotSize], crc)
}

func decodeSlot(b []byte) (Record, bool) {
	if len(b) != metaSlotSize || string(b[0:4]) != metaMagic {
		return Record{}, false
	}
	want := binary.LittleEndian.Uint32(b[metaSlotSize-4 : metaSlotSize])
	got := crc32.Checksum(b[:metaSlotSize-4], metaCRCTable)
	if want != got {
		return Record{}, false
	}
	rec := Record{
		CheckpointLSN: binary.LittleEndian.Uint64(b[5:13]),
		RootPageID:    binary.LittleEndian.Uint64(b[13:21]),
		CleanShutdown: b[21] != 0,
	}
	snapLen := binary.LittleEndian.Uint32(b[22:26])
	if int(snapLen) > metaSlotSize-26-4 {
		return Record{}, false
	}
	rec.AllocatorSnap = append([]byte(nil), b[26:26+snapLen]...)
	return rec, true
}
