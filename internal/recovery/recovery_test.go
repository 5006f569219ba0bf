package recovery

import (
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbcore/pagestore/internal/config"
	"github.com/dbcore/pagestore/internal/page"
	"github.com/dbcore/pagestore/internal/pagefile"
	"github.com/dbcore/pagestore/internal/slab"
	"github.com/dbcore/pagestore/internal/wal"
)

var classSizes = []int{256, 4096}

func newFixture(t *testing.T) (vfs.FS, *pagefile.Set, *pagefile.Metadata, *slab.Allocator) {
	t.Helper()
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("/db/wal", 0o755))
	files, err := pagefile.Open(fs, "/db", classSizes)
	require.NoError(t, err)
	t.Cleanup(func() { files.Close() })
	meta := pagefile.OpenMetadata(fs, "/db")
	alloc := slab.New(classSizes)
	return fs, files, meta, alloc
}

func TestRunOnFreshDatabaseSkipsReplay(t *testing.T) {
	fs, files, meta, alloc := newFixture(t)

	outcome, err := Run(fs, "/db/wal", meta, files, alloc, classSizes, 0)
	require.NoError(t, err)
	assert.True(t, outcome.FreshDatabase)
	assert.Equal(t, uint64(1), outcome.NextLSN)
	assert.Equal(t, 0, outcome.ReplayedGroups)
}

func TestRunOnCleanShutdownSkipsWALReplay(t *testing.T) {
	fs, files, meta, alloc := newFixture(t)

	id, _, err := alloc.Allocate(0)
	require.NoError(t, err)
	snap := slab.EncodeSnapshot(alloc.Snapshot())

	require.NoError(t, meta.Write(pagefile.Record{
		CheckpointLSN: 41,
		RootPageID:    uint64(id),
		AllocatorSnap: snap,
		CleanShutdown: true,
	}))

	// Write a committed WAL group after the checkpoint that is never
	// replayed: a clean shutdown must ignore it entirely.
	w, err := wal.Open(fs, "/db/wal", 1<<20, config.SyncNoneForTests, 0, nil)
	require.NoError(t, err)
	_, err = w.AppendGroup(1, []wal.Record{
		{Type: wal.TypePutSlot, PageID: uint64(id), Payload: wal.EncodePutSlotPayload(0, []byte("ignored"))},
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	outcome, err := Run(fs, "/db/wal", meta, files, alloc, classSizes, 0)
	require.NoError(t, err)
	assert.False(t, outcome.FreshDatabase)
	assert.Equal(t, id, outcome.RootPageID)
	assert.Equal(t, uint64(42), outcome.NextLSN)
	assert.Equal(t, 0, outcome.ReplayedGroups)
}

func TestRunReplaysCommittedGroupsAfterDirtyShutdown(t *testing.T) {
	fs, files, meta, alloc := newFixture(t)

	id, _, err := alloc.Allocate(0)
	require.NoError(t, err)
	snap := slab.EncodeSnapshot(alloc.Snapshot())
	require.NoError(t, meta.Write(pagefile.Record{
		CheckpointLSN: 0,
		RootPageID:    uint64(id),
		AllocatorSnap: snap,
		CleanShutdown: false,
	}))

	w, err := wal.Open(fs, "/db/wal", 1<<20, config.SyncNoneForTests, 0, nil)
	require.NoError(t, err)
	commitLSN, err := w.AppendGroup(1, []wal.Record{
		{Type: wal.TypePutSlot, PageID: uint64(id), Payload: wal.EncodePutSlotPayload(0, []byte("replayed"))},
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	outcome, err := Run(fs, "/db/wal", meta, files, alloc, classSizes, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.ReplayedGroups)
	assert.Equal(t, commitLSN+1, outcome.NextLSN)

	buf := make(page.Page, classSizes[0])
	require.NoError(t, files.ReadPage(0, id.Slot(), buf))
	require.True(t, page.VerifyMagic(buf))
	codec := page.NewCodec(0)
	got, err := codec.GetSlot(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("replayed"), got)
}

func TestRunFollowsNewRootRecordsDuringReplay(t *testing.T) {
	fs, files, meta, alloc := newFixture(t)

	oldRoot, _, err := alloc.Allocate(0)
	require.NoError(t, err)
	snap := slab.EncodeSnapshot(alloc.Snapshot())
	require.NoError(t, meta.Write(pagefile.Record{
		CheckpointLSN: 0,
		RootPageID:    uint64(oldRoot),
		AllocatorSnap: snap,
		CleanShutdown: false,
	}))

	newRoot, _, err := alloc.Allocate(0)
	require.NoError(t, err)

	w, err := wal.Open(fs, "/db/wal", 1<<20, config.SyncNoneForTests, 0, nil)
	require.NoError(t, err)
	_, err = w.AppendGroup(1, []wal.Record{
		{Type: wal.TypeAlloc, PageID: uint64(newRoot)},
		{Type: wal.TypeNewRoot, PageID: uint64(newRoot)},
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	outcome, err := Run(fs, "/db/wal", meta, files, alloc, classSizes, 0)
	require.NoError(t, err)
	assert.Equal(t, newRoot, outcome.RootPageID)
}

func TestVerifyPagesFlagsTornChecksum(t *testing.T) {
	_, files, _, alloc := newFixture(t)

	id, _, err := alloc.Allocate(0)
	require.NoError(t, err)

	buf := page.New(classSizes[0], page.TypeLeaf, 0)
	codec := page.NewCodec(0)
	require.NoError(t, codec.PutSlot(buf, 0, []byte("ok")))
	page.StampChecksum(buf)
	require.NoError(t, files.WritePage(0, id.Slot(), buf))

	torn, err := VerifyPages(files, alloc, classSizes)
	require.NoError(t, err)
	assert.Empty(t, torn)

	buf[100] ^= 0xFF
	require.NoError(t, files.WritePage(0, id.Slot(), buf))
	torn, err = VerifyPages(files, alloc, classSizes)
	require.NoError(t, err)
	assert.Contains(t, torn, id)
}
