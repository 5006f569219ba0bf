package pagefile

import (
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataLoadOnBrandNewFileReportsNotExisted(t *testing.T) {
	m := OpenMetadata(vfs.NewMem(), "/db")
	rec, existed, err := m.Load()
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, Record{}, rec)
}

func TestMetadataWriteThenLoadRoundTrips(t *testing.T) {
	m := OpenMetadata(vfs.NewMem(), "/db")
	rec := Record{
		CheckpointLSN: 42,
		RootPageID:    7,
		AllocatorSnap: []byte{1, 2, 3, 4},
		CleanShutdown: true,
	}
	require.NoError(t, m.Write(rec))

	got, existed, err := m.Load()
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, rec, got)
}

func TestMetadataSecondWriteAlternatesSlotAndWins(t *testing.T) {
	m := OpenMetadata(vfs.NewMem(), "/db")
	require.NoError(t, m.Write(Record{CheckpointLSN: 1, RootPageID: 1}))
	require.NoError(t, m.Write(Record{CheckpointLSN: 2, RootPageID: 2}))

	got, existed, err := m.Load()
	require.NoError(t, err)
	require.True(t, existed)
	assert.Equal(t, uint64(2), got.CheckpointLSN)
	assert.Equal(t, uint64(2), got.RootPageID)
}

func TestMetadataLoadSurvivesOneTornSlotByFallingBackToTheOther(t *testing.T) {
	fs := vfs.NewMem()
	m := OpenMetadata(fs, "/db")
	require.NoError(t, m.Write(Record{CheckpointLSN: 5, RootPageID: 9}))
	require.NoError(t, m.Write(Record{CheckpointLSN: 6, RootPageID: 10}))

	f, err := fs.Open(m.path)
	require.NoError(t, err)
	buf := make([]byte, 2*metaSlotSize)
	_, err = f.Read(buf)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, winnerIdx, haveBest := m.bestSlot(buf)
	require.True(t, haveBest)
	start := winnerIdx * metaSlotSize
	buf[start+metaSlotSize-1] ^= 0xFF // corrupt the winning slot's checksum byte

	wf, err := fs.Create(m.path)
	require.NoError(t, err)
	_, err = wf.Write(buf)
	require.NoError(t, err)
	require.NoError(t, wf.Close())

	got, existed, err := m.Load()
	require.NoError(t, err)
	require.True(t, existed)
	assert.Equal(t, uint64(5), got.CheckpointLSN, "the older, intact slot must still load when the newer one is torn")
	assert.Equal(t, uint64(9), got.RootPageID)
}

func TestMetadataLoadErrorsWhenBothSlotsAreCorrupt(t *testing.T) {
	fs := vfs.NewMem()
	m := OpenMetadata(fs, "/db")
	require.NoError(t, m.Write(Record{CheckpointLSN: 1}))
	require.NoError(t, m.Write(Record{CheckpointLSN: 2}))

	f, err := fs.Open(m.path)
	require.NoError(t, err)
	buf := make([]byte, 2*metaSlotSize)
	_, err = f.Read(buf)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	buf[metaSlotSize-1] ^= 0xFF
	buf[2*metaSlotSize-1] ^= 0xFF

	wf, err := fs.Create(m.path)
	require.NoError(t, err)
	_, err = wf.Write(buf)
	require.NoError(t, err)
	require.NoError(t, wf.Close())

	_, existed, err := m.Load()
	assert.False(t, existed)
	assert.Error(t, err)
}
