package pagestore

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbcore/pagestore/internal/config"
)

func testConfig(dataDir string) config.Config {
	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.SyncMode = config.SyncAlways
	return cfg
}

func TestPutGetRoundTrip(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close(context.Background())

	ctx := context.Background()
	require.NoError(t, e.Put(ctx, []byte("apple"), []byte("red")))
	require.NoError(t, e.Put(ctx, []byte("banana"), []byte("yellow")))
	require.NoError(t, e.Put(ctx, []byte("cherry"), []byte("dark red")))

	v, ok, err := e.Get([]byte("banana"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("yellow"), v)

	_, ok, err = e.Get([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetStrictReturnsErrNotFound(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close(context.Background())

	_, err = e.GetStrict([]byte("nope"))
	assert.Error(t, err)

	require.NoError(t, e.Put(context.Background(), []byte("k"), []byte("v")))
	v, err := e.GetStrict([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestScanOrderAcrossForcedSplit(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.PageSizeClasses = []int{256, 4096}
	cfg.MaxInlineFraction = 0.6
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close(context.Background())

	ctx := context.Background()
	for i := 1; i <= 50; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		require.NoError(t, e.Put(ctx, key, []byte(fmt.Sprintf("v%03d", i))))
	}

	it, err := e.Scan(nil, nil)
	require.NoError(t, err)
	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	require.NoError(t, it.Err())
	require.Len(t, got, 50)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1] < got[i])
	}
}

func TestBatchCommitAppliesOpsInOrder(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close(context.Background())

	ctx := context.Background()
	require.NoError(t, e.NewBatch().
		Put([]byte("a"), []byte("1")).
		Put([]byte("b"), []byte("2")).
		Delete([]byte("a")).
		Commit(ctx))

	_, ok, err := e.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok, "the delete within the same batch must take effect")

	v, ok, err := e.Get([]byte("b"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("2"), v)
}

func TestEmptyBatchCommitIsNoop(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close(context.Background())

	assert.NoError(t, e.NewBatch().Commit(context.Background()))
}

func TestDurabilityAcrossSimulatedCrash(t *testing.T) {
	fs := vfs.NewMem()
	cfg := testConfig("/db")

	e1, err := OpenWithFS(cfg, fs)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e1.Put(ctx, []byte("baseline"), []byte("v0")))
	// Establish a checkpoint baseline, the way a background checkpointer
	// would periodically do in a long-running process.
	require.NoError(t, e1.Checkpoint(ctx))

	require.NoError(t, e1.Put(ctx, []byte("after-checkpoint"), []byte("v1")))
	// No Close(): the process "crashes" here without a final clean
	// shutdown record, leaving only what was already committed to the WAL.

	e2, err := OpenWithFS(cfg, fs)
	require.NoError(t, err)
	defer e2.Close(ctx)

	v, ok, err := e2.Get([]byte("baseline"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v0"), v)

	v, ok, err = e2.Get([]byte("after-checkpoint"))
	require.NoError(t, err)
	assert.True(t, ok, "a committed write made after the last checkpoint must survive replay")
	assert.Equal(t, []byte("v1"), v)
}

func TestCloseIsIdempotentAndRejectsFurtherWrites(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e, err := Open(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx), "Close must be idempotent")

	err = e.Put(ctx, []byte("k2"), []byte("v2"))
	assert.Error(t, err)
}

func TestOverflowValueRoundTripAndDeleteFreesChain(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.PageSizeClasses = []int{256, 65536}
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close(context.Background())

	ctx := context.Background()
	big := bytes.Repeat([]byte("z"), 1<<20)
	require.NoError(t, e.Put(ctx, []byte("huge"), big))

	got, ok, err := e.Get([]byte("huge"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, got)

	require.NoError(t, e.Delete(ctx, []byte("huge")))
	_, ok, err = e.Get([]byte("huge"))
	require.NoError(t, err)
	assert.False(t, ok)

	// The delete freed every page of the chain: 1 MiB in chunks of
	// 65536 - 40 (header) - 6 (slot descriptor) = 65490 bytes is 17 pages.
	assert.Len(t, e.alloc.Snapshot().Classes[1].Free, 17)
}
