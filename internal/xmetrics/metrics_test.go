package xmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersEveryCollectorOnAPrivateRegistry(t *testing.T) {
	r := New()
	require.NotNil(t, r.Gatherer())

	mfs, err := r.Gatherer().Gather()
	require.NoError(t, err)
	assert.Len(t, mfs, 11, "every field registered in New must surface through Gatherer")
}

func TestCountersAndGaugesReflectUpdates(t *testing.T) {
	r := New()

	r.CacheHits.Inc()
	r.CacheHits.Inc()
	r.CacheMisses.Inc()
	r.CacheEvicted.Add(3)
	assert.Equal(t, float64(2), testutil.ToFloat64(r.CacheHits))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.CacheMisses))
	assert.Equal(t, float64(3), testutil.ToFloat64(r.CacheEvicted))

	r.DirtyPages.Set(42)
	assert.Equal(t, float64(42), testutil.ToFloat64(r.DirtyPages))

	r.CommitQueue.Inc()
	r.CommitQueue.Dec()
	assert.Equal(t, float64(0), testutil.ToFloat64(r.CommitQueue))

	r.CheckpointLSN.Set(1000)
	assert.Equal(t, float64(1000), testutil.ToFloat64(r.CheckpointLSN))
}

func TestHistogramsAcceptObservations(t *testing.T) {
	r := New()

	r.WALFsyncSeconds.Observe(0.002)
	r.GetLatencySeconds.Observe(0.001)
	r.PutLatencySeconds.Observe(0.003)
	r.WALBytesWritten.Add(128)
	r.WALSegmentRotated.Inc()

	assert.Equal(t, float64(128), testutil.ToFloat64(r.WALBytesWritten))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.WALSegmentRotated))

	count := testutil.CollectAndCount(r.WALFsyncSeconds)
	assert.Equal(t, 1, count)
}

func TestTwoRegistriesDoNotShareState(t *testing.T) {
	a := New()
	b := New()

	a.CacheHits.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.CacheHits))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.CacheHits))
}
