package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexAdd(t *testing.T) {
	idx := NewIndex()

	id, isNew := idx.Add(SeriesKey{ServerID: 1, Metric: "cpu"})
	assert.True(t, isNew)

	again, isNew := idx.Add(SeriesKey{ServerID: 1, Metric: "cpu"})
	assert.False(t, isNew)
	assert.Equal(t, id, again)

	other, _ := idx.Add(SeriesKey{ServerID: 2, Metric: "cpu"})
	assert.NotEqual(t, id, other)
	assert.Equal(t, 2, idx.SeriesCount())

	got, ok := idx.Lookup(SeriesKey{ServerID: 2, Metric: "cpu"})
	require.True(t, ok)
	assert.Equal(t, other, got)

	_, ok = idx.Lookup(SeriesKey{ServerID: 3, Metric: "cpu"})
	assert.False(t, ok)
}

func TestIndexServersAndMetrics(t *testing.T) {
	idx := NewIndex()
	idx.Add(SeriesKey{ServerID: 9, Metric: "memory"})
	idx.Add(SeriesKey{ServerID: 9, Metric: "cpu"})
	idx.Add(SeriesKey{ServerID: 4, Metric: "load"})

	assert.Equal(t, []uint64{4, 9}, idx.Servers())
	assert.Equal(t, []string{"cpu", "memory"}, idx.Metrics(9))
	assert.Empty(t, idx.Metrics(1))
}

func TestIndexUpdateTimeRange(t *testing.T) {
	idx := NewIndex()
	id, _ := idx.Add(SeriesKey{ServerID: 1, Metric: "cpu"})

	require.NoError(t, idx.UpdateTimeRange(id, 2000, 3000))
	require.NoError(t, idx.UpdateTimeRange(id, 1000, 2500))
	require.NoError(t, idx.UpdateTimeRange(id, 2500, 4000))

	key, minTime, maxTime, ok := idx.Get(id)
	require.True(t, ok)
	assert.Equal(t, SeriesKey{ServerID: 1, Metric: "cpu"}, key)
	assert.Equal(t, int64(1000), minTime)
	assert.Equal(t, int64(4000), maxTime)

	assert.ErrorIs(t, idx.UpdateTimeRange(id+1, 0, 1), ErrNotFound)
}

func TestFingerprintStable(t *testing.T) {
	a := fingerprint(SeriesKey{ServerID: 1, Metric: "cpu"})
	assert.Equal(t, a, fingerprint(SeriesKey{ServerID: 1, Metric: "cpu"}))
	assert.NotEqual(t, a, fingerprint(SeriesKey{ServerID: 1, Metric: "cpuu"}))
	assert.NotEqual(t, a, fingerprint(SeriesKey{ServerID: 256, Metric: "cpu"}))
}

func BenchmarkIndexAdd(b *testing.B) {
	idx := NewIndex()
	metrics := []string{"cpu", "memory", "swap", "disk", "load"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.Add(SeriesKey{ServerID: uint64(i % 1000), Metric: metrics[i%len(metrics)]})
	}
}
