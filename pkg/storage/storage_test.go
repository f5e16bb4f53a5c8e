package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vjranagit/serverwatch/pkg/types"
)

const hour = int64(3_600_000)

func openStore(t *testing.T, cfg *Config) *BadgerStore {
	t.Helper()

	if cfg == nil {
		cfg = DefaultConfig()
		cfg.Path = t.TempDir()
	}

	s, err := NewStore(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck

	return s
}

func snapshot(now int64, cpu float64, memUsed uint64) *types.Snapshot {
	return &types.Snapshot{
		Now: now,
		Servers: []types.Server{{
			ID:    1,
			Host:  types.Host{MemTotal: 1000},
			State: types.HostState{CPU: cpu, MemUsed: memUsed, Load1: 0.5},
		}},
	}
}

func TestBadgerStoreRecordAndQuery(t *testing.T) {
	s := openStore(t, nil)
	ctx := context.Background()

	base := int64(1_700_000_000_000)
	require.NoError(t, s.Record(ctx, snapshot(base, 10, 100)))
	require.NoError(t, s.Record(ctx, snapshot(base+hour, 20, 200)))
	require.NoError(t, s.Record(ctx, snapshot((base+2*hour)/1000, 30, 300)))

	cpu, err := s.Query(ctx, SeriesKey{ServerID: 1, Metric: "cpu"}, base, base+2*hour)
	require.NoError(t, err)
	require.Len(t, cpu, 3)
	assert.Equal(t, base+2*hour, cpu[2].Timestamp)
	assert.Equal(t, []float64{10, 20, 30}, values(cpu))

	// memory is recorded in bytes under its query name
	mem, err := s.Query(ctx, SeriesKey{ServerID: 1, Metric: "memory"}, base, base+hour)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 200}, values(mem))

	assert.Contains(t, s.Series(1), SeriesKey{ServerID: 1, Metric: "process_count"})
	assert.Equal(t, []uint64{1}, s.Servers())
}

func TestBadgerStoreQueryBounds(t *testing.T) {
	s := openStore(t, nil)
	ctx := context.Background()
	key := SeriesKey{ServerID: 3, Metric: "cpu"}

	base := int64(1_700_000_000_000)
	samples := make([]types.Sample, 0, 6)
	for i := int64(0); i < 6; i++ {
		samples = append(samples, types.Sample{Timestamp: base + i*hour/2, Value: ptr(float64(i))})
	}
	require.NoError(t, s.Write(ctx, key, samples))

	got, err := s.Query(ctx, key, base+hour/2, base+2*hour)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, values(got))

	got, err = s.Query(ctx, key, base+10*hour, base+11*hour)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.Query(ctx, SeriesKey{ServerID: 3, Metric: "memory"}, 0, base)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerStoreWriteMerges(t *testing.T) {
	s := openStore(t, nil)
	ctx := context.Background()
	key := SeriesKey{ServerID: 1, Metric: "load"}

	base := int64(1_700_000_000_000)
	require.NoError(t, s.Write(ctx, key, []types.Sample{
		{Timestamp: base + 2000, Value: ptr(2)},
		{Timestamp: base, Value: ptr(1)},
	}))
	require.NoError(t, s.Write(ctx, key, []types.Sample{
		{Timestamp: base + 1000, Value: ptr(1.5)},
		{Timestamp: base + 2000, Value: ptr(9)},
	}))

	got, err := s.Query(ctx, key, base, base+hour)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1.5, 9}, values(got))
}

func TestBadgerStoreFailedWriteLeavesIndex(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	ctx := context.Background()
	key := SeriesKey{ServerID: 4, Metric: "cpu"}
	base := int64(1_700_000_000_000)

	s, err := NewStore(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	// a corrupt block makes the write transaction fail after the series id
	// was computed
	require.NoError(t, s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(fingerprint(key), blockStart(base)), []byte("garbage"))
	}))

	assert.Error(t, s.Write(ctx, key, []types.Sample{{Timestamp: base, Value: ptr(1)}}))
	assert.Empty(t, s.Series(4))

	require.NoError(t, s.Write(ctx, key, []types.Sample{{Timestamp: base + 2*hour, Value: ptr(2)}}))
	assert.Equal(t, []SeriesKey{key}, s.Series(4))
	require.NoError(t, s.Close())

	s = openStore(t, cfg)
	assert.Equal(t, []SeriesKey{key}, s.Series(4), "metadata survives a reopen")

	got, err := s.Query(ctx, key, base+2*hour, base+2*hour)
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, values(got))
}

func TestBadgerStoreBacklog(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.BacklogSize = 3

	s := openStore(t, cfg)
	ctx := context.Background()

	empty, err := s.Backlog(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.AppendBacklog(ctx, []byte(fmt.Sprintf(`{"now":%d}`, i))))
	}

	got, err := s.Backlog(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"now":5}`, `{"now":4}`, `{"now":3}`}, strs(got))

	got, err = s.Backlog(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"now":5}`, `{"now":4}`}, strs(got))

	assert.Equal(t, 3, s.Stats().Backlog)
}

func TestBadgerStoreReopen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	ctx := context.Background()

	s, err := NewStore(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	base := int64(1_700_000_000_000)
	require.NoError(t, s.Record(ctx, snapshot(base, 42, 10)))
	require.NoError(t, s.AppendBacklog(ctx, []byte("a")))
	require.NoError(t, s.AppendBacklog(ctx, []byte("b")))
	require.NoError(t, s.Close())

	s = openStore(t, cfg)

	got, err := s.Query(ctx, SeriesKey{ServerID: 1, Metric: "cpu"}, base, base)
	require.NoError(t, err)
	assert.Equal(t, []float64{42}, values(got))

	require.NoError(t, s.AppendBacklog(ctx, []byte("c")))
	backlog, err := s.Backlog(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, strs(backlog))

	assert.Positive(t, s.Stats().Series)
}

func TestBadgerStoreInMemory(t *testing.T) {
	s := openStore(t, &Config{InMemory: true, BacklogSize: 2})
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, snapshot(1_700_000_000_000, 1, 1)))
	require.NoError(t, s.CollectGarbage())

	got, err := s.Query(ctx, SeriesKey{ServerID: 1, Metric: "cpu"}, 0, 2_000_000_000_000)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestBadgerStoreCanceled(t *testing.T) {
	s := openStore(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Record(ctx, snapshot(1, 1, 1)), context.Canceled)
	assert.ErrorIs(t, s.AppendBacklog(ctx, []byte("x")), context.Canceled)
}

func TestBlockStart(t *testing.T) {
	assert.Equal(t, int64(0), blockStart(hour-1))
	assert.Equal(t, hour, blockStart(hour))
	assert.Equal(t, -hour, blockStart(-1))
}

func values(samples []types.Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = *s.Value
	}
	return out
}

func strs(raw [][]byte) []string {
	out := make([]string, len(raw))
	for i, r := range raw {
		out[i] = string(r)
	}
	return out
}
