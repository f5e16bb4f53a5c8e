package storage

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/serverwatch/pkg/types"
)

func ptr(v float64) *float64 { return &v }

func newCompressor(t testing.TB, level int) *Compressor {
	t.Helper()
	c, err := NewCompressor(level)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestEncodeSamples(t *testing.T) {
	tests := []struct {
		name    string
		samples []types.Sample
	}{
		{
			name: "regular interval",
			samples: []types.Sample{
				{Timestamp: 1_700_000_000_000, Value: ptr(12.5)},
				{Timestamp: 1_700_000_002_000, Value: ptr(13)},
				{Timestamp: 1_700_000_004_000, Value: ptr(13)},
				{Timestamp: 1_700_000_006_000, Value: ptr(-4.25)},
			},
		},
		{
			name: "irregular with gaps",
			samples: []types.Sample{
				{Timestamp: 1_700_000_000_000, Value: ptr(1)},
				{Timestamp: 1_700_000_000_500, Value: nil},
				{Timestamp: 1_700_000_090_000, Value: ptr(math.MaxFloat64)},
			},
		},
		{
			name:    "single",
			samples: []types.Sample{{Timestamp: 5, Value: ptr(0)}},
		},
	}

	c := newCompressor(t, 3)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.DecodeSamples(c.EncodeSamples(tt.samples))
			require.NoError(t, err)
			assert.Equal(t, tt.samples, got)
		})
	}
}

func TestEncodeSamplesEmpty(t *testing.T) {
	c := newCompressor(t, 2)

	got, err := c.DecodeSamples(c.EncodeSamples(nil))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = c.DecodeSamples(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecodeSamplesCorrupt(t *testing.T) {
	c := newCompressor(t, 2)

	_, err := c.DecodeSamples([]byte("not zstd"))
	assert.Error(t, err)

	// a count without the samples it announces
	_, err = c.DecodeSamples(c.CompressBytes([]byte{3, 1}))
	assert.ErrorIs(t, err, errCorruptBlock)
}

func TestCompressBytes(t *testing.T) {
	for level := 1; level <= 4; level++ {
		c := newCompressor(t, level)

		raw := []byte(`{"now":1700000000000,"servers":[{"id":1,"state":{"cpu":12.5}}]}`)
		got, err := c.DecompressBytes(c.CompressBytes(raw))
		require.NoError(t, err, "level %d", level)
		assert.Equal(t, raw, got)
	}
}

func BenchmarkEncodeSamples(b *testing.B) {
	c := newCompressor(b, 3)

	samples := make([]types.Sample, 1800)
	for i := range samples {
		samples[i] = types.Sample{Timestamp: 1_700_000_000_000 + int64(i)*2000, Value: ptr(float64(i % 100))}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.EncodeSamples(samples)
	}
}
