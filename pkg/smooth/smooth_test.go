package smooth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/serverwatch/pkg/series"
	"github.com/vjranagit/serverwatch/pkg/types"
)

func frameOf(columns map[string][]float64, n int) types.WideFrame {
	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}

	rows := make([]types.Row, n)
	for i := range rows {
		values := make(map[string]*float64, len(columns))
		for name, col := range columns {
			values[name] = types.Float(col[i])
		}
		rows[i] = types.Row{Timestamp: int64(i) * 1000, Values: values}
	}

	return types.WideFrame{Series: names, Rows: rows}
}

func constantWithSpike(n, spikeAt int, base, spike float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = base
	}
	out[spikeAt] = spike
	return out
}

func TestSmoothWarmupRowsUnchanged(t *testing.T) {
	frame := frameOf(map[string][]float64{
		"a": constantWithSpike(20, 15, 10, 1000),
		"b": constantWithSpike(20, 3, 50, 60),
	}, 20)
	frame.Series = []string{"a", "b"}

	out := New().Smooth(frame, []string{"a", "other"})

	require.Len(t, out.Rows, 20)
	for i := 0; i < DefaultWindowSize-1; i++ {
		assert.Equal(t, frame.Rows[i], out.Rows[i], "row %d", i)
	}
	for i := DefaultWindowSize - 1; i < 20; i++ {
		assert.Equal(t, frame.Rows[i].Timestamp, out.Rows[i].Timestamp)
		assert.Equal(t, frame.Rows[i].Values["b"], out.Rows[i].Values["b"], "unselected column at row %d", i)
	}

	require.NotNil(t, out.Rows[15].Values["a"])
	assert.InDelta(t, 10, *out.Rows[15].Values["a"], 1e-9, "spike is cut")
}

func TestSmoothAllSeriesWhenNoneSelected(t *testing.T) {
	frame := frameOf(map[string][]float64{
		"a": constantWithSpike(12, 11, 10, 1000),
		"b": constantWithSpike(12, 11, 20, 2000),
	}, 12)

	out := New().Smooth(frame, nil)

	assert.InDelta(t, 10, *out.Rows[11].Values["a"], 1e-9)
	assert.InDelta(t, 20, *out.Rows[11].Values["b"], 1e-9)
}

func TestSmoothSingleSeriesUsesFlatKey(t *testing.T) {
	frame := frameOf(map[string][]float64{
		series.AvgDelayKey:   constantWithSpike(12, 11, 30, 900),
		series.PacketLossKey: constantWithSpike(12, 11, 0, 80),
	}, 12)
	frame.Series = []string{series.AvgDelayKey}

	out := New().Smooth(frame, []string{"tokyo"})

	assert.InDelta(t, 30, *out.Rows[11].Values[series.AvgDelayKey], 1e-9)
	assert.Equal(t, 80.0, *out.Rows[11].Values[series.PacketLossKey])
}

func TestSmoothDisabledIsIdentity(t *testing.T) {
	frame := frameOf(map[string][]float64{"a": constantWithSpike(15, 12, 1, 100)}, 15)

	smoothed := New().Smooth(frame, nil)

	disabled := &Smoother{Enabled: false}
	assert.Equal(t, smoothed, disabled.Smooth(smoothed, nil))
	assert.Equal(t, frame, disabled.Smooth(frame, nil))
}

func TestSmoothSkipsMissingValues(t *testing.T) {
	frame := frameOf(map[string][]float64{"a": constantWithSpike(12, 0, 5, 5)}, 12)
	for i := range frame.Rows {
		frame.Rows[i].Values["a"] = nil
	}

	out := New().Smooth(frame, nil)

	for i := range out.Rows {
		assert.Nil(t, out.Rows[i].Values["a"])
	}
}

func TestApplyCarriesState(t *testing.T) {
	frame := frameOf(map[string][]float64{"a": constantWithSpike(11, 0, 10, 10)}, 11)
	s := New()

	state := NewState()
	state.EWMA["a"] = 100

	carried := s.Apply(state, frame, nil)
	fresh := s.Smooth(frame, nil)

	assert.InDelta(t, 10, *fresh.Rows[10].Values["a"], 1e-9)
	assert.InDelta(t, 0.3*10+0.7*100, *carried.Rows[10].Values["a"], 1e-9)
	assert.InDelta(t, 0.3*10+0.7*100, state.EWMA["a"], 1e-9)
}

func TestSmootherInvalidParamsFallBack(t *testing.T) {
	s := &Smoother{Enabled: true, WindowSize: 0, Alpha: 7}

	window, alpha := s.Params()
	assert.Equal(t, DefaultWindowSize, window)
	assert.Equal(t, DefaultAlpha, alpha)
}

func TestSmootherWindowOfOne(t *testing.T) {
	s := &Smoother{Enabled: true, WindowSize: 1, Alpha: DefaultAlpha}

	window, _ := s.Params()
	assert.Equal(t, 1, window)

	frame := frameOf(map[string][]float64{"a": {10, 10, 1000, 10}}, 4)
	out := s.Smooth(frame, nil)

	require.Len(t, out.Rows, 4)
	assert.InDelta(t, 10, *out.Rows[0].Values["a"], 1e-9, "first row starts the trend")
	assert.InDelta(t, 0.3*1000+0.7*10, *out.Rows[2].Values["a"], 1e-9, "spike is blended into the trend")
}

func TestRepresentative(t *testing.T) {
	for _, test := range []struct {
		name     string
		values   []float64
		expected float64
	}{
		{
			name:     "single value",
			values:   []float64{42},
			expected: 42,
		},
		{
			name:     "spike rejected",
			values:   []float64{10, 10, 10, 500, 10},
			expected: 10,
		},
		{
			name:     "ewma over survivors",
			values:   []float64{10, 12, 11},
			expected: 0.3*11 + 0.7*(0.3*12+0.7*10),
		},
		{
			name:     "nothing survives the median ceiling",
			values:   []float64{-1, -2, -3},
			expected: -2,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			assert.InDelta(t, test.expected, Representative(test.values, DefaultAlpha), 1e-9)
		})
	}
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 2.0, Median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))

	in := []float64{3, 1, 2}
	Median(in)
	assert.Equal(t, []float64{3, 1, 2}, in)
}
