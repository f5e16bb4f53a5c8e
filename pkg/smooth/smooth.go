// Package smooth implements the peak cut filter: a rolling median absolute
// deviation test rejects spikes and a two stage EWMA turns what is left into a
// trend line.
package smooth

import (
	"math"
	"sort"

	"github.com/vjranagit/serverwatch/pkg/series"
	"github.com/vjranagit/serverwatch/pkg/types"
)

const (
	DefaultWindowSize = 11
	DefaultAlpha      = 0.3

	// madScale makes the MAD consistent with the standard deviation of a
	// normal distribution.
	madScale = 1.4826
	// rejectK is the MAD multiple beyond which a value is an outlier.
	rejectK = 3
	// ceilingK caps accepted values at this multiple of the window median.
	ceilingK = 3
)

// State carries the cross-row EWMA of every smoothed column. It must be
// recreated whenever the input frame or the series selection changes.
type State struct {
	EWMA map[string]float64
}

// NewState returns an empty smoothing state.
func NewState() *State {
	return &State{EWMA: make(map[string]float64)}
}

func (s *State) blend(key string, v, alpha float64) float64 {
	prev, ok := s.EWMA[key]
	if !ok {
		s.EWMA[key] = v
		return v
	}
	next := alpha*v + (1-alpha)*prev
	s.EWMA[key] = next
	return next
}

// Smoother is the peak cut configuration.
type Smoother struct {
	Enabled    bool
	WindowSize int
	Alpha      float64
}

// New returns an enabled smoother with the default window and alpha.
func New() *Smoother {
	return &Smoother{Enabled: true, WindowSize: DefaultWindowSize, Alpha: DefaultAlpha}
}

// Params returns the window and alpha Apply uses. Only unset values, a window
// below 1 or an alpha outside (0, 1], are replaced by the defaults; a window of
// 1 smooths every row on its own.
func (s *Smoother) Params() (int, float64) {
	window, alpha := s.WindowSize, s.Alpha
	if window < 1 {
		window = DefaultWindowSize
	}
	if alpha <= 0 || alpha > 1 || math.IsNaN(alpha) {
		alpha = DefaultAlpha
	}
	return window, alpha
}

// Keys returns the columns smoothed for the given selection: the flat avg_delay
// column when exactly one series is selected, the selection otherwise, or every
// series of the frame when nothing is selected.
func Keys(frame types.WideFrame, active []string) []string {
	switch len(active) {
	case 0:
		return frame.Series
	case 1:
		return []string{series.AvgDelayKey}
	default:
		keys := make([]string, len(active))
		for i, name := range active {
			keys[i] = series.ColumnName(name)
		}
		return keys
	}
}

// Smooth filters frame with a fresh state.
func (s *Smoother) Smooth(frame types.WideFrame, active []string) types.WideFrame {
	return s.Apply(NewState(), frame, active)
}

// Apply filters frame, carrying the cross-row EWMA in state.
//
// A disabled smoother returns frame unchanged. Otherwise the first WindowSize-1
// rows are copied as they are, and every later row is copied with its smoothed
// columns replaced by the trend of the trailing window. Columns outside the
// selection are never modified.
func (s *Smoother) Apply(state *State, frame types.WideFrame, active []string) types.WideFrame {
	if !s.Enabled {
		return frame
	}
	if state == nil {
		state = NewState()
	}

	window, alpha := s.Params()
	keys := Keys(frame, active)

	rows := make([]types.Row, len(frame.Rows))
	values := make([]float64, 0, window)

	for i, row := range frame.Rows {
		out := row.Clone()
		rows[i] = out

		if i < window-1 {
			continue
		}

		trailing := frame.Rows[i-window+1 : i+1]
		for _, key := range keys {
			values = values[:0]
			for _, r := range trailing {
				if v := r.Values[key]; v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0) {
					values = append(values, *v)
				}
			}
			if len(values) == 0 {
				continue
			}

			v := state.blend(key, Representative(values, alpha), alpha)
			out.Values[key] = &v
		}
	}

	return types.WideFrame{Series: append([]string(nil), frame.Series...), Rows: rows}
}

// Representative reduces one window to a single value: values further than
// three scaled MADs from the median, or above three times the median, are
// dropped and the rest are folded with an EWMA in window order. When nothing
// survives the median is returned. The median ceiling only rejects high
// values, favouring latency dips over spikes.
func Representative(values []float64, alpha float64) float64 {
	m := Median(values)

	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - m)
	}
	mad := Median(deviations) * madScale

	var (
		ewma float64
		seen bool
	)
	for _, v := range values {
		if math.Abs(v-m) > rejectK*mad || v > ceilingK*m {
			continue
		}
		if !seen {
			ewma, seen = v, true
			continue
		}
		ewma = alpha*v + (1-alpha)*ewma
	}

	if !seen {
		return m
	}
	return ewma
}

// Median returns the median of values, averaging the middle pair for even
// lengths. It returns 0 for an empty slice and does not modify values.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
