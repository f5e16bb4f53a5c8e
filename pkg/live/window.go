package live

import (
	"errors"

	"github.com/vjranagit/serverwatch/pkg/types"
)

// DefaultCapacity is the number of samples a live chart keeps.
const DefaultCapacity = 30

// ErrNotSeeded is returned by Append before the window was seeded.
var ErrNotSeeded = errors.New("live window not seeded")

// Extractor turns one raw push message into a sample of a single metric. It
// returns false when the message carries no value for that metric.
type Extractor func(raw []byte) (types.Sample, bool)

// Window is a bounded FIFO of live samples for one metric.
//
// A window starts empty and unseeded. Seed fills it once from the backlog of
// push messages received before the chart was shown; afterwards every new push
// message is appended and the oldest sample is evicted at capacity. Reset returns
// the window to its initial state.
//
// A Window is not safe for concurrent use; its owner serialises all calls.
type Window struct {
	metricKey string
	capacity  int
	samples   []types.Sample
	seeded    bool
}

// NewWindow creates a window for metricKey. A non-positive capacity selects
// DefaultCapacity.
func NewWindow(metricKey string, capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		metricKey: metricKey,
		capacity:  capacity,
		samples:   make([]types.Sample, 0, capacity+1),
	}
}

// MetricKey returns the metric the window holds.
func (w *Window) MetricKey() string { return w.metricKey }

// Capacity returns the maximum number of retained samples.
func (w *Window) Capacity() int { return w.capacity }

// Seeded reports whether Seed has run since creation or the last Reset.
func (w *Window) Seeded() bool { return w.seeded }

// Len returns the number of retained samples.
func (w *Window) Len() int { return len(w.samples) }

// Seed loads the backlog of push messages, newest first, into the window. It
// runs once: later calls return 0 without touching the window until Reset. An
// empty backlog leaves the window unseeded. Messages the extractor rejects are
// dropped, and only the newest Capacity samples are kept.
//
// Seed returns the number of samples loaded.
func (w *Window) Seed(history [][]byte, extract Extractor) int {
	if w.seeded || len(history) == 0 {
		return 0
	}

	loaded := make([]types.Sample, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		if sample, ok := extract(history[i]); ok {
			loaded = append(loaded, sample)
		}
	}

	if extra := len(loaded) - w.capacity; extra > 0 {
		loaded = loaded[extra:]
	}

	w.samples = append(w.samples[:0], loaded...)
	w.seeded = true

	return len(w.samples)
}

// Append adds a live sample. The first sample of an empty window is inserted
// twice so a chart has a segment to draw; the copy is not a second observation.
func (w *Window) Append(sample types.Sample) error {
	if !w.seeded {
		return ErrNotSeeded
	}

	if len(w.samples) == 0 {
		w.samples = append(w.samples, sample, sample)
		return nil
	}

	w.samples = append(w.samples, sample)
	if len(w.samples) > w.capacity {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.capacity]
	}

	return nil
}

// Reset clears the window and marks it unseeded.
func (w *Window) Reset() {
	w.samples = w.samples[:0]
	w.seeded = false
}

// Samples returns a copy of the retained samples, oldest first.
func (w *Window) Samples() []types.Sample {
	out := make([]types.Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

// Series returns the window content as a named series.
func (w *Window) Series() types.NamedSeries {
	return types.NamedSeries{Name: w.metricKey, Samples: w.Samples()}
}

// Frame renders the window as a single column frame, one row per sample. Unlike
// the aligner it keeps duplicate timestamps, so the doubled first sample still
// yields two rows.
func (w *Window) Frame() types.WideFrame {
	rows := make([]types.Row, len(w.samples))
	for i, s := range w.samples {
		var v *float64
		if s.Value != nil {
			c := *s.Value
			v = &c
		}
		rows[i] = types.Row{
			Timestamp: s.Timestamp,
			Values:    map[string]*float64{w.metricKey: v},
		}
	}
	return types.WideFrame{Series: []string{w.metricKey}, Rows: rows}
}
