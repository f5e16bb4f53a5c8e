package series

import (
	"sort"

	"github.com/vjranagit/serverwatch/pkg/types"
)

// LossSuffix names the packet loss companion column of a series.
const LossSuffix = "_packet_loss"

// Flat column names of a frame narrowed to one series.
const (
	AvgDelayKey   = "avg_delay"
	PacketLossKey = "packet_loss"
)

// ColumnName returns the frame column of a series. A series named like the row
// timestamp key is renamed so the flat row form keeps unique keys.
func ColumnName(name string) string {
	if name == types.TimestampKey {
		return name + "_series"
	}
	return name
}

// LossColumn returns the companion loss column name for a series.
func LossColumn(name string) string {
	return name + LossSuffix
}

// Align merges delay series into one WideFrame. Every series contributes its
// delay column and a packet loss column, taken from the explicit loss signal when
// the series carries one and estimated from the delays otherwise.
//
// Rows are the sorted union of all timestamps and cells without an observation
// are nil. When a series reports the same timestamp twice the later sample wins.
// The result does not depend on the order of the input series.
func Align(in []types.NamedSeries) types.WideFrame {
	return align(in, true)
}

// Merge aligns plain metric series the way Align does, without loss columns.
func Merge(in []types.NamedSeries) types.WideFrame {
	return align(in, false)
}

type cell struct {
	value *float64
	loss  *float64
}

func align(in []types.NamedSeries, withLoss bool) types.WideFrame {
	cells := make(map[string]map[int64]cell, len(in))
	times := make(map[int64]struct{})

	for _, s := range in {
		var loss []float64
		if withLoss {
			loss = lossOf(s)
		}

		name := ColumnName(s.Name)
		byTime, ok := cells[name]
		if !ok {
			byTime = make(map[int64]cell, len(s.Samples))
			cells[name] = byTime
		}

		for i, sample := range s.Samples {
			c := cell{value: copyFloat(sample.Value)}
			if withLoss {
				c.loss = types.Float(loss[i])
			}
			byTime[sample.Timestamp] = c
			times[sample.Timestamp] = struct{}{}
		}
	}

	names := make([]string, 0, len(cells))
	for name := range cells {
		names = append(names, name)
	}
	sort.Strings(names)

	allTimes := make([]int64, 0, len(times))
	for ts := range times {
		allTimes = append(allTimes, ts)
	}
	sort.Slice(allTimes, func(i, j int) bool { return allTimes[i] < allTimes[j] })

	width := len(names)
	if withLoss {
		width *= 2
	}

	rows := make([]types.Row, len(allTimes))
	for i, ts := range allTimes {
		values := make(map[string]*float64, width)
		for _, name := range names {
			c := cells[name][ts]
			values[name] = c.value
			if withLoss {
				values[LossColumn(name)] = c.loss
			}
		}
		rows[i] = types.Row{Timestamp: ts, Values: values}
	}

	return types.WideFrame{Series: names, Rows: rows}
}

// Group splits delay series into per-series point lists for per-series charts.
// Series sharing a name are concatenated in input order.
func Group(in []types.NamedSeries) map[string][]types.LossPoint {
	out := make(map[string][]types.LossPoint, len(in))
	for _, s := range in {
		loss := lossOf(s)
		for i, sample := range s.Samples {
			out[s.Name] = append(out[s.Name], types.LossPoint{
				Timestamp:  sample.Timestamp,
				AvgDelay:   copyFloat(sample.Value),
				PacketLoss: loss[i],
			})
		}
	}
	return out
}

// Narrow builds the frame of a single selected series, keyed by the flat
// avg_delay and packet_loss columns.
func Narrow(group map[string][]types.LossPoint, name string) types.WideFrame {
	points := group[name]
	rows := make([]types.Row, len(points))
	for i, p := range points {
		loss := p.PacketLoss
		rows[i] = types.Row{
			Timestamp: p.Timestamp,
			Values: map[string]*float64{
				AvgDelayKey:   copyFloat(p.AvgDelay),
				PacketLossKey: &loss,
			},
		}
	}
	return types.WideFrame{Series: []string{AvgDelayKey}, Rows: rows}
}

func lossOf(s types.NamedSeries) []float64 {
	if s.Loss != nil && len(s.Loss) == len(s.Samples) {
		return s.Loss
	}
	return EstimateSampleLoss(s.Samples)
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
