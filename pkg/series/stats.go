package series

import (
	"sort"

	"github.com/vjranagit/serverwatch/pkg/types"
)

// Summary describes one delay series for its legend entry.
type Summary struct {
	Name      string  `json:"name"`
	MinDelay  float64 `json:"min_delay"`
	MaxDelay  float64 `json:"max_delay"`
	LastDelay float64 `json:"last_delay"`
	// AvgLoss is nil when the series has no points.
	AvgLoss *float64 `json:"avg_loss"`
}

// Summarize computes the legend summary of every grouped series. Missing delays
// are skipped; a series without observed delays reports zeros.
func Summarize(group map[string][]types.LossPoint) map[string]Summary {
	out := make(map[string]Summary, len(group))
	for name, points := range group {
		sum := Summary{Name: name}

		first := true
		for _, p := range points {
			if p.AvgDelay == nil {
				continue
			}
			d := *p.AvgDelay
			if first {
				sum.MinDelay, sum.MaxDelay = d, d
				first = false
			}
			sum.MinDelay = min(sum.MinDelay, d)
			sum.MaxDelay = max(sum.MaxDelay, d)
			sum.LastDelay = d
		}

		if len(points) > 0 {
			var total float64
			for _, p := range points {
				total += p.PacketLoss
			}
			avg := total / float64(len(points))
			sum.AvgLoss = &avg
		}

		out[name] = sum
	}
	return out
}

// OrderNames returns the distinct series names ordered by series id, then name.
// Series without an id (zero) sort after those with one.
func OrderNames(in []types.NamedSeries) []string {
	ids := make(map[string]uint64, len(in))
	for _, s := range in {
		if _, ok := ids[s.Name]; !ok || ids[s.Name] == 0 {
			ids[s.Name] = s.ID
		}
	}

	names := make([]string, 0, len(ids))
	for name := range ids {
		names = append(names, name)
	}

	sort.Slice(names, func(i, j int) bool {
		a, b := ids[names[i]], ids[names[j]]
		switch {
		case a == 0 && b == 0:
			return names[i] < names[j]
		case a == 0:
			return false
		case b == 0:
			return true
		case a != b:
			return a < b
		default:
			return names[i] < names[j]
		}
	})

	return names
}
