package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vjranagit/serverwatch/pkg/series"
	"github.com/vjranagit/serverwatch/pkg/types"
)

// ErrUnknownMetric is returned for a metric name without an extractor.
var ErrUnknownMetric = errors.New("unknown metric")

// Metric describes how one chart metric is read from a push snapshot and how
// its historical values are queried.
type Metric struct {
	// Name is the metric key, also used as the chart column.
	Name string
	// Query is the upstream metric name of the period query.
	Query string
	// Value reads the live value from a server entry.
	Value func(s *types.Server) (float64, bool)
	// Raw reads the value in the unit of the historical query. Nil when it
	// equals Value.
	Raw func(s *types.Server) (float64, bool)
	// Total returns the host total that historical byte values are divided by
	// to get a percentage. Nil for metrics queried in their display unit.
	Total func(h *types.Host) uint64
}

// Percent converts a historical byte value to a percentage of the host total.
// Metrics without a total are returned unchanged. It reports false while the
// host total is unknown or zero.
func (m Metric) Percent(v float64, host *types.Host) (float64, bool) {
	if m.Total == nil {
		return v, true
	}
	if host == nil {
		return 0, false
	}
	total := m.Total(host)
	if total == 0 {
		return 0, false
	}
	return v / float64(total) * 100, true
}

func percent(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}

var metrics = map[string]Metric{
	"cpu": {
		Name:  "cpu",
		Query: "cpu",
		Value: func(s *types.Server) (float64, bool) { return s.State.CPU, true },
	},
	"memory": {
		Name:  "memory",
		Query: "memory",
		Value: func(s *types.Server) (float64, bool) {
			return percent(s.State.MemUsed, s.Host.MemTotal), true
		},
		Raw:   func(s *types.Server) (float64, bool) { return float64(s.State.MemUsed), true },
		Total: func(h *types.Host) uint64 { return h.MemTotal },
	},
	"swap": {
		Name:  "swap",
		Query: "swap",
		Value: func(s *types.Server) (float64, bool) {
			return percent(s.State.SwapUsed, s.Host.SwapTotal), true
		},
		Raw:   func(s *types.Server) (float64, bool) { return float64(s.State.SwapUsed), true },
		Total: func(h *types.Host) uint64 { return h.SwapTotal },
	},
	"disk": {
		Name:  "disk",
		Query: "disk",
		Value: func(s *types.Server) (float64, bool) {
			return percent(s.State.DiskUsed, s.Host.DiskTotal), true
		},
		Raw:   func(s *types.Server) (float64, bool) { return float64(s.State.DiskUsed), true },
		Total: func(h *types.Host) uint64 { return h.DiskTotal },
	},
	"process": {
		Name:  "process",
		Query: "process_count",
		Value: func(s *types.Server) (float64, bool) { return float64(s.State.ProcessCount), true },
	},
	"net_in": {
		Name:  "net_in",
		Query: "net_in_speed",
		Value: func(s *types.Server) (float64, bool) { return float64(s.State.NetInSpeed), true },
	},
	"net_out": {
		Name:  "net_out",
		Query: "net_out_speed",
		Value: func(s *types.Server) (float64, bool) { return float64(s.State.NetOutSpeed), true },
	},
	"tcp": {
		Name:  "tcp",
		Query: "tcp_conn",
		Value: func(s *types.Server) (float64, bool) { return float64(s.State.TCPConnCount), true },
	},
	"udp": {
		Name:  "udp",
		Query: "udp_conn",
		Value: func(s *types.Server) (float64, bool) { return float64(s.State.UDPConnCount), true },
	},
	"load": {
		Name:  "load",
		Query: "load",
		Value: func(s *types.Server) (float64, bool) { return s.State.Load1, true },
	},
}

// Lookup returns the metric registered under name. GPU metrics are addressed as
// "gpu" for the first device or "gpu:<n>" for device n.
func Lookup(name string) (Metric, error) {
	if m, ok := metrics[name]; ok {
		return m, nil
	}

	if name == "gpu" {
		return gpuMetric(0), nil
	}
	if rest, ok := strings.CutPrefix(name, "gpu:"); ok {
		if index, err := strconv.Atoi(rest); err == nil && index >= 0 {
			return gpuMetric(index), nil
		}
	}

	return Metric{}, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
}

// Names returns the registered metric names, sorted.
func Names() []string {
	out := make([]string, 0, len(metrics)+1)
	for name := range metrics {
		out = append(out, name)
	}
	out = append(out, "gpu")
	sort.Strings(out)
	return out
}

// ForServer returns every metric readable from s: the registered ones plus one
// GPU metric per reported device.
func ForServer(s *types.Server) []Metric {
	out := make([]Metric, 0, len(metrics)+len(s.State.GPU))
	for _, name := range Names() {
		if name == "gpu" {
			continue
		}
		out = append(out, metrics[name])
	}
	for i := range s.State.GPU {
		out = append(out, gpuMetric(i))
	}
	return out
}

// gpuMetric reads device index. Device 0 keeps the plain "gpu" name, others are
// named and queried as "gpu:<n>" so devices never share a series.
func gpuMetric(index int) Metric {
	name := "gpu"
	if index > 0 {
		name = "gpu:" + strconv.Itoa(index)
	}
	return Metric{
		Name:  name,
		Query: name,
		Value: func(s *types.Server) (float64, bool) {
			if index >= len(s.State.GPU) {
				return 0, false
			}
			return s.State.GPU[index], true
		},
	}
}

// RawValue reads the value of s in the unit of the historical query.
func (m Metric) RawValue(s *types.Server) (float64, bool) {
	if m.Raw != nil {
		return m.Raw(s)
	}
	return m.Value(s)
}

// Decode parses a raw push message.
func Decode(raw []byte) (*types.Snapshot, error) {
	var snap types.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode push message: %w", err)
	}
	return &snap, nil
}

// SampleOf reads metric m of server serverID from a decoded snapshot. The
// sample is stamped with the snapshot's server time in milliseconds.
func SampleOf(snap *types.Snapshot, serverID uint64, m Metric) (types.Sample, bool) {
	server, ok := snap.Find(serverID)
	if !ok {
		return types.Sample{}, false
	}
	v, ok := m.Value(server)
	if !ok {
		return types.Sample{}, false
	}
	value := types.Float(v)
	if value == nil {
		return types.Sample{}, false
	}
	return types.Sample{Timestamp: series.NormalizeMillis(snap.Now), Value: value}, true
}

// Extract returns an extractor of metric m for server serverID. Messages that do
// not decode, or that do not mention the server, yield no sample.
func Extract(m Metric, serverID uint64) Extractor {
	return func(raw []byte) (types.Sample, bool) {
		snap, err := Decode(raw)
		if err != nil {
			return types.Sample{}, false
		}
		return SampleOf(snap, serverID, m)
	}
}
