package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Sample is a single observation of one series. Timestamp is epoch milliseconds,
// a nil Value means nothing was observed at that time.
type Sample struct {
	Timestamp int64    `json:"ts"`
	Value     *float64 `json:"value"`
}

// Float returns a pointer to v, or nil when v is NaN or infinite.
func Float(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// NamedSeries is one ordered series produced by a history query or rebuilt from
// push messages.
type NamedSeries struct {
	ID      uint64   `json:"id"`
	Name    string   `json:"name"`
	Samples []Sample `json:"samples"`
	// Loss is an explicit packet loss signal aligned with Samples. When it is nil
	// or its length differs from Samples, loss is estimated from the delays.
	Loss []float64 `json:"loss,omitempty"`
}

// Values returns the sample values, nil entries included.
func (s NamedSeries) Values() []*float64 {
	out := make([]*float64, len(s.Samples))
	for i, sample := range s.Samples {
		out[i] = sample.Value
	}
	return out
}

// LossPoint is one point of a per-series delay chart.
type LossPoint struct {
	Timestamp  int64    `json:"created_at"`
	AvgDelay   *float64 `json:"avg_delay"`
	PacketLoss float64  `json:"packet_loss"`
}

// TimestampKey is the JSON key of the row timestamp. No column may use it.
const TimestampKey = "created_at"

// Row is one timestamp of a WideFrame.
type Row struct {
	Timestamp int64
	Values    map[string]*float64
}

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	values := make(map[string]*float64, len(r.Values))
	for k, v := range r.Values {
		if v != nil {
			c := *v
			values[k] = &c
		} else {
			values[k] = nil
		}
	}
	return Row{Timestamp: r.Timestamp, Values: values}
}

// MarshalJSON renders the row flat, keyed by column name.
func (r Row) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(r.Values))
	for k := range r.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := new(bytes.Buffer)
	buf.WriteString(`{"` + TimestampKey + `":`)
	buf.WriteString(strconv.FormatInt(r.Timestamp, 10))
	for _, k := range keys {
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		if v := r.Values[k]; v != nil {
			buf.WriteString(strconv.FormatFloat(*v, 'f', -1, 64))
		} else {
			buf.WriteString("null")
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the flat row form written by MarshalJSON.
func (r *Row) UnmarshalJSON(data []byte) error {
	var raw map[string]*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, ok := raw[TimestampKey]
	if !ok || ts == nil {
		return fmt.Errorf("row without %s", TimestampKey)
	}
	delete(raw, TimestampKey)
	r.Timestamp = int64(*ts)
	r.Values = raw
	return nil
}

// WideFrame is a table keyed by timestamp with one column per series.
type WideFrame struct {
	Series []string `json:"series"`
	Rows   []Row    `json:"rows"`
}

// Empty reports whether the frame has no rows.
func (f WideFrame) Empty() bool {
	return len(f.Rows) == 0
}

// Column returns the values of one column in row order.
func (f WideFrame) Column(name string) []*float64 {
	out := make([]*float64, len(f.Rows))
	for i, row := range f.Rows {
		out[i] = row.Values[name]
	}
	return out
}

// Snapshot is one push message: the state of every server at server time Now.
type Snapshot struct {
	Now     int64    `json:"now"`
	Servers []Server `json:"servers"`
}

// Find returns the server with the given id.
func (s *Snapshot) Find(id uint64) (*Server, bool) {
	for i := range s.Servers {
		if s.Servers[i].ID == id {
			return &s.Servers[i], true
		}
	}
	return nil, false
}

// Server is one host entry of a push snapshot.
type Server struct {
	ID         uint64    `json:"id"`
	Name       string    `json:"name"`
	Host       Host      `json:"host"`
	State      HostState `json:"state"`
	LastActive time.Time `json:"last_active"`
}

// Host holds static host facts.
type Host struct {
	MemTotal  uint64   `json:"mem_total"`
	SwapTotal uint64   `json:"swap_total"`
	DiskTotal uint64   `json:"disk_total"`
	GPU       []string `json:"gpu"`
}

// HostState holds the live counters of a host.
type HostState struct {
	CPU            float64   `json:"cpu"`
	MemUsed        uint64    `json:"mem_used"`
	SwapUsed       uint64    `json:"swap_used"`
	DiskUsed       uint64    `json:"disk_used"`
	NetInSpeed     uint64    `json:"net_in_speed"`
	NetOutSpeed    uint64    `json:"net_out_speed"`
	NetInTransfer  uint64    `json:"net_in_transfer"`
	NetOutTransfer uint64    `json:"net_out_transfer"`
	ProcessCount   uint64    `json:"process_count"`
	TCPConnCount   uint64    `json:"tcp_conn_count"`
	UDPConnCount   uint64    `json:"udp_conn_count"`
	Load1          float64   `json:"load_1"`
	GPU            []float64 `json:"gpu"`
}

// ServiceHistoryResponse is the upstream service delay history payload.
type ServiceHistoryResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    *ServiceHistory `json:"data"`
}

// ServiceHistory holds periodic aggregates of one monitored service.
type ServiceHistory struct {
	ServiceID   uint64    `json:"service_id"`
	ServiceName string    `json:"service_name"`
	Timestamps  []int64   `json:"timestamps"`
	Up          []float64 `json:"up"`
	Down        []float64 `json:"down"`
	AvgDelay    []float64 `json:"avg_delay"`
}

// MetricPeriodResponse is the upstream single metric history payload.
type MetricPeriodResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
	Data    *MetricPeriodData `json:"data"`
}

// MetricPeriodData wraps the data points of a metric period query.
type MetricPeriodData struct {
	DataPoints []DataPoint `json:"data_points"`
}

// DataPoint is one aggregate of a metric period query.
type DataPoint struct {
	TS    int64   `json:"ts"`
	Value float64 `json:"value"`
}
