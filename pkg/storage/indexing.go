package storage

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// SeriesKey identifies one recorded series: a metric of a server, named by its
// upstream query name.
type SeriesKey struct {
	ServerID uint64 `json:"server_id"`
	Metric   string `json:"metric"`
}

func (k SeriesKey) String() string {
	return fmt.Sprintf("%d/%s", k.ServerID, k.Metric)
}

// seriesMeta holds what the index knows about one series.
type seriesMeta struct {
	Key     SeriesKey
	MinTime int64
	MaxTime int64
}

// Index maps series keys to series ids and tracks the time range covered by
// each series. It is safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	series   map[uint64]*seriesMeta
	byServer map[uint64][]uint64
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		series:   make(map[uint64]*seriesMeta),
		byServer: make(map[uint64][]uint64),
	}
}

// Add registers key and returns its id. The second result reports whether the
// key was new.
func (idx *Index) Add(key SeriesKey) (uint64, bool) {
	id := fingerprint(key)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.series[id]; ok {
		return id, false
	}

	idx.series[id] = &seriesMeta{Key: key}
	idx.byServer[key.ServerID] = append(idx.byServer[key.ServerID], id)

	return id, true
}

// Lookup returns the id of a registered key.
func (idx *Index) Lookup(key SeriesKey) (uint64, bool) {
	id := fingerprint(key)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	_, ok := idx.series[id]
	return id, ok
}

// Get returns the key and time range of a series id.
func (idx *Index) Get(id uint64) (SeriesKey, int64, int64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	meta, ok := idx.series[id]
	if !ok {
		return SeriesKey{}, 0, 0, false
	}
	return meta.Key, meta.MinTime, meta.MaxTime, true
}

// Metrics returns the metric names recorded for a server, sorted.
func (idx *Index) Metrics(serverID uint64) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ids := idx.byServer[serverID]
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, idx.series[id].Key.Metric)
	}
	sort.Strings(out)
	return out
}

// Servers returns the ids of every server with recorded series, sorted.
func (idx *Index) Servers() []uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]uint64, 0, len(idx.byServer))
	for id := range idx.byServer {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UpdateTimeRange widens the time range of a series to include [minTime, maxTime].
func (idx *Index) UpdateTimeRange(id uint64, minTime, maxTime int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	meta, ok := idx.series[id]
	if !ok {
		return fmt.Errorf("%w: series %d", ErrNotFound, id)
	}

	if meta.MinTime == 0 || minTime < meta.MinTime {
		meta.MinTime = minTime
	}
	if maxTime > meta.MaxTime {
		meta.MaxTime = maxTime
	}

	return nil
}

// SeriesCount returns the number of indexed series.
func (idx *Index) SeriesCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.series)
}

// fingerprint hashes a series key into its id.
func fingerprint(key SeriesKey) uint64 {
	buf := make([]byte, 8, 8+len(key.Metric))
	binary.BigEndian.PutUint64(buf, key.ServerID)
	buf = append(buf, key.Metric...)
	return xxhash.Sum64(buf)
}
