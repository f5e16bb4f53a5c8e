package storage

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vjranagit/serverwatch/pkg/pipeline"
	"github.com/vjranagit/serverwatch/pkg/types"
)

// QueryCache is an LRU cache of history query results with a TTL.
type QueryCache struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]*cacheEntry
	lru   *list.List
}

type cacheEntry struct {
	key      string
	result   []types.NamedSeries
	storedAt time.Time
	element  *list.Element
}

// NewQueryCache creates a new query cache
func NewQueryCache(capacity int, ttl time.Duration) *QueryCache {
	return &QueryCache{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[string]*cacheEntry),
		lru:      list.New(),
	}
}

// Get returns a copy of the cached result for key.
func (qc *QueryCache) Get(key string) ([]types.NamedSeries, bool) {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	entry, ok := qc.cache[key]
	if !ok {
		return nil, false
	}

	if qc.now().Sub(entry.storedAt) > qc.ttl {
		qc.removeLocked(key)
		return nil, false
	}

	qc.lru.MoveToFront(entry.element)

	return cloneSeries(entry.result), true
}

// Put stores a copy of result under key, evicting the least recently used
// entry when the cache is full.
func (qc *QueryCache) Put(key string, result []types.NamedSeries) {
	if qc.capacity <= 0 {
		return
	}

	qc.mu.Lock()
	defer qc.mu.Unlock()

	if entry, ok := qc.cache[key]; ok {
		entry.result = cloneSeries(result)
		entry.storedAt = qc.now()
		qc.lru.MoveToFront(entry.element)
		return
	}

	entry := &cacheEntry{
		key:      key,
		result:   cloneSeries(result),
		storedAt: qc.now(),
	}
	entry.element = qc.lru.PushFront(entry)
	qc.cache[key] = entry

	if qc.lru.Len() > qc.capacity {
		if oldest := qc.lru.Back(); oldest != nil {
			qc.removeLocked(oldest.Value.(*cacheEntry).key)
		}
	}
}

func (qc *QueryCache) removeLocked(key string) {
	if entry, ok := qc.cache[key]; ok {
		qc.lru.Remove(entry.element)
		delete(qc.cache, key)
	}
}

// Clear clears all cache entries
func (qc *QueryCache) Clear() {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	qc.cache = make(map[string]*cacheEntry)
	qc.lru = list.New()
}

// Size returns the current cache size
func (qc *QueryCache) Size() int {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return len(qc.cache)
}

// CacheStats contains cache statistics
type CacheStats struct {
	Size     int
	Capacity int
	Expired  int
	Hits     uint64
	Misses   uint64
}

// HitRate returns the hit rate as a percentage.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Stats returns cache statistics
func (qc *QueryCache) Stats() CacheStats {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	now := qc.now()
	expired := 0
	for _, entry := range qc.cache {
		if now.Sub(entry.storedAt) > qc.ttl {
			expired++
		}
	}

	return CacheStats{
		Size:     len(qc.cache),
		Capacity: qc.capacity,
		Expired:  expired,
	}
}

func cloneSeries(in []types.NamedSeries) []types.NamedSeries {
	out := make([]types.NamedSeries, len(in))
	for i, s := range in {
		s.Samples = append([]types.Sample(nil), s.Samples...)
		if s.Loss != nil {
			s.Loss = append([]float64(nil), s.Loss...)
		}
		out[i] = s
	}
	return out
}

// CachedHistory wraps a history source with a query cache. Errors and empty
// results are never cached, so a failing upstream is retried on the next mode
// switch.
type CachedHistory struct {
	source pipeline.HistorySource
	cache  *QueryCache
	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ pipeline.HistorySource = (*CachedHistory)(nil)

// NewCachedHistory creates a cached history wrapper
func NewCachedHistory(source pipeline.HistorySource, capacity int, ttl time.Duration) *CachedHistory {
	return &CachedHistory{
		source: source,
		cache:  NewQueryCache(capacity, ttl),
	}
}

// ServiceHistory implements pipeline.HistorySource.
func (ch *CachedHistory) ServiceHistory(ctx context.Context, serviceID uint64, period types.Period) ([]types.NamedSeries, error) {
	key := fmt.Sprintf("service/%d/%s", serviceID, period)
	if res, ok := ch.lookup(key); ok {
		return res, nil
	}

	res, err := ch.source.ServiceHistory(ctx, serviceID, period)
	if err != nil {
		return nil, err
	}
	if len(res) > 0 {
		ch.cache.Put(key, res)
	}
	return res, nil
}

// MetricHistory implements pipeline.HistorySource.
func (ch *CachedHistory) MetricHistory(ctx context.Context, serverID uint64, metric string, period types.Period) (types.NamedSeries, error) {
	key := fmt.Sprintf("metric/%d/%s/%s", serverID, metric, period)
	if res, ok := ch.lookup(key); ok && len(res) == 1 {
		return res[0], nil
	}

	res, err := ch.source.MetricHistory(ctx, serverID, metric, period)
	if err != nil {
		return res, err
	}
	if len(res.Samples) > 0 {
		ch.cache.Put(key, []types.NamedSeries{res})
	}
	return res, nil
}

func (ch *CachedHistory) lookup(key string) ([]types.NamedSeries, bool) {
	res, ok := ch.cache.Get(key)
	if ok {
		ch.hits.Add(1)
	} else {
		ch.misses.Add(1)
	}
	return res, ok
}

// Invalidate drops every cached result.
func (ch *CachedHistory) Invalidate() {
	ch.cache.Clear()
}

// CacheStats returns cache statistics including hits and misses.
func (ch *CachedHistory) CacheStats() CacheStats {
	stats := ch.cache.Stats()
	stats.Hits = ch.hits.Load()
	stats.Misses = ch.misses.Load()
	return stats
}
