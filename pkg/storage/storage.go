package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/vjranagit/serverwatch/pkg/live"
	"github.com/vjranagit/serverwatch/pkg/series"
	"github.com/vjranagit/serverwatch/pkg/types"
)

// ErrNotFound is returned when a series has never been recorded.
var ErrNotFound = errors.New("not found")

// Store persists push snapshots as per-series samples and keeps the most recent
// raw push messages so live charts can be seeded after a restart.
type Store interface {
	// Record stores every known metric of every server in snap.
	Record(ctx context.Context, snap *types.Snapshot) error

	// Query returns the samples of key with start <= ts <= end, oldest first.
	Query(ctx context.Context, key SeriesKey, start, end int64) ([]types.Sample, error)

	// AppendBacklog stores one raw push message.
	AppendBacklog(ctx context.Context, raw []byte) error

	// Backlog returns up to limit stored push messages, newest first.
	Backlog(ctx context.Context, limit int) ([][]byte, error)

	Close() error
}

// Config holds storage configuration
type Config struct {
	Path             string
	InMemory         bool
	RetentionDays    int
	CompressionLevel int
	BacklogSize      int
}

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Path:             "./data",
		RetentionDays:    30,
		CompressionLevel: 3,
		BacklogSize:      pipelineBacklogSize,
	}
}

// pipelineBacklogSize matches the capacity of a live window, which is all a
// seed ever consumes.
const pipelineBacklogSize = live.DefaultCapacity

const blockMillis = int64(time.Hour / time.Millisecond)

// Key prefixes.
const (
	prefixMeta    byte = 'm'
	prefixBlock   byte = 'b'
	prefixBacklog byte = 'q'
)

// Stats describes the contents of a store.
type Stats struct {
	Series   int
	Backlog  int
	LSMBytes int64
	LogBytes int64
}

// BadgerStore implements Store using BadgerDB. Samples are grouped into one
// hour blocks per series.
type BadgerStore struct {
	cfg        *Config
	db         *badger.DB
	index      *Index
	compressor *Compressor
	logger     *zap.Logger

	// mu serialises block rewrites and the backlog sequence.
	mu  sync.Mutex
	seq uint64
}

var _ Store = (*BadgerStore)(nil)

// NewStore opens the store described by cfg and rebuilds its index.
func NewStore(cfg *Config, logger *zap.Logger) (*BadgerStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	compressor, err := NewCompressor(cfg.CompressionLevel)
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	s := &BadgerStore{
		cfg:        cfg,
		db:         db,
		index:      NewIndex(),
		compressor: compressor,
		logger:     logger,
	}

	if err := s.load(); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}

	logger.Info("storage opened",
		zap.String("path", cfg.Path),
		zap.Bool("in_memory", cfg.InMemory),
		zap.Int("series", s.index.SeriesCount()),
		zap.Uint64("backlog_seq", s.seq),
	)

	return s, nil
}

// load rebuilds the index, the coarse time range of every series and the
// backlog sequence.
func (s *BadgerStore) load() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixMeta}

		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			var key SeriesKey
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &key)
			}); err != nil {
				it.Close()
				return fmt.Errorf("failed to load series metadata: %w", err)
			}
			s.index.Add(key)
		}
		it.Close()

		opts = badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixBlock}
		opts.PrefetchValues = false

		it = txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			id, start := parseBlockKey(it.Item().Key())
			s.index.UpdateTimeRange(id, start, start+blockMillis-1) //nolint:errcheck
		}
		it.Close()

		opts = badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixBacklog}
		opts.PrefetchValues = false
		opts.Reverse = true

		it = txn.NewIterator(opts)
		defer it.Close()

		it.Seek(backlogKey(math.MaxUint64))
		if it.Valid() {
			s.seq = binary.BigEndian.Uint64(it.Item().Key()[1:])
		}

		return nil
	})
}

// Record implements Store.Record. Metrics are stored in the unit of their
// historical query, keyed by the upstream query name.
func (s *BadgerStore) Record(ctx context.Context, snap *types.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ts := series.NormalizeMillis(snap.Now)
	points := make(map[SeriesKey]types.Sample)

	for i := range snap.Servers {
		server := &snap.Servers[i]
		for _, m := range live.ForServer(server) {
			v, ok := m.RawValue(server)
			if !ok {
				continue
			}
			if value := types.Float(v); value != nil {
				points[SeriesKey{ServerID: server.ID, Metric: m.Query}] = types.Sample{Timestamp: ts, Value: value}
			}
		}
	}

	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var updates []indexUpdate
	err := s.db.Update(func(txn *badger.Txn) error {
		updates = updates[:0]
		for key, sample := range points {
			u, err := s.writeSamples(txn, key, []types.Sample{sample})
			if err != nil {
				return fmt.Errorf("failed to record %s: %w", key, err)
			}
			updates = append(updates, u)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.applyIndex(updates)
	return nil
}

// Write stores samples of one series. Samples replace earlier ones with the
// same timestamp.
func (s *BadgerStore) Write(ctx context.Context, key SeriesKey, samples []types.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var u indexUpdate
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		u, err = s.writeSamples(txn, key, samples)
		return err
	})
	if err != nil {
		return err
	}

	s.applyIndex([]indexUpdate{u})
	return nil
}

// indexUpdate is the index change of one written series, applied once the
// transaction that wrote it has committed.
type indexUpdate struct {
	key      SeriesKey
	min, max int64
}

func (s *BadgerStore) applyIndex(updates []indexUpdate) {
	for _, u := range updates {
		id, _ := s.index.Add(u.key)
		if u.min == 0 && u.max == 0 {
			continue
		}
		s.index.UpdateTimeRange(id, u.min, u.max) //nolint:errcheck
	}
}

func (s *BadgerStore) writeSamples(txn *badger.Txn, key SeriesKey, samples []types.Sample) (indexUpdate, error) {
	u := indexUpdate{key: key}

	id, known := s.index.Lookup(key)
	if !known {
		meta, err := json.Marshal(key)
		if err != nil {
			return u, err
		}
		if err := txn.Set(metaKey(id), meta); err != nil {
			return u, err
		}
	}

	blocks := make(map[int64][]types.Sample)
	for _, sample := range samples {
		start := blockStart(sample.Timestamp)
		blocks[start] = append(blocks[start], sample)
	}

	for start, add := range blocks {
		existing, err := s.readBlock(txn, id, start)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return u, err
		}

		merged := mergeSamples(existing, add)

		entry := badger.NewEntry(blockKey(id, start), s.compressor.EncodeSamples(merged))
		if s.cfg.RetentionDays > 0 {
			entry = entry.WithTTL(time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		}
		if err := txn.SetEntry(entry); err != nil {
			return u, err
		}

		first, last := merged[0].Timestamp, merged[len(merged)-1].Timestamp
		if u.min == 0 || first < u.min {
			u.min = first
		}
		if last > u.max {
			u.max = last
		}
	}

	return u, nil
}

func (s *BadgerStore) readBlock(txn *badger.Txn, id uint64, start int64) ([]types.Sample, error) {
	item, err := txn.Get(blockKey(id, start))
	if err != nil {
		return nil, err
	}

	var samples []types.Sample
	err = item.Value(func(val []byte) error {
		samples, err = s.compressor.DecodeSamples(val)
		return err
	})
	return samples, err
}

// Query implements Store.Query.
func (s *BadgerStore) Query(ctx context.Context, key SeriesKey, start, end int64) ([]types.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, ok := s.index.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: series %s", ErrNotFound, key)
	}

	out := []types.Sample{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = blockPrefix(id)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(blockKey(id, blockStart(start))); it.Valid(); it.Next() {
			item := it.Item()
			if _, bs := parseBlockKey(item.Key()); bs > end {
				break
			}

			err := item.Value(func(val []byte) error {
				samples, err := s.compressor.DecodeSamples(val)
				if err != nil {
					return err
				}
				for _, sample := range samples {
					if sample.Timestamp >= start && sample.Timestamp <= end {
						out = append(out, sample)
					}
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to read block of %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Series returns the keys recorded for a server.
func (s *BadgerStore) Series(serverID uint64) []SeriesKey {
	metrics := s.index.Metrics(serverID)
	out := make([]SeriesKey, len(metrics))
	for i, m := range metrics {
		out[i] = SeriesKey{ServerID: serverID, Metric: m}
	}
	return out
}

// Servers returns the ids of every recorded server.
func (s *BadgerStore) Servers() []uint64 {
	return s.index.Servers()
}

// AppendBacklog implements Store.AppendBacklog. Only the newest BacklogSize
// messages are kept.
func (s *BadgerStore) AppendBacklog(ctx context.Context, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.cfg.BacklogSize <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq + 1
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(backlogKey(seq), s.compressor.CompressBytes(raw)); err != nil {
			return err
		}
		if size := uint64(s.cfg.BacklogSize); seq > size {
			return txn.Delete(backlogKey(seq - size))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append backlog: %w", err)
	}

	s.seq = seq
	return nil
}

// Backlog implements Store.Backlog. A limit of zero or less returns the whole
// backlog.
func (s *BadgerStore) Backlog(ctx context.Context, limit int) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.cfg.BacklogSize {
		limit = s.cfg.BacklogSize
	}

	out := make([][]byte, 0, max(limit, 0))
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixBacklog}
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(backlogKey(math.MaxUint64)); it.Valid() && len(out) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				raw, err := s.compressor.DecompressBytes(val)
				if err != nil {
					return err
				}
				out = append(out, raw)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to read backlog: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Stats returns the series count, backlog length and on-disk size.
func (s *BadgerStore) Stats() Stats {
	lsm, vlog := s.db.Size()

	s.mu.Lock()
	backlog := min(s.seq, uint64(max(s.cfg.BacklogSize, 0)))
	s.mu.Unlock()

	return Stats{
		Series:   s.index.SeriesCount(),
		Backlog:  int(backlog),
		LSMBytes: lsm,
		LogBytes: vlog,
	}
}

// CollectGarbage rewrites value log files until nothing is left to reclaim.
func (s *BadgerStore) CollectGarbage() error {
	if s.cfg.InMemory {
		return nil
	}
	for {
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Close implements Store.Close
func (s *BadgerStore) Close() error {
	if s.compressor != nil {
		s.compressor.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// mergeSamples merges add into existing, sorted by timestamp. On equal
// timestamps the added sample wins.
func mergeSamples(existing, add []types.Sample) []types.Sample {
	byTS := make(map[int64]types.Sample, len(existing)+len(add))
	for _, sample := range existing {
		byTS[sample.Timestamp] = sample
	}
	for _, sample := range add {
		byTS[sample.Timestamp] = sample
	}

	out := make([]types.Sample, 0, len(byTS))
	for _, sample := range byTS {
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// blockStart returns the start of the hour block containing ts.
func blockStart(ts int64) int64 {
	start := ts - ts%blockMillis
	if ts < 0 && ts%blockMillis != 0 {
		start -= blockMillis
	}
	return start
}

func metaKey(id uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixMeta
	binary.BigEndian.PutUint64(key[1:], id)
	return key
}

func blockPrefix(id uint64) []byte {
	key := make([]byte, 9, 17)
	key[0] = prefixBlock
	binary.BigEndian.PutUint64(key[1:], id)
	return key
}

// blockKey generates a storage key for a time block
func blockKey(id uint64, start int64) []byte {
	return binary.BigEndian.AppendUint64(blockPrefix(id), uint64(max(start, 0)))
}

func parseBlockKey(key []byte) (uint64, int64) {
	return binary.BigEndian.Uint64(key[1:9]), int64(binary.BigEndian.Uint64(key[9:17]))
}

func backlogKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixBacklog
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

// badgerLogger routes badger's log output through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}
