package storage

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vjranagit/serverwatch/pkg/pipeline"
	"github.com/vjranagit/serverwatch/pkg/types"
)

// Querier reads recorded samples.
type Querier interface {
	Query(ctx context.Context, key SeriesKey, start, end int64) ([]types.Sample, error)
}

// LocalHistory answers historical queries from locally recorded push snapshots.
// Samples are averaged into buckets sized like the upstream aggregates: two
// minutes for a day, fifteen minutes for a week and one hour for a month.
//
// Push snapshots carry no service probes, so service history is always empty.
type LocalHistory struct {
	store  Querier
	logger *zap.Logger
	now    func() time.Time
}

var _ pipeline.HistorySource = (*LocalHistory)(nil)

// NewLocalHistory creates a history source over store.
func NewLocalHistory(store Querier, logger *zap.Logger) *LocalHistory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalHistory{store: store, logger: logger, now: time.Now}
}

// BucketSize returns the aggregation interval of a period.
func BucketSize(p types.Period) time.Duration {
	switch p {
	case types.Period7d:
		return 15 * time.Minute
	case types.Period30d:
		return time.Hour
	default:
		return 2 * time.Minute
	}
}

// ServiceHistory implements pipeline.HistorySource.
func (h *LocalHistory) ServiceHistory(_ context.Context, serviceID uint64, _ types.Period) ([]types.NamedSeries, error) {
	h.logger.Debug("no local service history", zap.Uint64("service", serviceID))
	return []types.NamedSeries{}, nil
}

// MetricHistory implements pipeline.HistorySource. A series never recorded
// yields an empty result.
func (h *LocalHistory) MetricHistory(ctx context.Context, serverID uint64, metric string, period types.Period) (types.NamedSeries, error) {
	out := types.NamedSeries{ID: serverID, Name: metric, Samples: []types.Sample{}}

	end := h.now().UnixMilli()
	start := end - period.Duration().Milliseconds()

	samples, err := h.store.Query(ctx, SeriesKey{ServerID: serverID, Metric: metric}, start, end)
	if errors.Is(err, ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return out, err
	}

	out.Samples = Downsample(samples, BucketSize(period).Milliseconds())
	return out, nil
}

// Downsample averages samples sorted by timestamp into buckets of width
// milliseconds, stamped with the bucket start. Samples without a value are
// skipped and empty buckets are omitted.
func Downsample(samples []types.Sample, width int64) []types.Sample {
	out := []types.Sample{}
	if width <= 0 {
		return append(out, samples...)
	}

	var (
		bucket int64
		sum    float64
		count  int
	)
	flush := func() {
		if count > 0 {
			out = append(out, types.Sample{Timestamp: bucket, Value: types.Float(sum / float64(count))})
		}
		sum, count = 0, 0
	}

	for _, s := range samples {
		if s.Value == nil {
			continue
		}
		b := s.Timestamp - s.Timestamp%width
		if count > 0 && b != bucket {
			flush()
		}
		bucket = b
		sum += *s.Value
		count++
	}
	flush()

	return out
}
