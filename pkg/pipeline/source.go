package pipeline

import (
	"context"

	"github.com/vjranagit/serverwatch/pkg/types"
)

// HistorySource answers historical queries. A payload that reports failure or
// carries no data yields an empty result and a nil error; errors are reserved
// for transport failures.
type HistorySource interface {
	// ServiceHistory returns the delay series of one monitored service, with
	// timestamps in milliseconds.
	ServiceHistory(ctx context.Context, serviceID uint64, period types.Period) ([]types.NamedSeries, error)

	// MetricHistory returns the period aggregates of one server metric, using
	// the upstream query name and unit.
	MetricHistory(ctx context.Context, serverID uint64, metric string, period types.Period) (types.NamedSeries, error)
}

// BacklogFunc returns the push messages received so far, newest first.
type BacklogFunc func() [][]byte
