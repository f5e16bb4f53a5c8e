package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vjranagit/serverwatch/pkg/live"
	"github.com/vjranagit/serverwatch/pkg/series"
	"github.com/vjranagit/serverwatch/pkg/smooth"
	"github.com/vjranagit/serverwatch/pkg/types"
)

// ErrLiveUnsupported is returned when a service chart is switched to live mode.
var ErrLiveUnsupported = errors.New("chart has no live mode")

// Kind selects what a chart shows.
type Kind int

const (
	// KindMetric is a single server metric, live or historical.
	KindMetric Kind = iota
	// KindService is the delay and packet loss of monitored services,
	// historical only.
	KindService
)

func (k Kind) String() string {
	if k == KindService {
		return "service"
	}
	return "metric"
}

// Config describes one chart pipeline.
type Config struct {
	ID       string
	Kind     Kind
	ServerID uint64
	// Metric is the live metric name of a metric chart.
	Metric string
	// Metrics are further metrics drawn on the same chart, such as swap next
	// to memory.
	Metrics []string
	// Services are the monitored service ids of a service chart.
	Services []uint64
	// Mode is the initial display mode. The zero value selects live mode for
	// metric charts and 1d for service charts.
	Mode types.Mode
	// Capacity bounds the live window.
	Capacity int
	// Smoother is the peak cut setting; Enabled is the initial toggle state.
	Smoother smooth.Smoother
	// ForcePeakCut keeps the smoothing filter on regardless of the toggle.
	ForcePeakCut bool
	// FetchTimeout bounds one historical fetch.
	FetchTimeout time.Duration
}

// FetchRequest identifies one historical fetch. Its result is only applied if
// the pipeline is still in the same mode generation when it completes.
type FetchRequest struct {
	Chart      string
	Generation uint64
	Mode       types.Mode
}

// FetchResult carries the series of a completed fetch.
type FetchResult struct {
	FetchRequest

	Series []types.NamedSeries
}

// Pipeline turns the push stream and historical queries of one chart into a
// single WideFrame for the rendering layer.
//
// All methods except Fetch mutate state and must be called from one goroutine;
// Loop does that. Fetch only reads immutable configuration and may run
// concurrently.
type Pipeline struct {
	cfg     Config
	metrics []live.Metric
	source  HistorySource
	backlog BacklogFunc
	logger  *zap.Logger

	mode       types.Mode
	generation uint64

	windows []*live.Window
	host    *types.Host
	// history holds fetched series in the unit of their query.
	history []types.NamedSeries

	active   []string
	smoother smooth.Smoother

	dirty  bool
	output types.WideFrame
}

// New creates a pipeline without data. The configured mode takes effect on the
// first SetMode call, which Loop.Run issues for every pipeline.
func New(cfg Config, source HistorySource, backlog BacklogFunc, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backlog == nil {
		backlog = func() [][]byte { return nil }
	}

	p := &Pipeline{
		cfg:      cfg,
		source:   source,
		backlog:  backlog,
		logger:   logger.With(zap.String("chart", cfg.ID), zap.Stringer("kind", cfg.Kind)),
		smoother: cfg.Smoother,
		dirty:    true,
	}

	switch cfg.Kind {
	case KindMetric:
		seen := make(map[string]bool)
		for _, name := range append([]string{cfg.Metric}, cfg.Metrics...) {
			m, err := live.Lookup(name)
			if err != nil {
				return nil, err
			}
			if seen[m.Name] {
				return nil, fmt.Errorf("chart %q lists metric %q twice", cfg.ID, m.Name)
			}
			seen[m.Name] = true
			p.metrics = append(p.metrics, m)
			p.windows = append(p.windows, live.NewWindow(m.Name, cfg.Capacity))
		}
		p.mode = types.LiveMode
	case KindService:
		if len(cfg.Services) == 0 {
			return nil, fmt.Errorf("service chart %q has no services", cfg.ID)
		}
		p.mode = types.Historical(types.Period1d)
	default:
		return nil, fmt.Errorf("unknown chart kind %d", cfg.Kind)
	}

	if cfg.Mode != (types.Mode{}) {
		if cfg.Mode.Live && cfg.Kind == KindService {
			return nil, ErrLiveUnsupported
		}
		p.mode = cfg.Mode
	}

	return p, nil
}

// ID returns the chart id.
func (p *Pipeline) ID() string { return p.cfg.ID }

// Kind returns the chart kind.
func (p *Pipeline) Kind() Kind { return p.cfg.Kind }

// Mode returns the current display mode.
func (p *Pipeline) Mode() types.Mode { return p.mode }

// Window returns the live window of the first metric of a metric chart, nil
// for service charts.
func (p *Pipeline) Window() *live.Window {
	if len(p.windows) == 0 {
		return nil
	}
	return p.windows[0]
}

// SetMode switches the display mode. Entering live mode resets the live window
// and seeds it from the backlog. Entering a historical period drops the
// previous results and returns the fetch to run; any fetch still in flight
// becomes stale.
func (p *Pipeline) SetMode(m types.Mode) (*FetchRequest, error) {
	if m.Live && p.cfg.Kind == KindService {
		return nil, ErrLiveUnsupported
	}
	if !m.Live {
		if _, err := types.ParsePeriod(string(m.Period)); err != nil {
			return nil, err
		}
	}

	p.generation++
	p.mode = m
	p.history = nil
	p.dirty = true

	if p.cfg.Kind == KindMetric && p.host == nil {
		p.hostFromBacklog()
	}

	if m.Live {
		for _, w := range p.windows {
			w.Reset()
		}
		p.seed()

		p.logger.Debug("entered live mode", zap.Int("seeded", p.windows[0].Len()))

		return nil, nil
	}

	p.logger.Debug("requesting history", zap.Stringer("mode", m), zap.Uint64("generation", p.generation))

	return &FetchRequest{Chart: p.cfg.ID, Generation: p.generation, Mode: m}, nil
}

func (p *Pipeline) seed() {
	var backlog [][]byte
	for i, w := range p.windows {
		if w.Seeded() {
			continue
		}
		if backlog == nil {
			backlog = p.backlog()
		}
		w.Seed(backlog, live.Extract(p.metrics[i], p.cfg.ServerID))
	}
}

// hostFromBacklog takes the host totals from the newest backlog message that
// mentions the server.
func (p *Pipeline) hostFromBacklog() {
	for _, raw := range p.backlog() {
		snap, err := live.Decode(raw)
		if err != nil {
			continue
		}
		if server, ok := snap.Find(p.cfg.ServerID); ok {
			p.setHost(server.Host)
			return
		}
	}
}

// setHost stores the host totals and reports whether a total used to convert
// history changed.
func (p *Pipeline) setHost(host types.Host) bool {
	prev := p.host
	p.host = &host

	for _, m := range p.metrics {
		if m.Total == nil {
			continue
		}
		if prev == nil || m.Total(prev) != m.Total(&host) {
			return true
		}
	}
	return false
}

// Push feeds one push message to the pipeline. It reports whether the output
// changed: a live sample was appended, or in a historical mode the host totals
// the history is converted with changed.
func (p *Pipeline) Push(snap *types.Snapshot) bool {
	if p.cfg.Kind != KindMetric {
		return false
	}

	if server, ok := snap.Find(p.cfg.ServerID); ok {
		if p.setHost(server.Host) && !p.mode.Live && len(p.history) > 0 {
			p.dirty = true
			return true
		}
	}

	if !p.mode.Live {
		return false
	}

	p.seed()

	appended := false
	for i, w := range p.windows {
		if !w.Seeded() {
			continue
		}

		sample, ok := live.SampleOf(snap, p.cfg.ServerID, p.metrics[i])
		if !ok {
			continue
		}

		if err := w.Append(sample); err != nil {
			p.logger.Warn("failed to append live sample", zap.String("metric", w.MetricKey()), zap.Error(err))
			continue
		}
		appended = true
	}

	if appended {
		p.dirty = true
	}

	return appended
}

// Fetch runs a historical request against the source. Failures are logged and
// produce an empty result, never a partial one.
func (p *Pipeline) Fetch(ctx context.Context, req *FetchRequest) *FetchResult {
	res := &FetchResult{FetchRequest: *req}

	if p.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
	}

	start := time.Now()

	var err error
	switch p.cfg.Kind {
	case KindService:
		res.Series, err = p.fetchServices(ctx, req.Mode.Period)
	case KindMetric:
		res.Series, err = p.fetchMetrics(ctx, req.Mode.Period)
	}

	if err != nil {
		p.logger.Warn("history fetch failed",
			zap.Stringer("mode", req.Mode),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		res.Series = nil
	}

	return res
}

func (p *Pipeline) fetchServices(ctx context.Context, period types.Period) ([]types.NamedSeries, error) {
	results := make([][]types.NamedSeries, len(p.cfg.Services))

	eg, ctx := errgroup.WithContext(ctx)
	for i, id := range p.cfg.Services {
		eg.Go(func() error {
			s, err := p.source.ServiceHistory(ctx, id, period)
			if err != nil {
				return fmt.Errorf("service %d: %w", id, err)
			}
			results[i] = s
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var out []types.NamedSeries
	for _, s := range results {
		out = append(out, s...)
	}
	return out, nil
}

func (p *Pipeline) fetchMetrics(ctx context.Context, period types.Period) ([]types.NamedSeries, error) {
	results := make([]types.NamedSeries, len(p.metrics))

	eg, ctx := errgroup.WithContext(ctx)
	for i, m := range p.metrics {
		eg.Go(func() error {
			s, err := p.source.MetricHistory(ctx, p.cfg.ServerID, m.Query, period)
			if err != nil {
				return fmt.Errorf("metric %s: %w", m.Name, err)
			}
			s.Name = m.Name
			results[i] = s
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var out []types.NamedSeries
	for _, s := range results {
		if len(s.Samples) > 0 {
			out = append(out, s)
		}
	}
	return out, nil
}

// Complete applies a fetch result. Results of an older generation or another
// mode are stale and ignored; Complete then returns false.
func (p *Pipeline) Complete(res *FetchResult) bool {
	if res.Generation != p.generation || res.Mode != p.mode {
		p.logger.Debug("dropping stale history",
			zap.Stringer("mode", res.Mode),
			zap.Uint64("generation", res.Generation),
			zap.Uint64("current", p.generation),
		)
		return false
	}

	p.history = res.Series
	p.dirty = true

	return true
}

// displayHistory converts byte aggregates of percentage metrics using the
// latest known host totals. Values stay nil while a total is unknown.
func (p *Pipeline) displayHistory() []types.NamedSeries {
	out := make([]types.NamedSeries, len(p.history))
	for i, s := range p.history {
		out[i] = s

		m, ok := p.metricNamed(s.Name)
		if !ok || m.Total == nil {
			continue
		}

		samples := make([]types.Sample, len(s.Samples))
		for j, sample := range s.Samples {
			samples[j] = types.Sample{Timestamp: sample.Timestamp}
			if sample.Value == nil {
				continue
			}
			if v, ok := m.Percent(*sample.Value, p.host); ok {
				samples[j].Value = types.Float(v)
			}
		}
		out[i].Samples = samples
	}
	return out
}

func (p *Pipeline) metricNamed(name string) (live.Metric, bool) {
	for _, m := range p.metrics {
		if m.Name == name {
			return m, true
		}
	}
	return live.Metric{}, false
}

// SetActive changes the selected series of a service chart.
func (p *Pipeline) SetActive(names []string) {
	p.active = append([]string(nil), names...)
	p.dirty = true
}

// Active returns the selected series.
func (p *Pipeline) Active() []string {
	return append([]string(nil), p.active...)
}

// SetPeakCut toggles the smoothing filter.
func (p *Pipeline) SetPeakCut(enabled bool) {
	p.smoother.Enabled = enabled
	p.dirty = true
}

// PeakCut reports whether the smoothing filter is on.
func (p *Pipeline) PeakCut() bool { return p.cfg.ForcePeakCut || p.smoother.Enabled }

// Output returns the frame to render. It is recomputed, with a fresh smoothing
// state, only after the input or the selection changed.
func (p *Pipeline) Output() types.WideFrame {
	if !p.dirty {
		return p.output
	}

	var (
		frame  types.WideFrame
		active []string
	)

	switch {
	case p.mode.Live && len(p.windows) == 1:
		frame = p.windows[0].Frame()
	case p.mode.Live:
		windows := make([]types.NamedSeries, len(p.windows))
		for i, w := range p.windows {
			windows[i] = w.Series()
		}
		frame = series.Merge(windows)
	case p.cfg.Kind == KindService:
		active = p.active
		if len(active) == 1 {
			frame = series.Narrow(series.Group(p.history), active[0])
		} else {
			frame = series.Align(p.history)
		}
	default:
		frame = series.Merge(p.displayHistory())
	}

	smoother := p.smoother
	smoother.Enabled = p.PeakCut()

	p.output = smoother.Apply(smooth.NewState(), frame, active)
	p.dirty = false

	return p.output
}

// Summaries returns the legend summary of each service series.
func (p *Pipeline) Summaries() map[string]series.Summary {
	if p.cfg.Kind != KindService {
		return nil
	}
	return series.Summarize(series.Group(p.history))
}

// SeriesNames returns the service series names in legend order.
func (p *Pipeline) SeriesNames() []string {
	if p.cfg.Kind != KindService {
		return nil
	}
	return series.OrderNames(p.history)
}
