package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/vjranagit/serverwatch/pkg/live"
	"github.com/vjranagit/serverwatch/pkg/series"
	"github.com/vjranagit/serverwatch/pkg/types"
)

// ErrUnknownChart is returned for a chart id the loop does not own.
var ErrUnknownChart = errors.New("unknown chart")

// Sink receives every new chart output.
type Sink interface {
	Publish(chart string, frame types.WideFrame)
}

// Recorder persists push messages. Errors are logged and never stop the loop.
type Recorder interface {
	Record(ctx context.Context, snap *types.Snapshot) error
	AppendBacklog(ctx context.Context, raw []byte) error
}

// ChartState is a read-only view of one pipeline.
type ChartState struct {
	ID        string                    `json:"id"`
	Kind      string                    `json:"kind"`
	Mode      string                    `json:"mode"`
	PeakCut   bool                      `json:"peak_cut"`
	Active    []string                  `json:"active"`
	Names     []string                  `json:"names,omitempty"`
	Summaries map[string]series.Summary `json:"summaries,omitempty"`
	Frame     types.WideFrame           `json:"frame"`
}

type event any

type pushEvent struct {
	raw []byte
}

type modeEvent struct {
	chart string
	mode  types.Mode
	reply chan error
}

type activeEvent struct {
	chart  string
	active []string
	reply  chan error
}

type peakCutEvent struct {
	chart   string
	enabled bool
	reply   chan error
}

type fetchEvent struct {
	result *FetchResult
}

type stateEvent struct {
	chart string
	reply chan stateReply
}

type stateReply struct {
	state ChartState
	err   error
}

// Loop serialises every event of a set of pipelines on one goroutine: push
// messages in arrival order, mode and selection changes, and completions of
// historical fetches. Fetches themselves run on their own goroutines and report
// back as events.
type Loop struct {
	logger    *zap.Logger
	pipelines map[string]*Pipeline
	backlog   *Backlog
	recorder  Recorder
	sink      Sink
	events    chan event
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithRecorder persists every push message through r.
func WithRecorder(r Recorder) LoopOption {
	return func(l *Loop) { l.recorder = r }
}

// WithSink publishes outputs to s.
func WithSink(s Sink) LoopOption {
	return func(l *Loop) { l.sink = s }
}

// WithLogger sets the loop logger.
func WithLogger(logger *zap.Logger) LoopOption {
	return func(l *Loop) { l.logger = logger }
}

// NewLoop creates a loop around backlog. Pipelines are added with Add before Run.
func NewLoop(backlog *Backlog, opts ...LoopOption) *Loop {
	l := &Loop{
		logger:    zap.NewNop(),
		pipelines: make(map[string]*Pipeline),
		backlog:   backlog,
		events:    make(chan event, 64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// BacklogFunc returns the provider pipelines of this loop seed from.
func (l *Loop) BacklogFunc() BacklogFunc {
	return l.backlog.Messages
}

// Add registers a pipeline. It must be called before Run.
func (l *Loop) Add(p *Pipeline) {
	l.pipelines[p.ID()] = p
}

// Charts returns the chart ids, sorted.
func (l *Loop) Charts() []string {
	ids := make([]string, 0, len(l.pipelines))
	for id := range l.pipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run processes events until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("pipeline loop started", zap.Int("charts", len(l.pipelines)), zap.Int("backlog", l.backlog.Len()))

	for _, id := range l.Charts() {
		p := l.pipelines[id]
		if err := l.applyMode(ctx, p, p.Mode()); err != nil {
			l.logger.Error("invalid initial mode", zap.String("chart", id), zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("pipeline loop stopped")
			return ctx.Err()
		case ev := <-l.events:
			l.handle(ctx, ev)
		}
	}
}

func (l *Loop) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case pushEvent:
		l.handlePush(ctx, ev.raw)
	case modeEvent:
		p, ok := l.pipelines[ev.chart]
		if !ok {
			ev.reply <- fmt.Errorf("%w: %q", ErrUnknownChart, ev.chart)
			return
		}
		ev.reply <- l.applyMode(ctx, p, ev.mode)
	case activeEvent:
		p, ok := l.pipelines[ev.chart]
		if !ok {
			ev.reply <- fmt.Errorf("%w: %q", ErrUnknownChart, ev.chart)
			return
		}
		p.SetActive(ev.active)
		l.publish(p)
		ev.reply <- nil
	case peakCutEvent:
		p, ok := l.pipelines[ev.chart]
		if !ok {
			ev.reply <- fmt.Errorf("%w: %q", ErrUnknownChart, ev.chart)
			return
		}
		p.SetPeakCut(ev.enabled)
		l.publish(p)
		ev.reply <- nil
	case fetchEvent:
		p, ok := l.pipelines[ev.result.Chart]
		if ok && p.Complete(ev.result) {
			l.publish(p)
		}
	case stateEvent:
		p, ok := l.pipelines[ev.chart]
		if !ok {
			ev.reply <- stateReply{err: fmt.Errorf("%w: %q", ErrUnknownChart, ev.chart)}
			return
		}
		ev.reply <- stateReply{state: stateOf(p)}
	}
}

func (l *Loop) handlePush(ctx context.Context, raw []byte) {
	snap, err := live.Decode(raw)
	if err != nil {
		l.logger.Warn("dropping push message", zap.Error(err))
		return
	}

	for _, id := range l.Charts() {
		p := l.pipelines[id]
		if p.Push(snap) {
			l.publish(p)
		}
	}

	// Seeding must not see the message that is being appended.
	l.backlog.Add(raw)

	if l.recorder != nil {
		if err := l.recorder.Record(ctx, snap); err != nil {
			l.logger.Warn("failed to record push message", zap.Error(err))
		}
		if err := l.recorder.AppendBacklog(ctx, raw); err != nil {
			l.logger.Warn("failed to persist backlog", zap.Error(err))
		}
	}
}

func (l *Loop) applyMode(ctx context.Context, p *Pipeline, m types.Mode) error {
	req, err := p.SetMode(m)
	if err != nil {
		return err
	}

	l.publish(p)

	if req != nil {
		go func() {
			res := p.Fetch(ctx, req)
			select {
			case l.events <- fetchEvent{result: res}:
			case <-ctx.Done():
			}
		}()
	}

	return nil
}

func (l *Loop) publish(p *Pipeline) {
	if l.sink == nil {
		return
	}
	l.sink.Publish(p.ID(), p.Output())
}

func (l *Loop) send(ctx context.Context, ev event) error {
	select {
	case l.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push queues a raw push message.
func (l *Loop) Push(ctx context.Context, raw []byte) error {
	return l.send(ctx, pushEvent{raw: raw})
}

// SetMode switches the mode of a chart.
func (l *Loop) SetMode(ctx context.Context, chart string, m types.Mode) error {
	reply := make(chan error, 1)
	if err := l.send(ctx, modeEvent{chart: chart, mode: m, reply: reply}); err != nil {
		return err
	}
	return wait(ctx, reply)
}

// SetActive changes the series selection of a chart.
func (l *Loop) SetActive(ctx context.Context, chart string, active []string) error {
	reply := make(chan error, 1)
	if err := l.send(ctx, activeEvent{chart: chart, active: active, reply: reply}); err != nil {
		return err
	}
	return wait(ctx, reply)
}

// SetPeakCut toggles the smoothing filter of a chart.
func (l *Loop) SetPeakCut(ctx context.Context, chart string, enabled bool) error {
	reply := make(chan error, 1)
	if err := l.send(ctx, peakCutEvent{chart: chart, enabled: enabled, reply: reply}); err != nil {
		return err
	}
	return wait(ctx, reply)
}

// State returns the current state and output of a chart.
func (l *Loop) State(ctx context.Context, chart string) (ChartState, error) {
	reply := make(chan stateReply, 1)
	if err := l.send(ctx, stateEvent{chart: chart, reply: reply}); err != nil {
		return ChartState{}, err
	}

	select {
	case r := <-reply:
		return r.state, r.err
	case <-ctx.Done():
		return ChartState{}, ctx.Err()
	}
}

func wait(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stateOf(p *Pipeline) ChartState {
	return ChartState{
		ID:        p.ID(),
		Kind:      p.Kind().String(),
		Mode:      p.Mode().String(),
		PeakCut:   p.PeakCut(),
		Active:    p.Active(),
		Names:     p.SeriesNames(),
		Summaries: p.Summaries(),
		Frame:     p.Output(),
	}
}
