package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vjranagit/serverwatch/pkg/series"
	"github.com/vjranagit/serverwatch/pkg/types"
)

// Client queries the historical REST API of the monitoring backend.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock overrides the clock used to compute query ranges.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// ServiceHistory fetches the delay history of one service. Timestamps are
// normalised to milliseconds and the explicit packet loss is derived from the
// up and down counters of each aggregate.
func (c *Client) ServiceHistory(ctx context.Context, serviceID uint64, period types.Period) ([]types.NamedSeries, error) {
	end := c.now()
	start := end.Add(-period.Duration())

	q := url.Values{}
	q.Set("start", strconv.FormatInt(series.NormalizeSeconds(start.Unix()), 10))
	q.Set("end", strconv.FormatInt(series.NormalizeSeconds(end.Unix()), 10))

	var resp types.ServiceHistoryResponse
	if err := c.get(ctx, fmt.Sprintf("/api/v1/service/%d/history", serviceID), q, &resp); err != nil {
		return nil, err
	}

	if !resp.Success || resp.Data == nil || len(resp.Data.Timestamps) == 0 {
		c.logger.Debug("empty service history", zap.Uint64("service", serviceID), zap.Bool("success", resp.Success))
		return []types.NamedSeries{}, nil
	}

	return []types.NamedSeries{ServiceSeries(serviceID, resp.Data)}, nil
}

// ServiceSeries converts a service history payload into a delay series.
func ServiceSeries(serviceID uint64, h *types.ServiceHistory) types.NamedSeries {
	name := strings.TrimSpace(h.ServiceName)
	if name == "" {
		name = fmt.Sprintf("Service %d", serviceID)
	}

	id := h.ServiceID
	if id == 0 {
		id = serviceID
	}

	s := types.NamedSeries{
		ID:      id,
		Name:    name,
		Samples: make([]types.Sample, len(h.Timestamps)),
		Loss:    make([]float64, len(h.Timestamps)),
	}

	for i, ts := range h.Timestamps {
		s.Samples[i].Timestamp = series.NormalizeMillis(ts)
		if i < len(h.AvgDelay) {
			s.Samples[i].Value = types.Float(h.AvgDelay[i])
		}
		s.Loss[i] = lossRatio(at(h.Up, i), at(h.Down, i))
	}

	return s
}

func at(values []float64, i int) float64 {
	if i < len(values) {
		return values[i]
	}
	return 0
}

func lossRatio(up, down float64) float64 {
	total := up + down
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return 0
	}
	return math.Round(down/total*100*100) / 100
}

// MetricHistory fetches the period aggregates of one server metric.
func (c *Client) MetricHistory(ctx context.Context, serverID uint64, metric string, period types.Period) (types.NamedSeries, error) {
	q := url.Values{}
	q.Set("metric", metric)
	q.Set("period", string(period))

	var resp types.MetricPeriodResponse
	if err := c.get(ctx, fmt.Sprintf("/api/v1/server/%d/metrics", serverID), q, &resp); err != nil {
		return types.NamedSeries{}, err
	}

	s := types.NamedSeries{ID: serverID, Name: metric}
	if !resp.Success || resp.Data == nil {
		return s, nil
	}

	s.Samples = make([]types.Sample, 0, len(resp.Data.DataPoints))
	for _, p := range resp.Data.DataPoints {
		s.Samples = append(s.Samples, types.Sample{
			Timestamp: series.NormalizeMillis(p.TS),
			Value:     types.Float(p.Value),
		})
	}

	return s, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("request %s failed: %s", path, resp.Status)
	}

	var envelope struct {
		Error string `json:"error"`
	}

	dec := json.NewDecoder(resp.Body)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}

	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		return fmt.Errorf("upstream %s: %s", path, envelope.Error)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return nil
}
