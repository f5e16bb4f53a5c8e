package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPeriod is returned for a period outside 1d, 7d and 30d.
var ErrInvalidPeriod = errors.New("invalid period")

// Period is a historical query range.
type Period string

const (
	Period1d  Period = "1d"
	Period7d  Period = "7d"
	Period30d Period = "30d"
)

// ParsePeriod validates a period string.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case Period1d, Period7d, Period30d:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
}

// Duration returns the time range covered by the period.
func (p Period) Duration() time.Duration {
	switch p {
	case Period7d:
		return 7 * 24 * time.Hour
	case Period30d:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Days returns the period length in days.
func (p Period) Days() int {
	return int(p.Duration() / (24 * time.Hour))
}

// Mode is the display mode of a chart: live push samples or a historical period.
type Mode struct {
	Live   bool
	Period Period
}

// LiveMode is the push-stream display mode.
var LiveMode = Mode{Live: true}

// Historical returns the historical display mode for p.
func Historical(p Period) Mode {
	return Mode{Period: p}
}

// ParseMode accepts "live", "realtime" or a period.
func ParseMode(s string) (Mode, error) {
	if s == "live" || s == "realtime" {
		return LiveMode, nil
	}
	p, err := ParsePeriod(s)
	if err != nil {
		return Mode{}, err
	}
	return Historical(p), nil
}

func (m Mode) String() string {
	if m.Live {
		return "live"
	}
	return string(m.Period)
}

// RestrictMode applies the access policy of the dashboard: callers that are not
// authenticated may only see live data or the last day. Any other period is
// coerced to 1d. The pipeline itself never applies this policy.
func RestrictMode(m Mode, authenticated bool) Mode {
	if authenticated || m.Live || m.Period == Period1d {
		return m
	}
	return Historical(Period1d)
}
