package alerting

import (
	"context"
	"sort"
	"sync"
	"time"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/types"
)

// Trend of a metric over a window.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// trendThreshold is the relative change between window halves that counts as a trend.
const trendThreshold = 0.05

// Summary aggregates a metric series.
type Summary struct {
	AgentID string        `json:"agent_id"`
	Metric  string        `json:"metric"`
	Count   int           `json:"count"`
	Min     float64       `json:"min"`
	Max     float64       `json:"max"`
	Avg     float64       `json:"avg"`
	Latest  *types.Sample `json:"latest,omitempty"`
	Trend   Trend         `json:"trend"`
}

type seriesKey struct {
	agent  string
	metric string
}

// history keeps bounded, time-ordered sample series per (agent, metric).
type history struct {
	mu        sync.RWMutex
	series    map[seriesKey][]types.Sample
	retention time.Duration
	max       int
}

func newHistory(retention time.Duration, max int) *history {
	return &history{
		series:    make(map[seriesKey][]types.Sample),
		retention: retention,
		max:       max,
	}
}

// add appends s; a sample older than the latest in its series is stale.
func (h *history) add(s types.Sample) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := seriesKey{s.AgentID, s.Metric}
	series := h.series[key]
	if n := len(series); n > 0 && s.Timestamp.Before(series[n-1].Timestamp) {
		return cerrors.New(cerrors.ErrStaleSample, "sample", s.AgentID,
			"%s sample at %s is older than %s", s.Metric,
			s.Timestamp.Format(time.RFC3339Nano), series[n-1].Timestamp.Format(time.RFC3339Nano))
	}
	series = append(series, s)

	if h.retention > 0 {
		cutoff := s.Timestamp.Add(-h.retention)
		drop := sort.Search(len(series), func(i int) bool { return !series[i].Timestamp.Before(cutoff) })
		series = series[drop:]
	}
	if h.max > 0 && len(series) > h.max {
		series = series[len(series)-h.max:]
	}
	h.series[key] = series
	return nil
}

func (h *history) get(agentID, metric string, since time.Time) []types.Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	series := h.series[seriesKey{agentID, metric}]
	start := 0
	if !since.IsZero() {
		start = sort.Search(len(series), func(i int) bool { return !series[i].Timestamp.Before(since) })
	}
	out := make([]types.Sample, len(series)-start)
	copy(out, series[start:])
	return out
}

func (h *history) metrics(agentID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var names []string
	for k := range h.series {
		if k.agent == agentID {
			names = append(names, k.metric)
		}
	}
	sort.Strings(names)
	return names
}

func (h *history) forget(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k := range h.series {
		if k.agent == agentID {
			delete(h.series, k)
		}
	}
}

// Series returns the samples of one metric at or after since, oldest first.
// A zero since returns the whole retained series.
func (e *Engine) Series(ctx context.Context, agentID, metric string, since time.Time) []types.Sample {
	return e.history.get(agentID, metric, since)
}

// Latest returns the most recent sample of a metric, or nil.
func (e *Engine) Latest(ctx context.Context, agentID, metric string) *types.Sample {
	series := e.history.get(agentID, metric, time.Time{})
	if len(series) == 0 {
		return nil
	}
	s := series[len(series)-1]
	return &s
}

// Metrics lists the metric names with retained samples for an agent.
func (e *Engine) Metrics(ctx context.Context, agentID string) []string {
	return e.history.metrics(agentID)
}

// Summarize aggregates a metric since the given time.
func (e *Engine) Summarize(ctx context.Context, agentID, metric string, since time.Time) *Summary {
	return summarize(agentID, metric, e.history.get(agentID, metric, since))
}

func summarize(agentID, metric string, series []types.Sample) *Summary {
	sum := &Summary{AgentID: agentID, Metric: metric, Count: len(series), Trend: TrendStable}
	if len(series) == 0 {
		return sum
	}

	sum.Min, sum.Max = series[0].Value, series[0].Value
	var total float64
	for _, s := range series {
		total += s.Value
		if s.Value < sum.Min {
			sum.Min = s.Value
		}
		if s.Value > sum.Max {
			sum.Max = s.Value
		}
	}
	sum.Avg = total / float64(len(series))
	latest := series[len(series)-1]
	sum.Latest = &latest
	sum.Trend = trend(series)
	return sum
}

// trend compares the mean of the newer half of the series with the older half.
func trend(series []types.Sample) Trend {
	if len(series) < 2 {
		return TrendStable
	}
	mid := len(series) / 2
	older, newer := mean(series[:mid]), mean(series[mid:])

	base := older
	if base < 0 {
		base = -base
	}
	if base == 0 {
		switch {
		case newer > 0:
			return TrendUp
		case newer < 0:
			return TrendDown
		}
		return TrendStable
	}

	change := (newer - older) / base
	switch {
	case change > trendThreshold:
		return TrendUp
	case change < -trendThreshold:
		return TrendDown
	}
	return TrendStable
}

func mean(series []types.Sample) float64 {
	var total float64
	for _, s := range series {
		total += s.Value
	}
	return total / float64(len(series))
}
