package resilience

import (
	"sync"
	"time"
)

// Cost is one itemized request cost in USD.
type Cost struct {
	Input      float64   `json:"input"`
	Output     float64   `json:"output"`
	CacheWrite float64   `json:"cacheWrite"`
	CacheRead  float64   `json:"cacheRead"`
	Total      float64   `json:"total"`
	Timestamp  time.Time `json:"timestamp"`
}

// WindowStats aggregates cost records over one trailing window.
type WindowStats struct {
	Count     int     `json:"count"`
	TotalCost float64 `json:"totalCost"`
}

// CostStats is the windowed view returned by Stats.
type CostStats struct {
	Total   WindowStats `json:"total"`
	Last24h WindowStats `json:"last24h"`
	Last7d  WindowStats `json:"last7d"`
}

// CostTracker keeps an append-only log of per-request costs. Records are
// never mutated; windowed aggregation is computed at read time. Safe for
// concurrent Record calls from multiple in-flight requests.
type CostTracker struct {
	mu      sync.Mutex
	records []Cost
	now     func() time.Time
	metrics *Metrics
}

// CostTrackerOption configures a CostTracker.
type CostTrackerOption func(*CostTracker)

// WithCostMetrics attaches a metrics collector.
func WithCostMetrics(m *Metrics) CostTrackerOption {
	return func(t *CostTracker) { t.metrics = m }
}

func withCostClock(now func() time.Time) CostTrackerOption {
	return func(t *CostTracker) { t.now = now }
}

// NewCostTracker creates an empty tracker.
func NewCostTracker(opts ...CostTrackerOption) *CostTracker {
	t := &CostTracker{now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record appends a cost record. A zero timestamp is stamped with now.
func (t *CostTracker) Record(c Cost) {
	if c.Timestamp.IsZero() {
		c.Timestamp = t.now()
	}
	t.mu.Lock()
	t.records = append(t.records, c)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RecordCost(c.Total)
	}
}

// Stats aggregates the log into all-time, last-24h and last-7d windows.
func (t *CostTracker) Stats() CostStats {
	now := t.now()
	dayCutoff := now.Add(-24 * time.Hour)
	weekCutoff := now.Add(-7 * 24 * time.Hour)

	t.mu.Lock()
	defer t.mu.Unlock()

	var stats CostStats
	for _, r := range t.records {
		stats.Total.Count++
		stats.Total.TotalCost += r.Total
		if r.Timestamp.After(dayCutoff) {
			stats.Last24h.Count++
			stats.Last24h.TotalCost += r.Total
		}
		if r.Timestamp.After(weekCutoff) {
			stats.Last7d.Count++
			stats.Last7d.TotalCost += r.Total
		}
	}
	return stats
}

// Reset drops the entire log. The only way records are ever removed.
func (t *CostTracker) Reset() {
	t.mu.Lock()
	t.records = nil
	t.mu.Unlock()
}
