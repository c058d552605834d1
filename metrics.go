package ivfgo

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/ivfgo/index"
)

// MetricsCollector receives operation metrics from a Dataset.
// Implementations must be safe for concurrent use.
type MetricsCollector interface {
	// RecordBuild records an index build with its duration.
	RecordBuild(kind index.Kind, duration time.Duration, err error)

	// RecordSearch records a vector search with its duration.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordFilter records a scalar filter query with its duration.
	RecordFilter(duration time.Duration, err error)

	// RecordDrop records an index drop.
	RecordDrop(err error)

	// SetReadyIndexes records the current number of ready indexes.
	SetReadyIndexes(n int)
}

// NoopMetricsCollector discards all metrics. It is the default.
type NoopMetricsCollector struct{}

// RecordBuild implements MetricsCollector.
func (NoopMetricsCollector) RecordBuild(index.Kind, time.Duration, error) {}

// RecordSearch implements MetricsCollector.
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error) {}

// RecordFilter implements MetricsCollector.
func (NoopMetricsCollector) RecordFilter(time.Duration, error) {}

// RecordDrop implements MetricsCollector.
func (NoopMetricsCollector) RecordDrop(error) {}

// SetReadyIndexes implements MetricsCollector.
func (NoopMetricsCollector) SetReadyIndexes(int) {}

// BasicMetricsCollector counts operations with atomic counters. Use
// Snapshot to read a consistent view.
type BasicMetricsCollector struct {
	buildCount  atomic.Int64
	buildErrors atomic.Int64
	buildNanos  atomic.Int64

	searchCount  atomic.Int64
	searchErrors atomic.Int64
	searchNanos  atomic.Int64

	filterCount  atomic.Int64
	filterErrors atomic.Int64
	filterNanos  atomic.Int64

	dropCount  atomic.Int64
	dropErrors atomic.Int64

	readyIndexes atomic.Int64
}

// NewBasicMetricsCollector creates a zeroed collector.
func NewBasicMetricsCollector() *BasicMetricsCollector {
	return &BasicMetricsCollector{}
}

// RecordBuild implements MetricsCollector.
func (c *BasicMetricsCollector) RecordBuild(_ index.Kind, duration time.Duration, err error) {
	c.buildCount.Add(1)
	c.buildNanos.Add(int64(duration))
	if err != nil {
		c.buildErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (c *BasicMetricsCollector) RecordSearch(_ int, duration time.Duration, err error) {
	c.searchCount.Add(1)
	c.searchNanos.Add(int64(duration))
	if err != nil {
		c.searchErrors.Add(1)
	}
}

// RecordFilter implements MetricsCollector.
func (c *BasicMetricsCollector) RecordFilter(duration time.Duration, err error) {
	c.filterCount.Add(1)
	c.filterNanos.Add(int64(duration))
	if err != nil {
		c.filterErrors.Add(1)
	}
}

// RecordDrop implements MetricsCollector.
func (c *BasicMetricsCollector) RecordDrop(err error) {
	c.dropCount.Add(1)
	if err != nil {
		c.dropErrors.Add(1)
	}
}

// SetReadyIndexes implements MetricsCollector.
func (c *BasicMetricsCollector) SetReadyIndexes(n int) {
	c.readyIndexes.Store(int64(n))
}

// MetricsSnapshot is a point-in-time view of a BasicMetricsCollector.
type MetricsSnapshot struct {
	BuildCount    int64
	BuildErrors   int64
	BuildDuration time.Duration

	SearchCount    int64
	SearchErrors   int64
	SearchDuration time.Duration

	FilterCount    int64
	FilterErrors   int64
	FilterDuration time.Duration

	DropCount  int64
	DropErrors int64

	ReadyIndexes int64
}

// Snapshot returns the current counter values.
func (c *BasicMetricsCollector) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		BuildCount:    c.buildCount.Load(),
		BuildErrors:   c.buildErrors.Load(),
		BuildDuration: time.Duration(c.buildNanos.Load()),

		SearchCount:    c.searchCount.Load(),
		SearchErrors:   c.searchErrors.Load(),
		SearchDuration: time.Duration(c.searchNanos.Load()),

		FilterCount:    c.filterCount.Load(),
		FilterErrors:   c.filterErrors.Load(),
		FilterDuration: time.Duration(c.filterNanos.Load()),

		DropCount:  c.dropCount.Load(),
		DropErrors: c.dropErrors.Load(),

		ReadyIndexes: c.readyIndexes.Load(),
	}
}
