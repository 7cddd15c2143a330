// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// Operation names for the collector.
const (
	OpUpstreamStream = "upstream_stream"
	OpUpstreamOnce   = "upstream_once"
	OpEnrichment     = "enrichment"
	OpStoreAppend    = "store_append"
	OpStoreQuery     = "store_query"
	OpTurn           = "turn"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	TotalTimeMs int64   `json:"totalTimeMs"`
	AvgTimeMs   float64 `json:"avgTimeMs"`
	MinTimeMs   int64   `json:"minTimeMs"`
	MaxTimeMs   int64   `json:"maxTimeMs"`
}

// Snapshot represents the full server statistics at a point in time.
type Snapshot struct {
	UptimeSeconds  float64                       `json:"uptimeSeconds"`
	ActiveSessions int64                         `json:"activeConnections"`
	Operations     map[string]*OperationSnapshot `json:"operations"`
}

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu          sync.RWMutex
	startTime   time.Time
	activeConns int64
	ops         map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// ConnOpened increments the live connection gauge.
func (c *Collector) ConnOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeConns++
}

// ConnClosed decrements the live connection gauge.
func (c *Collector) ConnClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeConns--
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}
	return &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ops := make(map[string]*OperationSnapshot, len(c.ops))
	for name, m := range c.ops {
		if snap := snapshotOp(m); snap != nil {
			ops[name] = snap
		}
	}

	return Snapshot{
		UptimeSeconds:  time.Since(c.startTime).Seconds(),
		ActiveSessions: c.activeConns,
		Operations:     ops,
	}
}
