// Package stats samples runtime counters and cumulative coverage on a
// fixed wall-clock cadence. Observational only; nothing here feeds back
// into scheduling or admission.
package stats

import (
	"sync"
	"time"

	"trifuzz/config"
	"trifuzz/internal/coverage"
	"trifuzz/internal/types"
)

// Collector is the mutex-protected meeting point between the fuzzing loop
// (which publishes) and the writer goroutine (which samples). The loop
// never shares the observer itself, so the no-concurrent-observers rule
// holds.
type Collector struct {
	mu sync.Mutex

	start      time.Time
	execs      uint64
	crashes    uint64
	timeouts   uint64
	spawnFails uint64
	queueSize  int
	level      int
	coverage   coverage.Counts
}

// Snapshot is one sampled record, shaped for fuzzer_log.json and the CSV.
type Snapshot struct {
	Timestamp       time.Time                        `json:"timestamp"`
	ElapsedSeconds  uint64                           `json:"elapsed_seconds"`
	TotalExecutions uint64                           `json:"total_executions"`
	Coverage        map[config.MetricKind]int        `json:"coverage_count"`
	CrashCount      uint64                           `json:"crash_count"`
	TimeoutCount    uint64                           `json:"timeout_count"`
	QueueSize       int                              `json:"queue_size"`
	Level           int                              `json:"level"`
	sets            coverage.Counts
}

func NewCollector() *Collector {
	return &Collector{start: time.Now()}
}

// RecordExec counts one execution and its classification.
func (c *Collector) RecordExec(outcome *types.RunOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs++
	switch outcome.Class {
	case types.ExitCrash:
		c.crashes++
	case types.ExitTimeout:
		c.timeouts++
	}
}

// RecordSpawnFailure counts a mutant that could not be launched.
func (c *Collector) RecordSpawnFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spawnFails++
}

// Publish refreshes the queue/level/coverage view after an iteration.
func (c *Collector) Publish(queueSize, level int, counts coverage.Counts) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueSize = queueSize
	c.level = level
	c.coverage = counts
}

// Snapshot samples the current state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	covCounts := make(map[config.MetricKind]int, len(c.coverage))
	for kind, cs := range c.coverage {
		covCounts[kind] = cs.Count
	}
	return Snapshot{
		Timestamp:       now,
		ElapsedSeconds:  uint64(now.Sub(c.start) / time.Second),
		TotalExecutions: c.execs,
		Coverage:        covCounts,
		CrashCount:      c.crashes,
		TimeoutCount:    c.timeouts,
		QueueSize:       c.queueSize,
		Level:           c.level,
		sets:            c.coverage,
	}
}

// Execs returns the running execution total.
func (c *Collector) Execs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.execs
}

// Elapsed is the wall-clock time since the collector was created.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.start)
}
