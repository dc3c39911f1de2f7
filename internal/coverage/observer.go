package coverage

import (
	"go.uber.org/zap"

	"trifuzz/config"
	"trifuzz/internal/types"
)

// Report maps each tracked metric to its observation for one trace.
type Report map[config.MetricKind]Observation

// Novel reports whether any of the given metrics saw new coverage, and
// which one. Ties resolve in block > edge > path order, the same fixed
// order the metrics are evaluated in.
func (r Report) Novel(metrics []config.MetricKind) (config.MetricKind, bool) {
	for _, preferred := range []config.MetricKind{config.MetricBlock, config.MetricEdge, config.MetricPath} {
		for _, m := range metrics {
			if m != preferred {
				continue
			}
			if obs, ok := r[m]; ok && obs.Novel {
				return m, true
			}
		}
	}
	return "", false
}

// CountSample is one metric's cumulative cardinality plus a bounded sample
// of recently admitted elements.
type CountSample struct {
	Count  int      `json:"count"`
	Sample []uint64 `json:"sample"`
}

// Counts is a stats-facing snapshot of the cumulative sets.
type Counts map[config.MetricKind]CountSample

// Observer decodes traces into the tracked metric sets and keeps the
// cumulative state. Observe is the sole mutator; it must only be called
// from the fuzzing loop.
type Observer struct {
	metrics []Metric
	logger  *zap.Logger
}

func NewObserver(cfg *config.AppConfig, logger *zap.Logger) *Observer {
	metrics := make([]Metric, 0, len(cfg.Tracked))
	for _, kind := range cfg.Tracked {
		metrics = append(metrics, newMetric(kind))
	}
	return &Observer{metrics: metrics, logger: logger}
}

// Observe folds one trace into every tracked metric and reports, per
// metric, the run's set size and novelty.
func (o *Observer) Observe(tr *types.Trace) Report {
	report := make(Report, len(o.metrics))
	for _, m := range o.metrics {
		report[m.Kind()] = m.Update(tr)
	}
	return report
}

// Snapshot returns the cumulative cardinalities for stats. Safe to copy
// around; the maps inside are fresh.
func (o *Observer) Snapshot() Counts {
	counts := make(Counts, len(o.metrics))
	for _, m := range o.metrics {
		counts[m.Kind()] = CountSample{Count: m.Count(), Sample: m.Sample()}
	}
	return counts
}
