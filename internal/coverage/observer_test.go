package coverage

import (
	"testing"

	"go.uber.org/zap"

	"trifuzz/config"
	"trifuzz/internal/types"
)

func allMetricsObserver() *Observer {
	cfg := &config.AppConfig{
		Tracked: []config.MetricKind{config.MetricBlock, config.MetricEdge, config.MetricPath},
	}
	return NewObserver(cfg, zap.NewNop())
}

func TestObserveReportsAllTracked(t *testing.T) {
	o := allMetricsObserver()

	report := o.Observe(trace(0x00010002, 0x00020003))
	for _, kind := range []config.MetricKind{config.MetricBlock, config.MetricEdge, config.MetricPath} {
		obs, ok := report[kind]
		if !ok {
			t.Fatalf("missing observation for %s", kind)
		}
		if !obs.Novel {
			t.Errorf("%s should be novel on the first trace", kind)
		}
	}
}

// Feedback restriction only filters the report; it never changes what the
// cumulative sets record.
func TestTrackingWithoutFeedback(t *testing.T) {
	o := allMetricsObserver()
	o.Observe(trace(1, 2))

	// A reordering of the same edges: path-novel only.
	report := o.Observe(trace(2, 1))

	if _, novel := report.Novel([]config.MetricKind{config.MetricBlock}); novel {
		t.Error("block-only feedback should see no novelty")
	}
	if _, novel := report.Novel([]config.MetricKind{config.MetricBlock, config.MetricEdge}); novel {
		t.Error("block+edge feedback should see no novelty")
	}
	kind, novel := report.Novel([]config.MetricKind{config.MetricBlock, config.MetricEdge, config.MetricPath})
	if !novel || kind != config.MetricPath {
		t.Errorf("path feedback should report novelty, got (%s, %v)", kind, novel)
	}

	// The cumulative path set grew regardless of any feedback choice.
	counts := o.Snapshot()
	if counts[config.MetricPath].Count != 2 {
		t.Errorf("cumulative path count: want 2, got %d", counts[config.MetricPath].Count)
	}
}

func TestNovelPrefersBlockOverEdgeOverPath(t *testing.T) {
	o := allMetricsObserver()
	report := o.Observe(trace(0x00010002))

	kind, novel := report.Novel([]config.MetricKind{config.MetricPath, config.MetricEdge, config.MetricBlock})
	if !novel || kind != config.MetricBlock {
		t.Errorf("expected block to win the tie, got %s", kind)
	}
}

func TestSnapshotCounts(t *testing.T) {
	o := allMetricsObserver()
	o.Observe(trace(0x00010002, 0x00020003))
	o.Observe(trace(0x00010002))

	counts := o.Snapshot()
	if counts[config.MetricBlock].Count != 3 { // entry, 1, 2
		t.Errorf("block count: want 3, got %d", counts[config.MetricBlock].Count)
	}
	if counts[config.MetricEdge].Count != 2 {
		t.Errorf("edge count: want 2, got %d", counts[config.MetricEdge].Count)
	}
	if counts[config.MetricPath].Count != 2 {
		t.Errorf("path count: want 2, got %d", counts[config.MetricPath].Count)
	}
}

func TestEmptyTraceObservation(t *testing.T) {
	o := allMetricsObserver()
	report := o.Observe(&types.Trace{Truncated: true})

	if report[config.MetricBlock].Novel || report[config.MetricEdge].Novel {
		t.Error("empty trace must not contribute blocks or edges")
	}
	// The empty path is still a path.
	if !report[config.MetricPath].Novel {
		t.Error("first empty path should be path-novel")
	}
}
