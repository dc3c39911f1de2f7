package stats

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"trifuzz/config"
)

// Writer persists snapshots under <output>/stats/ on the configured
// cadence: fuzzer_log.json (array of records), progress_data.csv (same
// fields, tabular) and coverage_<timestamp>.json set dumps.
type Writer struct {
	cfg       *config.AppConfig
	collector *Collector
	logger    *zap.Logger

	statsDir string
	done     chan struct{}
}

func NewWriter(lc fx.Lifecycle, cfg *config.AppConfig, collector *Collector, logger *zap.Logger) (*Writer, error) {
	statsDir := filepath.Join(cfg.OutputDir, "stats")
	if err := os.MkdirAll(statsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stats directory: %w", err)
	}

	w := &Writer{
		cfg:       cfg,
		collector: collector,
		logger:    logger,
		statsDir:  statsDir,
		done:      make(chan struct{}),
	}

	writerCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go w.run(writerCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			<-w.done
			// Flush a final record so an interrupted campaign still
			// ends with up-to-date stats on disk.
			w.writeOnce()
			return nil
		},
	})
	return w, nil
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.StatsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.writeOnce()
		}
	}
}

// writeOnce samples the collector and updates all three outputs. I/O
// failures are logged; stats must never stop the fuzzer.
func (w *Writer) writeOnce() {
	snap := w.collector.Snapshot()

	if err := w.appendSummary(snap); err != nil {
		w.logger.Error("failed to update fuzzer_log.json", zap.Error(err))
	}
	if err := w.appendCSV(snap); err != nil {
		w.logger.Error("failed to update progress_data.csv", zap.Error(err))
	}
	if err := w.dumpCoverage(snap); err != nil {
		w.logger.Error("failed to dump coverage sets", zap.Error(err))
	}
}

// appendSummary maintains fuzzer_log.json as a pretty-printed array of
// snapshot records.
func (w *Writer) appendSummary(snap Snapshot) error {
	path := filepath.Join(w.statsDir, "fuzzer_log.json")

	var records []json.RawMessage
	if raw, err := os.ReadFile(path); err == nil {
		// A corrupt log is replaced rather than fatal.
		json.Unmarshal(raw, &records)
	}

	rec, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	records = append(records, rec)

	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0644)
}

func (w *Writer) appendCSV(snap Snapshot) error {
	path := filepath.Join(w.statsDir, "progress_data.csv")

	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	kinds := w.sortedKinds(snap)
	if os.IsNotExist(statErr) {
		header := []string{"timestamp", "elapsed_seconds", "total_executions"}
		for _, k := range kinds {
			header = append(header, string(k)+"_count")
		}
		header = append(header, "crash_count", "timeout_count", "queue_size", "level")
		if err := cw.Write(header); err != nil {
			return err
		}
	}

	row := []string{
		snap.Timestamp.Format(time.RFC3339),
		strconv.FormatUint(snap.ElapsedSeconds, 10),
		strconv.FormatUint(snap.TotalExecutions, 10),
	}
	for _, k := range kinds {
		row = append(row, strconv.Itoa(snap.Coverage[k]))
	}
	row = append(row,
		strconv.FormatUint(snap.CrashCount, 10),
		strconv.FormatUint(snap.TimeoutCount, 10),
		strconv.Itoa(snap.QueueSize),
		strconv.Itoa(snap.Level))
	if err := cw.Write(row); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// dumpCoverage writes each tracked cumulative set, abbreviated to its
// cardinality plus a bounded sample of recent elements.
func (w *Writer) dumpCoverage(snap Snapshot) error {
	if len(snap.sets) == 0 {
		return nil
	}
	name := fmt.Sprintf("coverage_%d.json", snap.Timestamp.Unix())
	out, err := json.MarshalIndent(snap.sets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.statsDir, name), out, 0644)
}

func (w *Writer) sortedKinds(snap Snapshot) []config.MetricKind {
	kinds := make([]config.MetricKind, 0, len(snap.Coverage))
	for k := range snap.Coverage {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
