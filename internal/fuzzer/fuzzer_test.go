package fuzzer

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"trifuzz/config"
	"trifuzz/internal/corpus"
	"trifuzz/internal/covchan"
	"trifuzz/internal/coverage"
	"trifuzz/internal/executor"
	"trifuzz/internal/sched"
	"trifuzz/internal/stats"
	"trifuzz/pkg/watchdog"
)

// TestHelperProcess doubles as the instrumented target: it reads stdin,
// records a two-edge trace whose shape depends on the first byte's parity,
// and, when the input starts with "AB", appends a third edge and aborts.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	input, _ := io.ReadAll(os.Stdin)
	writeHelperTrace(input)
	if bytes.HasPrefix(input, []byte("AB")) {
		unix.Kill(os.Getpid(), unix.SIGABRT)
		time.Sleep(time.Second)
	}
	os.Exit(0)
}

func writeHelperTrace(input []byte) {
	f, err := os.OpenFile(os.Getenv(covchan.EnvShmPath), os.O_RDWR, 0)
	if err != nil {
		return
	}
	defer f.Close()

	var edges []uint32
	if len(input) == 0 || input[0]%2 == 0 {
		edges = []uint32{0x00010002, 0x00020003}
	} else {
		edges = []uint32{0x00010004, 0x00040005}
	}
	if bytes.HasPrefix(input, []byte("AB")) {
		edges = append(edges, 0x0005ffff)
	}

	buf := make([]byte, 4*len(edges))
	for i, e := range edges {
		binary.NativeEndian.PutUint32(buf[i*4:], e)
	}
	f.WriteAt(buf, 12)

	count := make([]byte, 4)
	binary.NativeEndian.PutUint32(count, uint32(len(edges)))
	f.WriteAt(count, 8)
}

func newTestFuzzer(t *testing.T) *Fuzzer {
	t.Helper()

	inputDir := filepath.Join(t.TempDir(), "seeds")
	if err := os.MkdirAll(inputDir, 0755); err != nil {
		t.Fatal(err)
	}

	cfg := &config.AppConfig{
		InputDir:  inputDir,
		OutputDir: t.TempDir(),
		Tracked:   []config.MetricKind{config.MetricBlock, config.MetricEdge, config.MetricPath},
		Feedback:  []config.MetricKind{config.MetricEdge},
		TargetCmd: []string{os.Args[0], "-test.run=^TestHelperProcess$"},
		InputMode: config.ModeStdin,
		Timeout:   5 * time.Second,
		Grace:     200 * time.Millisecond,
	}

	channel, err := covchan.Create(filepath.Join(t.TempDir(), "shm.bin"), 4096, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create coverage channel: %v", err)
	}
	t.Cleanup(func() { channel.Close() })

	// Must be in the environment before the executor snapshots it.
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	exec, err := executor.New(cfg, channel, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	corp, err := corpus.New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create corpus: %v", err)
	}

	return &Fuzzer{
		cfg:       cfg,
		logger:    zap.NewNop(),
		observer:  coverage.NewObserver(cfg, zap.NewNop()),
		exec:      exec,
		corpus:    corp,
		scheduler: sched.NewScheduler(&config.AppConfig{RandSeed: 1}, zap.NewNop()),
		collector: stats.NewCollector(),
		watchdogs: watchdog.NewFactory(zap.NewNop()),
		importCh:  make(chan string, 8),
		done:      make(chan struct{}),
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// One pipeline walk over the branchy helper target: both branches end up in
// the queue, repeats are not re-admitted, crashes land in crashes/ only.
func TestPipelineAdmissionAndCrashIsolation(t *testing.T) {
	f := newTestFuzzer(t)
	ctx := context.Background()

	if err := f.admitInitial(ctx, "s0", []byte{0x00}); err != nil {
		t.Fatalf("initial seed failed: %v", err)
	}
	queueDir := filepath.Join(f.cfg.OutputDir, "queue")
	if got := listDir(t, queueDir); len(got) != 1 {
		t.Fatalf("queue after initial seed: want 1 file, got %v", got)
	}

	parent := f.corpus.NextSeed()
	if parent == nil {
		t.Fatal("corpus handed out no seed")
	}

	// The odd branch is new edge coverage: admitted.
	if err := f.cycle(ctx, parent, []byte{0x01}); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if got := listDir(t, queueDir); len(got) != 2 {
		t.Fatalf("queue after odd branch: want 2 files, got %v", got)
	}

	// The same branch again: measured, not admitted.
	if err := f.cycle(ctx, parent, []byte{0x03}); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if got := listDir(t, queueDir); len(got) != 2 {
		t.Fatalf("queue after repeat: still want 2 files, got %v", got)
	}

	// Both branch source blocks plus the entry block are cumulative.
	counts := f.observer.Snapshot()
	if counts[config.MetricBlock].Count < 3 {
		t.Errorf("block count after both branches: want >= 3, got %d",
			counts[config.MetricBlock].Count)
	}
	if counts[config.MetricEdge].Count != 4 {
		t.Errorf("edge count: want 4, got %d", counts[config.MetricEdge].Count)
	}
	if counts[config.MetricPath].Count != 2 {
		t.Errorf("path count: want 2, got %d", counts[config.MetricPath].Count)
	}

	// A crashing input goes to crashes/, never to the queue, even though
	// its trace carries a novel edge.
	if err := f.cycle(ctx, parent, []byte("ABCD")); err != nil {
		t.Fatalf("crash cycle failed: %v", err)
	}
	crashes := listDir(t, filepath.Join(f.cfg.OutputDir, "crashes"))
	if len(crashes) != 1 {
		t.Fatalf("crashes dir: want 1 file, got %v", crashes)
	}
	if !strings.Contains(crashes[0], "sig:6") {
		t.Errorf("crash file should name SIGABRT: %q", crashes[0])
	}
	if got := listDir(t, queueDir); len(got) != 2 {
		t.Errorf("crashing input leaked into the queue: %v", got)
	}

	snap := f.collector.Snapshot()
	if snap.CrashCount != 1 {
		t.Errorf("crash counter: want 1, got %d", snap.CrashCount)
	}
	if snap.TotalExecutions != 4 {
		t.Errorf("exec counter: want 4, got %d", snap.TotalExecutions)
	}
}

// A constant-path target under path feedback stops producing admissions
// after the first execution.
func TestConstantTargetConvergesUnderPathFeedback(t *testing.T) {
	f := newTestFuzzer(t)
	f.cfg.Feedback = []config.MetricKind{config.MetricPath}
	ctx := context.Background()

	if err := f.admitInitial(ctx, "s0", []byte{0x02}); err != nil {
		t.Fatalf("initial seed failed: %v", err)
	}
	parent := f.corpus.NextSeed()

	// All even inputs take the identical path.
	for _, b := range []byte{0x04, 0x06, 0x08} {
		if err := f.cycle(ctx, parent, []byte{b}); err != nil {
			t.Fatalf("cycle failed: %v", err)
		}
	}

	counts := f.observer.Snapshot()
	if counts[config.MetricPath].Count != 1 {
		t.Errorf("path count must stay 1, got %d", counts[config.MetricPath].Count)
	}
	if f.corpus.Size() != 1 {
		t.Errorf("no further admissions expected, corpus size %d", f.corpus.Size())
	}
}

func TestCommandNoteRecordsStartTime(t *testing.T) {
	f := newTestFuzzer(t)
	if err := f.writeCommandNote(); err != nil {
		t.Fatalf("command note failed: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(f.cfg.OutputDir, "command.txt"))
	if err != nil {
		t.Fatalf("command.txt missing: %v", err)
	}
	if !strings.Contains(string(raw), "Started at:") {
		t.Errorf("command note lacks start timestamp: %q", raw)
	}
}
