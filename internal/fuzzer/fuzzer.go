// Package fuzzer is the single-threaded cooperative loop tying the
// subsystems together: select seed -> mutate -> execute -> observe ->
// consider, repeated until interrupted.
package fuzzer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"trifuzz/config"
	"trifuzz/internal/corpus"
	"trifuzz/internal/coverage"
	"trifuzz/internal/executor"
	"trifuzz/internal/sched"
	"trifuzz/internal/stats"
	"trifuzz/internal/types"
	"trifuzz/pkg/watchdog"
)

const heartbeatInterval = time.Second

type Fuzzer struct {
	cfg       *config.AppConfig
	logger    *zap.Logger
	observer  *coverage.Observer
	exec      *executor.Executor
	corpus    *corpus.Corpus
	scheduler *sched.Scheduler
	collector *stats.Collector
	watchdogs *watchdog.Factory
	shutdown  fx.Shutdowner

	importCh chan string
	lastBeat time.Time
	done     chan struct{}
}

type Params struct {
	fx.In

	Lc         fx.Lifecycle
	Cfg        *config.AppConfig
	Logger     *zap.Logger
	Observer   *coverage.Observer
	Executor   *executor.Executor
	Corpus     *corpus.Corpus
	Scheduler  *sched.Scheduler
	Collector  *stats.Collector
	Watchdogs  *watchdog.Factory
	Shutdowner fx.Shutdowner
}

// New wires the loop into the application lifecycle. The loop runs on its
// own goroutine from OnStart; OnStop cancels it, which also kills any child
// still executing.
func New(p Params) (*Fuzzer, error) {
	f := &Fuzzer{
		cfg:       p.Cfg,
		logger:    p.Logger,
		observer:  p.Observer,
		exec:      p.Executor,
		corpus:    p.Corpus,
		scheduler: p.Scheduler,
		collector: p.Collector,
		watchdogs: p.Watchdogs,
		shutdown:  p.Shutdowner,
		importCh:  make(chan string, 64),
		done:      make(chan struct{}),
	}

	if err := f.writeCommandNote(); err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go f.run(loopCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			<-f.done
			return nil
		},
	})
	return f, nil
}

// writeCommandNote records the literal invocation and the start timestamp
// at <output>/command.txt, once.
func (f *Fuzzer) writeCommandNote() error {
	path := filepath.Join(f.cfg.OutputDir, "command.txt")
	note := fmt.Sprintf("Fuzzing command:\n%s\n\nStarted at: %s\n",
		strings.Join(os.Args, " "),
		time.Now().Format("2006-01-02 15:04:05"))
	if err := os.WriteFile(path, []byte(note), 0644); err != nil {
		return fmt.Errorf("failed to write command note: %w", err)
	}
	return nil
}

func (f *Fuzzer) run(ctx context.Context) {
	defer close(f.done)

	if err := f.loadInitialSeeds(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		f.fatal("failed to load initial seeds", err)
		return
	}
	if f.corpus.Size() == 0 {
		f.fatal("no usable seeds in input directory", fmt.Errorf("empty corpus"))
		return
	}

	if err := f.watchInputDir(ctx); err != nil {
		f.logger.Warn("live seed import disabled", zap.Error(err))
	}

	f.logger.Info("entering fuzzing loop",
		zap.Int("corpus_size", f.corpus.Size()),
		zap.Strings("target", f.cfg.TargetCmd))

	for ctx.Err() == nil {
		f.drainImports(ctx)

		seed := f.corpus.NextSeed()
		energy := f.scheduler.Energy(seed)
		f.logger.Debug("fuzzing seed",
			zap.String("file", seed.FileName),
			zap.Int("level", seed.Level),
			zap.Int("energy", energy))

		for i := 0; i < energy && ctx.Err() == nil; i++ {
			child := f.scheduler.Mutate(seed.Data)
			if err := f.cycle(ctx, seed, child); err != nil {
				if ctx.Err() != nil {
					return
				}
				f.fatal("fuzzing loop halted", err)
				return
			}
		}
	}
}

// cycle runs one input through execute -> observe -> consider. Spawn
// failures skip the mutant; only unrecoverable store failures propagate.
func (f *Fuzzer) cycle(ctx context.Context, parent *types.Seed, data []byte) error {
	outcome, err := f.exec.Run(ctx, data)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		f.collector.RecordSpawnFailure()
		f.logger.Error("failed to run mutant, skipping", zap.Error(err))
		return nil
	}

	report := f.observer.Observe(outcome.Trace)
	f.collector.RecordExec(outcome)

	var storeErr error
	switch outcome.Class {
	case types.ExitCrash:
		storeErr = f.corpus.RecordCrash(data, outcome)
	case types.ExitNormal:
		_, storeErr = f.corpus.Consider(parent, data, outcome, report)
	case types.ExitTimeout:
		// counted, never admitted
	}
	if storeErr != nil {
		return storeErr
	}

	f.publish()
	f.heartbeat()
	return nil
}

// admitInitial runs a seed-directory input once to populate cumulative
// coverage, then admits it unconditionally at level 0.
func (f *Fuzzer) admitInitial(ctx context.Context, name string, data []byte) error {
	outcome, err := f.exec.Run(ctx, data)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		f.logger.Error("failed to run initial seed, skipping",
			zap.String("seed", name), zap.Error(err))
		return nil
	}

	report := f.observer.Observe(outcome.Trace)
	f.collector.RecordExec(outcome)

	if outcome.Class == types.ExitCrash {
		f.logger.Warn("initial seed crashes the target",
			zap.String("seed", name), zap.Int("signal", outcome.Signal))
	}
	if _, novel := report.Novel(f.cfg.Feedback); !novel {
		f.logger.Warn("initial seed triggers no new coverage",
			zap.String("seed", name))
	}

	if _, err := f.corpus.AddInitial(data); err != nil {
		return err
	}
	f.publish()
	return nil
}

func (f *Fuzzer) loadInitialSeeds(ctx context.Context) error {
	entries, err := os.ReadDir(f.cfg.InputDir)
	if err != nil {
		return fmt.Errorf("failed to read input directory: %w", err)
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !entry.Type().IsRegular() {
			f.logger.Warn("skipping non-regular seed entry",
				zap.String("name", entry.Name()))
			continue
		}
		path := filepath.Join(f.cfg.InputDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			f.logger.Error("failed to read seed file, skipping",
				zap.String("path", path), zap.Error(err))
			continue
		}
		if err := f.admitInitial(ctx, entry.Name(), data); err != nil {
			return err
		}
	}
	return nil
}

// watchInputDir starts live seed import: files dropped into the input
// directory after startup go through the same execute/observe/admit
// pipeline, between loop iterations.
func (f *Fuzzer) watchInputDir(ctx context.Context) error {
	watcher, err := f.watchdogs.New(ctx, f.importCh, func(path string) bool {
		info, err := os.Stat(path)
		return err == nil && info.Mode().IsRegular()
	})
	if err != nil {
		return err
	}
	return watcher.AddDir(f.cfg.InputDir)
}

func (f *Fuzzer) drainImports(ctx context.Context) {
	for {
		select {
		case path, ok := <-f.importCh:
			if !ok {
				return
			}
			data, err := os.ReadFile(path)
			if err != nil {
				f.logger.Error("failed to read imported seed",
					zap.String("path", path), zap.Error(err))
				continue
			}
			f.logger.Info("importing live seed", zap.String("path", path))
			if err := f.admitInitial(ctx, filepath.Base(path), data); err != nil {
				f.logger.Error("failed to import live seed", zap.Error(err))
			}
		default:
			return
		}
	}
}

func (f *Fuzzer) publish() {
	f.collector.Publish(f.corpus.Size(), f.corpus.CurrentLevel(), f.observer.Snapshot())
}

// heartbeat logs a 1 Hz status line, independent of the stats cadence.
func (f *Fuzzer) heartbeat() {
	if time.Since(f.lastBeat) < heartbeatInterval {
		return
	}
	f.lastBeat = time.Now()

	snap := f.collector.Snapshot()
	elapsed := f.collector.Elapsed().Seconds()
	execsPerSec := 0.0
	if elapsed > 0 {
		execsPerSec = float64(snap.TotalExecutions) / elapsed
	}
	f.logger.Info("status",
		zap.Uint64("execs", snap.TotalExecutions),
		zap.Float64("execs_per_sec", execsPerSec),
		zap.Int("queue", snap.QueueSize),
		zap.Int("level", snap.Level),
		zap.Uint64("crashes", snap.CrashCount),
		zap.Uint64("timeouts", snap.TimeoutCount),
		zap.Any("coverage", snap.Coverage))
}

func (f *Fuzzer) fatal(msg string, err error) {
	f.logger.Error(msg, zap.Error(err))
	f.shutdown.Shutdown(fx.ExitCode(1))
}
