package main

import (
	"trifuzz/config"
	"trifuzz/internal/corpus"
	"trifuzz/internal/covchan"
	"trifuzz/internal/coverage"
	"trifuzz/internal/executor"
	"trifuzz/internal/fuzzer"
	"trifuzz/internal/sched"
	"trifuzz/internal/stats"
	"trifuzz/pkg/logger"
	"trifuzz/pkg/watchdog"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.LoadConfig,    // inject config
			logger.NewLogger,     // inject logger
			covchan.New,          // inject coverage channel
			coverage.NewObserver, // inject coverage observer
			executor.New,         // inject target executor
			corpus.New,           // inject corpus
			sched.NewScheduler,   // inject scheduler/mutator
			stats.NewCollector,   // inject stats collector
			watchdog.NewFactory,  // inject watchdog factory
		),
		fx.Invoke(
			stats.NewWriter, // periodic stats writer
			fuzzer.New,      // the fuzzing loop
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)
	app.Run()
}
