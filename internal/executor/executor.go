// Package executor runs the target binary once per input under controlled
// I/O and signal discipline.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"trifuzz/config"
	"trifuzz/internal/covchan"
	"trifuzz/internal/types"
	"trifuzz/internal/utils"
)

// crashSignals are the terminations treated as crashes. Anything else a
// signal kills the target with is logged and classified Normal.
var crashSignals = map[syscall.Signal]struct{}{
	unix.SIGSEGV: {},
	unix.SIGABRT: {},
	unix.SIGBUS:  {},
}

// Executor spawns the target per input. It owns the FileAt staging path
// and the reset/snapshot discipline around the coverage region.
type Executor struct {
	cfg     *config.AppConfig
	channel *covchan.Channel
	logger  *zap.Logger

	// inputPath is where FileAt inputs land; substituted for the first
	// @@ marker in the target argument list.
	inputPath string
	childEnv  []string
}

func New(cfg *config.AppConfig, channel *covchan.Channel, logger *zap.Logger) (*Executor, error) {
	inputPath, err := filepath.Abs(filepath.Join(cfg.OutputDir, ".cur_input"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve input staging path: %w", err)
	}
	return &Executor{
		cfg:       cfg,
		channel:   channel,
		logger:    logger,
		inputPath: inputPath,
		childEnv:  append(os.Environ(), channel.Env()...),
	}, nil
}

// Run executes the target once with the given input. The sequence is
// strictly reset -> spawn -> wait -> snapshot. A spawn failure returns an
// error and the mutant should be skipped; every other target behavior is
// data, reported through the outcome.
func (e *Executor) Run(ctx context.Context, input []byte) (*types.RunOutcome, error) {
	e.channel.Reset()

	argv, err := e.buildArgs(input)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = e.childEnv
	cmd.Stdout = nil // discarded
	cmd.Stderr = nil
	if e.cfg.InputMode == config.ModeStdin {
		cmd.Stdin = bytes.NewReader(input)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn target: %w", err)
	}

	waitErr, timedOut := e.wait(ctx, cmd)
	duration := time.Since(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	outcome := &types.RunOutcome{
		Duration: duration,
		Trace:    e.channel.Snapshot(),
	}
	if timedOut {
		outcome.Class = types.ExitTimeout
		return outcome, nil
	}

	outcome.Class, outcome.Signal = e.classify(waitErr)
	return outcome, nil
}

// wait blocks until the child exits, escalating after the per-run timeout:
// SIGTERM first, unconditional SIGKILL once the grace period lapses.
// Context cancellation kills the child immediately.
func (e *Executor) wait(ctx context.Context, cmd *exec.Cmd) (waitErr error, timedOut bool) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(e.cfg.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err, false

	case <-ctx.Done():
		cmd.Process.Kill()
		return <-done, false

	case <-timer.C:
		cmd.Process.Signal(unix.SIGTERM)
		grace := time.NewTimer(e.cfg.Grace)
		defer grace.Stop()
		select {
		case err := <-done:
			return err, true
		case <-ctx.Done():
			cmd.Process.Kill()
			return <-done, true
		case <-grace.C:
			cmd.Process.Kill()
			return <-done, true
		}
	}
}

// classify maps the wait result onto the exit classes. Natural exits are
// Normal whatever the code; only SIGSEGV, SIGABRT and SIGBUS count as
// crashes, matching the signal set the region's instrumentation survives.
func (e *Executor) classify(waitErr error) (types.ExitClass, int) {
	if waitErr == nil {
		return types.ExitNormal, 0
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		// Wait itself failed; treat as a normal exit and keep going.
		e.logger.Warn("failed to reap target", zap.Error(waitErr))
		return types.ExitNormal, 0
	}

	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return types.ExitNormal, 0
	}

	sig := status.Signal()
	if _, crash := crashSignals[sig]; crash {
		return types.ExitCrash, int(sig)
	}
	e.logger.Warn("target terminated by unhandled signal",
		zap.String("signal", sig.String()))
	return types.ExitNormal, 0
}

// buildArgs substitutes the first @@ marker with the staged input path. In
// FileAt mode the input is published atomically before the child starts.
func (e *Executor) buildArgs(input []byte) ([]string, error) {
	if e.cfg.InputMode == config.ModeStdin {
		return e.cfg.TargetCmd, nil
	}

	if err := utils.WriteFileAtomic(e.inputPath, input, 0644); err != nil {
		return nil, fmt.Errorf("failed to stage target input: %w", err)
	}

	argv := make([]string, len(e.cfg.TargetCmd))
	copy(argv, e.cfg.TargetCmd)
	for i, arg := range argv {
		if arg == config.InputMarker {
			argv[i] = e.inputPath
			break
		}
	}
	return argv, nil
}
