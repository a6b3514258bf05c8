// Package proc runs external scanning tools under supervision: line-wise
// output streaming, per-process timeouts with terminate-then-kill
// escalation, and cooperative pause/stop shared by every child the
// supervisor tracks.
package proc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/faults"
)

const (
	// pausePoll bounds how long a reader keeps consuming after the pause
	// flag is set.
	pausePoll = 100 * time.Millisecond

	// killGrace is the window between terminate and force-kill.
	killGrace = 5 * time.Second

	// maxLine accommodates tool JSONL records; nuclei matches with
	// embedded evidence routinely exceed the scanner default.
	maxLine = 10 * 1024 * 1024
)

// Spec describes one external command invocation. Exactly one of Argv or
// Line must be set: Argv carries pre-validated tokens, Line is a vetted
// command string tokenised under POSIX quoting rules.
type Spec struct {
	Argv     []string
	Line     string
	Timeout  time.Duration
	Env      []string
	Dir      string
	Stdin    []byte
	OnStdout func(line string)
	OnStderr func(line string)
	Tag      string
}

// Result contains the outcome of a supervised execution
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Supervisor tracks the children of one scan. Pause throttles output
// consumption for every tracked child; Stop terminates them all.
type Supervisor struct {
	log     *zap.Logger
	paused  atomic.Bool
	stopped atomic.Bool

	mu       sync.Mutex
	children map[*exec.Cmd]struct{}

	// Observe, when set, receives one call per finished invocation with
	// the spec tag and the outcome taxonomy tag.
	Observe func(tag, outcome string, d time.Duration)
}

// NewSupervisor creates a supervisor with no tracked children
func NewSupervisor(log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		log:      log,
		children: make(map[*exec.Cmd]struct{}),
	}
}

// Pause suspends output consumption for all tracked children. The
// children keep executing; their output backlogs in the pipe buffers.
func (s *Supervisor) Pause() { s.paused.Store(true) }

// Resume lifts a pause
func (s *Supervisor) Resume() { s.paused.Store(false) }

// Paused reports whether the pause flag is set
func (s *Supervisor) Paused() bool { return s.paused.Load() }

// Stop terminates every tracked child: SIGTERM immediately, SIGKILL for
// survivors after the grace window. Stop overrides pause.
func (s *Supervisor) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	victims := make([]*exec.Cmd, 0, len(s.children))
	for cmd := range s.children {
		victims = append(victims, cmd)
	}
	s.mu.Unlock()

	for _, cmd := range victims {
		if cmd.Process == nil {
			continue
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	if len(victims) > 0 {
		go func() {
			time.Sleep(killGrace)
			for _, cmd := range victims {
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
			}
		}()
	}
}

// Stopped reports whether Stop was called
func (s *Supervisor) Stopped() bool { return s.stopped.Load() }

func (s *Supervisor) track(cmd *exec.Cmd) {
	s.mu.Lock()
	s.children[cmd] = struct{}{}
	s.mu.Unlock()
}

func (s *Supervisor) untrack(cmd *exec.Cmd) {
	s.mu.Lock()
	delete(s.children, cmd)
	s.mu.Unlock()
}

// Run executes the spec and blocks until the child exits or is killed.
// The returned error discriminates the outcome: nil for a zero exit,
// otherwise a faults.Error carrying ToolSpawnFailed, ToolTimeout,
// StopRequested or ToolExitNonZero. Partial output is returned in every
// case.
func (s *Supervisor) Run(ctx context.Context, spec Spec) (*Result, error) {
	argv := spec.Argv
	if spec.Line != "" {
		var err error
		argv, err = Tokenize(spec.Line)
		if err != nil {
			return nil, faults.New(faults.ToolSpawnFailed, "proc/"+spec.Tag, err)
		}
	}
	if len(argv) == 0 {
		return nil, faults.Errorf(faults.ToolSpawnFailed, "proc/"+spec.Tag, "empty command")
	}

	if s.Stopped() {
		return nil, faults.Errorf(faults.StopRequested, "proc/"+spec.Tag, "supervisor stopped")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.WaitDelay = killGrace
	// On context expiry, terminate first; WaitDelay escalates to kill.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if len(spec.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, faults.New(faults.ToolSpawnFailed, "proc/"+spec.Tag, fmt.Errorf("stdout pipe: %w", err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, faults.New(faults.ToolSpawnFailed, "proc/"+spec.Tag, fmt.Errorf("stderr pipe: %w", err))
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, faults.New(faults.ToolSpawnFailed, "proc/"+spec.Tag, err)
	}

	s.track(cmd)
	defer s.untrack(cmd)

	// Stop may have snapshotted the children before track saw this one;
	// terminate it ourselves so it cannot outlive the stop.
	if s.Stopped() {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		go func() {
			time.Sleep(killGrace)
			_ = cmd.Process.Kill()
		}()
	}

	s.log.Debug("tool started",
		zap.String("tag", spec.Tag),
		zap.String("binary", argv[0]),
		zap.Int("pid", cmd.Process.Pid))

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutDone := make(chan error, 1)
	stderrDone := make(chan error, 1)

	go func() {
		stdoutDone <- s.consume(stdoutPipe, &stdoutBuf, spec.OnStdout)
	}()
	go func() {
		stderrDone <- s.consume(stderrPipe, &stderrBuf, spec.OnStderr)
	}()

	<-stdoutDone
	<-stderrDone

	waitErr := cmd.Wait()

	result := &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(started),
	}

	outcome, classified := s.classify(runCtx, spec.Tag, result, waitErr)
	if s.Observe != nil {
		s.Observe(spec.Tag, outcome, result.Duration)
	}
	s.log.Debug("tool finished",
		zap.String("tag", spec.Tag),
		zap.String("outcome", outcome),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration))

	return result, classified
}

// consume reads one pipe line by line, honouring the pause flag between
// lines at the poll granularity. Stop overrides pause.
func (s *Supervisor) consume(pipe io.Reader, buf *bytes.Buffer, onLine func(string)) error {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	for {
		for s.paused.Load() && !s.stopped.Load() {
			time.Sleep(pausePoll)
		}
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}
	return scanner.Err()
}

// classify maps the raw wait error onto the outcome taxonomy. Order
// matters: stop beats timeout beats non-zero exit, and a deadline hit at
// exactly the budget is a timeout, never a plain tool failure.
func (s *Supervisor) classify(runCtx context.Context, tag string, result *Result, waitErr error) (string, error) {
	op := "proc/" + tag
	switch {
	case s.Stopped():
		result.ExitCode = -1
		return "stopped", faults.Errorf(faults.StopRequested, op, "killed by stop")
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.ExitCode = -1
		return "timeout", faults.Errorf(faults.ToolTimeout, op, "timeout")
	case errors.Is(runCtx.Err(), context.Canceled):
		result.ExitCode = -1
		return "stopped", faults.Errorf(faults.StopRequested, op, "context cancelled")
	case waitErr != nil:
		return "nonzero_exit", faults.New(faults.ToolExitNonZero, op,
			fmt.Errorf("exit code %d: %w", result.ExitCode, waitErr))
	default:
		return "ok", nil
	}
}
