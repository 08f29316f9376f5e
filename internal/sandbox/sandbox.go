// Package sandbox runs external tools with a deadline, optional resource
// limits and captured output.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sokinpui/patchloop/internal/logging"
)

// Limits bounds the resources of a child process. Zero means unlimited.
type Limits struct {
	CPUSeconds  uint64 `koanf:"cpu_seconds"`
	MemoryBytes uint64 `koanf:"memory_bytes"`
}

// Command describes one process invocation.
type Command struct {
	Argv    []string
	Dir     string
	Env     []string
	Stdin   string
	Timeout time.Duration
	Limits  Limits
	// StdoutPath and StderrPath, when set, also receive the streams.
	StdoutPath string
	StderrPath string
}

// Result is the outcome of a Command. It never carries a panic or a
// partially started process; Err is set only when the process could not run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	NotFound bool
	Err      error
	Duration time.Duration
}

// OK reports whether the process ran to completion with status zero.
func (r Result) OK() bool {
	return r.Err == nil && !r.NotFound && !r.TimedOut && r.ExitCode == 0
}

// Output joins both streams for diagnostics.
func (r Result) Output() string {
	var parts []string
	if s := strings.TrimRight(r.Stdout, "\n"); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimRight(r.Stderr, "\n"); s != "" {
		parts = append(parts, s)
	}
	if r.Err != nil {
		parts = append(parts, r.Err.Error())
	}
	return strings.Join(parts, "\n")
}

// Runner is the process executor contract used by backends, gates and providers.
type Runner interface {
	Run(ctx context.Context, cmd Command) Result
}

// ErrEmptyCommand is reported for a Command without argv.
var ErrEmptyCommand = errors.New("empty command")

// Executor is the default Runner backed by os/exec.
type Executor struct {
	logger *logging.Logger
	// Env is appended to the inherited environment of every command.
	Env []string
}

// New creates an Executor.
func New(logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{logger: logger.Named("sandbox")}
}

// Available reports whether a tool can be found on PATH.
func Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Run executes cmd and blocks until it exits, times out or ctx ends.
func (e *Executor) Run(ctx context.Context, cmd Command) Result {
	if len(cmd.Argv) == 0 {
		return Result{ExitCode: -1, Err: ErrEmptyCommand}
	}
	path, err := exec.LookPath(cmd.Argv[0])
	if err != nil {
		e.logger.Debug(ctx, "tool not found", zap.String("tool", cmd.Argv[0]))
		return Result{ExitCode: -1, NotFound: true, Err: err}
	}

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, path, cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), e.Env...)
	c.Env = append(c.Env, cmd.Env...)
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}
	setProcessGroup(c)
	c.Cancel = func() error { return killProcessGroup(c) }
	c.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	var closers []io.Closer
	c.Stdout, closers = tee(&stdout, cmd.StdoutPath, closers)
	c.Stderr, closers = tee(&stderr, cmd.StderrPath, closers)
	defer func() {
		for _, cl := range closers {
			cl.Close()
		}
	}()

	start := time.Now()
	if err := c.Start(); err != nil {
		return Result{ExitCode: -1, Err: err, Duration: time.Since(start)}
	}
	if err := applyLimits(c.Process.Pid, cmd.Limits); err != nil {
		e.logger.Warn(ctx, "could not apply resource limits", zap.Error(err))
	}
	waitErr := c.Wait()

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if ctx.Err() != nil {
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		res.ExitCode = -1
		res.Err = ctx.Err()
	} else if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = waitErr
		}
	}

	e.logger.Trace(ctx, "process finished",
		zap.Strings("argv", cmd.Argv),
		zap.String("dir", cmd.Dir),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration),
	)
	return res
}

func tee(buf *bytes.Buffer, path string, closers []io.Closer) (io.Writer, []io.Closer) {
	if path == "" {
		return buf, closers
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return buf, closers
	}
	f, err := os.Create(path)
	if err != nil {
		return buf, closers
	}
	return io.MultiWriter(buf, f), append(closers, f)
}
