// Package gates runs the verification stages of an iteration: static checks,
// tests and a runtime smoke command.
package gates

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/sokinpui/patchloop/internal/logging"
	"github.com/sokinpui/patchloop/internal/sandbox"
	"github.com/sokinpui/patchloop/model"
)

// Result is the outcome of one gate run.
type Result struct {
	Passed   bool
	TimedOut bool
	// Unavailable is set when a required tool could not be found.
	Unavailable bool
	// Skipped lists optional tools that were missing.
	Skipped  []string
	Output   string
	Duration time.Duration
}

// Outcome converts the result to a gate outcome.
func (r Result) Outcome() model.GateOutcome {
	if r.Passed {
		return model.OutcomePass
	}
	return model.OutcomeFail
}

// Failure classifies a failed result.
func (r Result) Failure() model.FailureKind {
	switch {
	case r.Passed:
		return model.FailureNone
	case r.TimedOut:
		return model.FailureTimeout
	case r.Unavailable:
		return model.FailureToolUnavailable
	default:
		return model.FailureGate
	}
}

// Gate is a verification stage without parameters.
type Gate interface {
	Run(ctx context.Context) Result
}

// Selection narrows a test run. Empty means the full suite.
type Selection struct {
	IDs      []string
	Patterns []string
}

// TestGate runs a selection of tests.
type TestGate interface {
	RunTests(ctx context.Context, sel Selection) Result
}

// Scoper is implemented by test gates that can only run some selections.
type Scoper interface {
	Supports(sel Selection) bool
}

// CommandGate runs a list of commands in order and passes when all of them
// do. Commands whose tool is not installed are skipped; a gate made only of
// skipped commands passes.
type CommandGate struct {
	name     string
	commands [][]string
	invalid  []string
	runner   sandbox.Runner
	dir      string
	limits   sandbox.Limits
	logger   *logging.Logger
}

// NewCommandGate builds a gate from command lines split with shell quoting
// rules. A line that cannot be split makes every run fail.
func NewCommandGate(name string, commands []string, runner sandbox.Runner, dir string, limits sandbox.Limits, logger *logging.Logger) *CommandGate {
	if logger == nil {
		logger = logging.Nop()
	}
	g := &CommandGate{
		name:   name,
		runner: runner,
		dir:    dir,
		limits: limits,
		logger: logger.Named("gate").With(zap.String("gate", name)),
	}
	for _, c := range commands {
		argv, err := shlex.Split(c)
		if err != nil {
			g.invalid = append(g.invalid, fmt.Sprintf("invalid command %q: %v", c, err))
			continue
		}
		if len(argv) > 0 {
			g.commands = append(g.commands, argv)
		}
	}
	return g
}

func (g *CommandGate) Run(ctx context.Context) Result {
	start := time.Now()
	if len(g.invalid) > 0 {
		return Result{Output: strings.Join(g.invalid, "\n"), Duration: time.Since(start)}
	}
	res := Result{Passed: true}
	var output []string

	for _, argv := range g.commands {
		if ctx.Err() != nil {
			res.Passed, res.TimedOut = false, true
			break
		}
		r := g.runner.Run(ctx, sandbox.Command{Argv: argv, Dir: g.dir, Limits: g.limits})
		if r.NotFound {
			g.logger.Info(ctx, "tool not installed, skipping", zap.String("tool", argv[0]))
			res.Skipped = append(res.Skipped, argv[0])
			continue
		}
		if r.OK() {
			continue
		}

		res.Passed = false
		output = append(output, "$ "+strings.Join(argv, " ")+"\n"+r.Output())
		g.logger.Debug(ctx, "command failed",
			zap.Strings("argv", argv),
			zap.Int("exit_code", r.ExitCode),
			zap.Bool("timed_out", r.TimedOut))
		if r.TimedOut {
			res.TimedOut = true
			break
		}
	}

	res.Output = strings.Join(output, "\n")
	res.Duration = time.Since(start)
	return res
}
