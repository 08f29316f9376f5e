package gates

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/sokinpui/patchloop/internal/config"
	"github.com/sokinpui/patchloop/internal/logging"
	"github.com/sokinpui/patchloop/internal/sandbox"
)

// Placeholders understood by test command templates.
const (
	idsPlaceholder      = "{ids}"
	patternsPlaceholder = "{patterns}"
)

// CommandTestGate runs the project's test command, narrowed by template.
//
// Templates are split with shell quoting rules. A word equal to {ids} expands
// to one argument per identifier. {patterns} is replaced in place by the
// patterns joined with the configured separator, so "-run={patterns}" and
// "-k {patterns}" both work.
type CommandTestGate struct {
	full, byID, byPattern string
	join                  string
	runner                sandbox.Runner
	dir                   string
	limits                sandbox.Limits
	logger                *logging.Logger
}

// NewCommandTestGate builds the test gate from configuration.
func NewCommandTestGate(cfg config.Gates, runner sandbox.Runner, dir string, logger *logging.Logger) *CommandTestGate {
	if logger == nil {
		logger = logging.Nop()
	}
	return &CommandTestGate{
		full:      cfg.TestFull,
		byID:      cfg.TestByID,
		byPattern: cfg.TestByPattern,
		join:      cfg.PatternJoin,
		runner:    runner,
		dir:       dir,
		limits:    cfg.Limits,
		logger:    logger.Named("gate").With(zap.String("gate", "tests")),
	}
}

// Supports reports whether a template exists for sel. Identifier and pattern
// selections need their own template; the full suite is always supported.
func (g *CommandTestGate) Supports(sel Selection) bool {
	switch {
	case len(sel.IDs) > 0:
		return g.byID != ""
	case len(sel.Patterns) > 0:
		return g.byPattern != ""
	default:
		return true
	}
}

// Argv renders the command that RunTests would execute for sel. It is empty
// when sel is not supported or no command is configured.
func (g *CommandTestGate) Argv(sel Selection) ([]string, error) {
	if !g.Supports(sel) {
		return nil, nil
	}
	switch {
	case len(sel.IDs) > 0:
		return expand(g.byID, sel.IDs, "")
	case len(sel.Patterns) > 0:
		return expand(g.byPattern, nil, strings.Join(sel.Patterns, g.join))
	default:
		return expand(g.full, nil, "")
	}
}

func expand(template string, ids []string, patterns string) ([]string, error) {
	words, err := shlex.Split(template)
	if err != nil {
		return nil, fmt.Errorf("invalid test command %q: %w", template, err)
	}
	var argv []string
	for _, word := range words {
		if word == idsPlaceholder {
			argv = append(argv, ids...)
			continue
		}
		argv = append(argv, strings.ReplaceAll(word, patternsPlaceholder, patterns))
	}
	return argv, nil
}

// RunTests runs the command for sel. A missing test tool or template fails
// the gate as unavailable.
func (g *CommandTestGate) RunTests(ctx context.Context, sel Selection) Result {
	start := time.Now()
	argv, err := g.Argv(sel)
	if err != nil {
		return Result{Output: err.Error(), Duration: time.Since(start)}
	}
	if len(argv) == 0 {
		return Result{Unavailable: true, Output: "no test command configured for this selection"}
	}

	r := g.runner.Run(ctx, sandbox.Command{Argv: argv, Dir: g.dir, Limits: g.limits})
	g.logger.Debug(ctx, "tests finished",
		zap.Strings("argv", argv),
		zap.Int("exit_code", r.ExitCode),
		zap.Bool("timed_out", r.TimedOut))

	return Result{
		Passed:      r.OK(),
		TimedOut:    r.TimedOut,
		Unavailable: r.NotFound,
		Output:      r.Output(),
		Duration:    time.Since(start),
	}
}
