package provider

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sokinpui/patchloop/internal/logging"
	"github.com/sokinpui/patchloop/internal/sandbox"
)

// Command runs an external program with the prompt on stdin and takes its
// stdout as the reply.
type Command struct {
	argv   []string
	runner sandbox.Runner
	dir    string
	logger *logging.Logger
}

// NewCommand creates a command provider running argv in dir.
func NewCommand(argv []string, runner sandbox.Runner, dir string, logger *logging.Logger) (*Command, error) {
	if len(argv) == 0 {
		return nil, errors.New("provider command is empty")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Command{argv: argv, runner: runner, dir: dir, logger: logger.Named("command")}, nil
}

func (c *Command) GenerateDiff(ctx context.Context, objective, planContext string) (string, error) {
	res := c.runner.Run(ctx, sandbox.Command{
		Argv:  c.argv,
		Dir:   c.dir,
		Stdin: Prompt(objective, planContext),
	})
	switch {
	case res.NotFound:
		return "", fmt.Errorf("provider command %q not found", c.argv[0])
	case res.TimedOut:
		return "", fmt.Errorf("provider command timed out: %w", context.DeadlineExceeded)
	case !res.OK():
		return "", fmt.Errorf("provider command failed with exit code %d: %s", res.ExitCode, res.Output())
	}
	c.logger.Debug(ctx, "provider command finished", zap.Duration("duration", res.Duration))
	return extract(res.Stdout)
}
