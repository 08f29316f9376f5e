package patchloop

import (
	"context"
	"fmt"
	"time"

	"github.com/sokinpui/patchloop/cli"
	"github.com/sokinpui/patchloop/model"
)

// Config for using patchloop as a library.
type Config struct {
	// Repo is the repository to modify. Defaults to the working directory.
	Repo string
	// ConfigPath overrides <repo>/.patchloop.yaml.
	ConfigPath string
	// Budget and MaxIterations override the configured loop bounds when set.
	Budget        time.Duration
	MaxIterations int
}

func (c Config) flags() *cli.Config {
	repo := c.Repo
	if repo == "" {
		repo = "."
	}
	flags := &cli.Config{
		Repo:          repo,
		ConfigPath:    c.ConfigPath,
		Budget:        c.Budget,
		MaxIterations: c.MaxIterations,
	}
	if c.Budget > 0 {
		flags.MarkChanged("budget")
	}
	if c.MaxIterations > 0 {
		flags.MarkChanged("max-iterations")
	}
	return flags
}

// Apply actuates diff against the configured repository once.
func Apply(ctx context.Context, diff string, config Config) (model.ApplyResult, error) {
	app, err := New(config.flags())
	if err != nil {
		return model.ApplyResult{}, fmt.Errorf("failed to initialize patchloop: %w", err)
	}
	defer app.Close()
	return app.ApplyDiff(ctx, diff), nil
}

// Repair runs the full loop for objective against the configured repository.
func Repair(ctx context.Context, objective string, config Config, opts ...Option) (model.RunResult, error) {
	app, err := New(config.flags(), opts...)
	if err != nil {
		return model.RunResult{}, fmt.Errorf("failed to initialize patchloop: %w", err)
	}
	defer app.Close()
	return app.Run(ctx, objective)
}
