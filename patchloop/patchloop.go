// Package patchloop wires configuration, the patch actuator and the retry
// loop into an application usable from the command line or as a library.
package patchloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/sokinpui/patchloop/cli"
	"github.com/sokinpui/patchloop/internal/config"
	"github.com/sokinpui/patchloop/internal/gates"
	"github.com/sokinpui/patchloop/internal/graph"
	"github.com/sokinpui/patchloop/internal/lessons"
	"github.com/sokinpui/patchloop/internal/logging"
	"github.com/sokinpui/patchloop/internal/nvim"
	"github.com/sokinpui/patchloop/internal/orchestrator"
	"github.com/sokinpui/patchloop/internal/patcher"
	"github.com/sokinpui/patchloop/internal/planner"
	"github.com/sokinpui/patchloop/internal/provider"
	"github.com/sokinpui/patchloop/internal/sandbox"
	"github.com/sokinpui/patchloop/internal/source"
	"github.com/sokinpui/patchloop/internal/state"
	"github.com/sokinpui/patchloop/model"
)

// App holds every collaborator of a run against one repository.
type App struct {
	flags    *cli.Config
	cfg      *config.Config
	repo     string
	logger   *logging.Logger
	runner   *sandbox.Executor
	journal  *state.Manager
	actuator *patcher.Actuator
	graph    *graph.Static
	lessons  *lessons.Store
	planner  *planner.Planner
	source   *source.SourceProvider
	notifier *nvim.Notifier
	provider provider.Provider
	observer orchestrator.Observer
}

// DetailedError enhances a standard error with a stack trace.
type DetailedError struct {
	Err   error
	Stack []byte
}

func (e *DetailedError) Error() string {
	return e.Err.Error()
}

func (e *DetailedError) Unwrap() error {
	return e.Err
}

// Option adjusts an App after it is wired.
type Option func(*App)

// WithProvider replaces the configured diff provider.
func WithProvider(p provider.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithLogger replaces the logger built from configuration.
func WithLogger(l *logging.Logger) Option {
	return func(a *App) { a.logger = l }
}

// New loads configuration for the repository named by flags and wires the
// application. The diff provider is created on first use.
func New(flags *cli.Config, opts ...Option) (*App, error) {
	repo, err := filepath.Abs(flags.Repo)
	if err != nil {
		return nil, fmt.Errorf("invalid repository path: %w", err)
	}
	if info, err := os.Stat(repo); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("repository %s is not a directory", repo)
	}

	cfg, err := loadConfig(repo, flags)
	if err != nil {
		return nil, err
	}

	a := &App{
		flags:  flags,
		cfg:    cfg,
		repo:   repo,
		source: source.New(false),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		if a.logger, err = logging.NewLogger(&cfg.Logging); err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}
	a.notifier = nvim.New("", a.logger)
	a.runner = sandbox.New(a.logger)

	if a.journal, err = state.New(config.Resolve(repo, cfg.StateDir)); err != nil {
		return nil, fmt.Errorf("failed to initialize state manager: %w", err)
	}
	chain, err := patcher.ChainOf(cfg.Actuator.Backends, a.runner)
	if err != nil {
		return nil, err
	}
	a.actuator = patcher.NewActuator(chain,
		patcher.WithArtifactRoot(config.Resolve(repo, cfg.Artifacts)),
		patcher.WithHeaderRepair(cfg.Actuator.RepairHunkHeaders),
		patcher.WithJournal(a.journal),
		patcher.WithLogger(a.logger),
	)

	if a.graph, err = graph.Load(config.Resolve(repo, cfg.Graph.Path)); err != nil {
		return nil, err
	}
	a.lessons = lessons.Open(config.Resolve(repo, cfg.Lessons.Path))
	a.planner = planner.New(a.graph, a.lessons, cfg.Lessons.TopK, a.logger)
	return a, nil
}

// loadConfig reads the explicit config file, or the repository's default file
// when it exists, then applies flag overrides.
func loadConfig(repo string, flags *cli.Config) (*config.Config, error) {
	path := flags.ConfigPath
	if path == "" {
		candidate := filepath.Join(repo, config.DefaultFileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	flags.Override(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

// Config returns the effective configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Repo returns the absolute repository path.
func (a *App) Repo() string { return a.repo }

// SetObserver registers a receiver for loop events.
func (a *App) SetObserver(obs orchestrator.Observer) {
	a.observer = obs
}

// Close flushes the logger.
func (a *App) Close() error {
	return a.logger.Sync()
}

// Input reads the objective, or the diff in apply mode, from the positional
// arguments, stdin or the clipboard.
func (a *App) Input() (string, error) {
	return a.source.GetContent(a.flags.Args)
}

// Execute reads the objective and runs the loop on it.
func (a *App) Execute(ctx context.Context) (res model.RunResult, err error) {
	// Centralized panic recovery.
	defer func() {
		if r := recover(); r != nil {
			err = &DetailedError{
				Err:   fmt.Errorf("internal panic: %v", r),
				Stack: debug.Stack(),
			}
		}
	}()

	objective, err := a.Input()
	if err != nil {
		return model.RunResult{}, err
	}
	return a.Run(ctx, objective)
}

// Run drives the loop for objective. Loop failures are reported in the result;
// the error is only set when the run could not start.
func (a *App) Run(ctx context.Context, objective string) (model.RunResult, error) {
	p, err := a.diffProvider()
	if err != nil {
		return model.RunResult{}, err
	}

	limits := a.cfg.Gates.Limits
	orch := orchestrator.New(a.cfg.Loop, orchestrator.Deps{
		Repo:     a.repo,
		Planner:  a.planner,
		Provider: p,
		Actuator: a.actuator,
		Graph:    a.graph,
		Static:   gates.NewCommandGate("static", a.cfg.Gates.Static, a.runner, a.repo, limits, a.logger),
		Tests:    gates.NewCommandTestGate(a.cfg.Gates, a.runner, a.repo, a.logger),
		Runtime:  gates.NewCommandGate("runtime", a.cfg.Gates.Runtime, a.runner, a.repo, limits, a.logger),
		Lessons:  a.lessons,
		Journal:  a.journal,
		Logger:   a.logger,
	}, orchestrator.WithObserver(a.observer))

	res := orch.Run(ctx, objective)
	if res.Status == model.StatusPass {
		a.reloadEditor(ctx, res.Diff)
	}
	return res, nil
}

// ApplyDiff actuates diff against the repository once, without planning or
// verification. Changes propagated to the repository are kept.
func (a *App) ApplyDiff(ctx context.Context, diff string) model.ApplyResult {
	res := a.actuator.Apply(ctx, a.repo, diff, a.cfg.Loop.PreferThreeWay)
	if err := a.journal.Commit(); err != nil {
		a.logger.Warn(ctx, "could not commit journal", zap.Error(err))
	}
	if res.OK {
		a.reloadEditor(ctx, res.RefinedDiff)
	}
	return res
}

// Plan returns the plan the loop would start from.
func (a *App) Plan(ctx context.Context, objective string) model.Plan {
	return a.planner.Plan(ctx, objective)
}

func (a *App) diffProvider() (provider.Provider, error) {
	if a.provider != nil {
		return a.provider, nil
	}
	p, err := provider.New(a.cfg.Provider, a.runner, a.repo, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize diff provider: %w", err)
	}
	a.provider = p
	return p, nil
}

func (a *App) reloadEditor(ctx context.Context, diff string) {
	if err := a.notifier.Reload(ctx, patcher.ChangedFiles(diff)); err != nil {
		a.logger.Warn(ctx, "could not notify nvim", zap.Error(err))
	}
}

// IsDetailed reports whether err carries a stack trace and returns it.
func IsDetailed(err error) (*DetailedError, bool) {
	var de *DetailedError
	ok := errors.As(err, &de)
	return de, ok
}
