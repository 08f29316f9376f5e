// Package orchestrator drives the plan, patch and verify loop under an
// iteration cap and a wall-clock budget.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sokinpui/patchloop/internal/config"
	"github.com/sokinpui/patchloop/internal/gates"
	"github.com/sokinpui/patchloop/internal/graph"
	"github.com/sokinpui/patchloop/internal/logging"
	"github.com/sokinpui/patchloop/internal/patcher"
	"github.com/sokinpui/patchloop/internal/provider"
	"github.com/sokinpui/patchloop/model"
)

// ErrBudgetExhausted marks a run stopped by its wall-clock budget.
var ErrBudgetExhausted = errors.New("time budget exhausted")

// maxDetail bounds the diagnostic text kept on an iteration record.
const maxDetail = 4000

// Planner derives a plan from an objective.
type Planner interface {
	Plan(ctx context.Context, objective string) model.Plan
}

// Actuator applies a candidate diff to the repository.
type Actuator interface {
	Apply(ctx context.Context, repo, diffText string, preferReconciled bool) model.ApplyResult
}

// LessonRecorder stores the lesson of a passing iteration.
type LessonRecorder interface {
	Record(card model.LessonCard) error
}

// Journal undoes or accepts what the actuator changed in the repository.
type Journal interface {
	Rollback() ([]string, error)
	Commit() error
}

// Deps are the collaborators of a run. Nil gates pass, a nil graph yields no
// explicit test identifiers, and nil lessons or journal are skipped.
type Deps struct {
	Repo     string
	Planner  Planner
	Provider provider.Provider
	Actuator Actuator
	Graph    graph.Graph
	Static   gates.Gate
	Tests    gates.TestGate
	Runtime  gates.Gate
	Lessons  LessonRecorder
	Journal  Journal
	Logger   *logging.Logger
}

// Orchestrator runs the loop. It is not safe for concurrent use.
type Orchestrator struct {
	cfg      config.Loop
	deps     Deps
	logger   *logging.Logger
	now      func() time.Time
	observer Observer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithObserver registers a receiver for loop events.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// New creates an Orchestrator.
func New(cfg config.Loop, deps Deps, opts ...Option) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("orchestrator"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type verdict int

const (
	verdictFailed verdict = iota
	verdictPassed
	verdictExhausted
)

// Run loops until an iteration passes every gate, the iteration cap is hit or
// the budget runs out. Loop outcomes are reported in the result only.
func (o *Orchestrator) Run(ctx context.Context, objective string) model.RunResult {
	start := o.now()
	deadline := start.Add(o.cfg.TotalBudget.Duration())

	runID := logging.RunIDFromContext(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = logging.WithRunID(ctx, runID)
	}
	result := model.RunResult{RunID: runID, Objective: objective, Status: model.StatusFail}
	o.logger.Info(ctx, "run started",
		zap.String("objective", objective),
		zap.Int("max_iterations", o.cfg.MaxIterations),
		zap.Duration("budget", o.cfg.TotalBudget.Duration()))

	reason := model.ReasonIterations
	for n := 1; n <= o.cfg.MaxIterations; n++ {
		if o.remaining(deadline) <= 0 {
			reason = model.ReasonBudget
			break
		}
		rec, v := o.iterate(logging.WithIteration(ctx, n), objective, n, deadline)
		result.Iterations = append(result.Iterations, rec)
		if v == verdictPassed {
			result.Status = model.StatusPass
			result.Diff = rec.Apply.RefinedDiff
			return o.finish(ctx, result, start)
		}
		if v == verdictExhausted {
			reason = model.ReasonBudget
			break
		}
	}

	result.Reason = reason
	if !o.cfg.RollbackFailed {
		o.commit(ctx)
	}
	return o.finish(ctx, result, start)
}

func (o *Orchestrator) finish(ctx context.Context, result model.RunResult, start time.Time) model.RunResult {
	result.Elapsed = o.now().Sub(start)
	state := StatePersisted
	if result.Status != model.StatusPass {
		state = StateExhausted
		fields := []zap.Field{
			zap.String("reason", string(result.Reason)),
			zap.Int("iterations", len(result.Iterations)),
		}
		if result.Reason == model.ReasonBudget {
			fields = append(fields, zap.Error(ErrBudgetExhausted))
		}
		o.logger.Warn(ctx, "run exhausted", fields...)
	} else {
		o.logger.Info(ctx, "run passed",
			zap.Int("iterations", len(result.Iterations)),
			zap.Duration("elapsed", result.Elapsed))
	}
	o.emit(Event{
		Iteration: len(result.Iterations),
		State:     state,
		Done:      true,
		Passed:    result.Status == model.StatusPass,
		Detail:    string(result.Reason),
		Result:    &result,
	})
	return result
}

func (o *Orchestrator) iterate(ctx context.Context, objective string, n int, deadline time.Time) (model.IterationRecord, verdict) {
	rec := model.IterationRecord{Iteration: n, Gates: make(map[model.GateName]model.GateOutcome)}

	o.emit(Event{Iteration: n, State: StatePlanning})
	sctx, cancel := o.step(ctx, deadline)
	rec.Plan = o.deps.Planner.Plan(sctx, objective)
	cancel()

	if o.remaining(deadline) <= 0 {
		return o.exhaust(ctx, rec)
	}
	o.emit(Event{Iteration: n, State: StatePatching})
	if !o.patch(ctx, objective, deadline, &rec) {
		return o.fail(ctx, rec)
	}

	for _, g := range model.AllGates() {
		if o.remaining(deadline) <= 0 {
			return o.exhaust(ctx, rec)
		}
		o.emit(Event{Iteration: n, State: gateState(g)})
		passed, exhausted := o.runGate(ctx, g, deadline, &rec)
		if exhausted {
			return o.exhaust(ctx, rec)
		}
		o.emit(Event{Iteration: n, State: gateState(g), Done: true, Passed: passed})
		if !passed {
			return o.fail(ctx, rec)
		}
	}

	o.persist(ctx, &rec)
	return rec, verdictPassed
}

// patch asks the provider for a diff and applies it.
func (o *Orchestrator) patch(ctx context.Context, objective string, deadline time.Time, rec *model.IterationRecord) bool {
	sctx, cancel := o.step(ctx, deadline)
	diff, err := o.deps.Provider.GenerateDiff(sctx, objective, rec.Plan.Context())
	timedOut := errors.Is(sctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		rec.Failure = model.FailureProvider
		if timedOut {
			rec.Failure = model.FailureTimeout
		}
		rec.Detail = err.Error()
		o.emit(Event{Iteration: rec.Iteration, State: StatePatching, Done: true, Detail: rec.Detail})
		return false
	}

	sctx, cancel = o.step(ctx, deadline)
	rec.Apply = o.deps.Actuator.Apply(sctx, o.deps.Repo, diff, o.cfg.PreferThreeWay)
	cancel()

	ok := rec.Apply.OK && rec.Apply.PropagateError == ""
	switch {
	case rec.Apply.TotalHunks == 0:
		rec.Failure = model.FailureMalformedDiff
		rec.Detail = "diff contains no hunks"
	case !rec.Apply.OK:
		rec.Failure = model.FailureApplyConflict
		rec.Detail = tail(rec.Apply.Stderr)
	case rec.Apply.PropagateError != "":
		rec.Failure = model.FailureApplyConflict
		rec.Detail = tail(rec.Apply.PropagateError)
	}
	o.emit(Event{
		Iteration: rec.Iteration,
		State:     StatePatching,
		Done:      true,
		Passed:    ok,
		Detail:    rec.Apply.ArtifactDir,
	})
	return ok
}

// runGate runs one gate and records its outcome. exhausted reports that the
// budget ran out between test sub-attempts.
func (o *Orchestrator) runGate(ctx context.Context, g model.GateName, deadline time.Time, rec *model.IterationRecord) (passed, exhausted bool) {
	if g == model.GateTests {
		return o.runTests(ctx, deadline, rec)
	}

	gate := o.deps.Static
	if g == model.GateRuntime {
		gate = o.deps.Runtime
	}
	if gate == nil {
		rec.Gates[g] = model.OutcomePass
		return true, false
	}

	sctx, cancel := o.step(ctx, deadline)
	res := gate.Run(sctx)
	cancel()
	rec.Gates[g] = res.Outcome()
	if !res.Passed {
		rec.Failure = res.Failure()
		rec.Detail = tail(res.Output)
	}
	return res.Passed, false
}

type selection struct {
	stage model.TestStage
	sel   gates.Selection
}

// selections lists the test scopes to try, narrowest first. Scopes with
// nothing to select, or that the test gate cannot run, are left out; the full
// suite is always last.
func (o *Orchestrator) selections(rec *model.IterationRecord) []selection {
	var out []selection
	if o.deps.Graph != nil {
		_, modules := graph.ImpactedFromDiff(rec.Apply.RefinedDiff, o.deps.Graph)
		if ids := graph.TestIDs(o.deps.Graph, modules); len(ids) > 0 && o.supports(gates.Selection{IDs: ids}) {
			out = append(out, selection{model.StageIdentifiers, gates.Selection{IDs: ids}})
		}
	}
	if len(rec.Plan.TestPatterns) > 0 && o.supports(gates.Selection{Patterns: rec.Plan.TestPatterns}) {
		out = append(out, selection{model.StagePatterns, gates.Selection{Patterns: rec.Plan.TestPatterns}})
	}
	return append(out, selection{model.StageFull, gates.Selection{}})
}

func (o *Orchestrator) supports(sel gates.Selection) bool {
	if s, ok := o.deps.Tests.(gates.Scoper); ok {
		return s.Supports(sel)
	}
	return true
}

func (o *Orchestrator) runTests(ctx context.Context, deadline time.Time, rec *model.IterationRecord) (passed, exhausted bool) {
	if o.deps.Tests == nil {
		rec.Gates[model.GateTests] = model.OutcomePass
		return true, false
	}

	var last gates.Result
	for _, s := range o.selections(rec) {
		if o.remaining(deadline) <= 0 {
			return false, true
		}
		sctx, cancel := o.step(ctx, deadline)
		res := o.deps.Tests.RunTests(sctx, s.sel)
		cancel()

		rec.TestAttempts = append(rec.TestAttempts, model.TestAttempt{
			Stage:    s.stage,
			IDs:      s.sel.IDs,
			Patterns: s.sel.Patterns,
			Passed:   res.Passed,
			TimedOut: res.TimedOut,
		})
		o.emit(Event{Iteration: rec.Iteration, State: StateTests, Stage: s.stage, Done: true, Passed: res.Passed})
		o.logger.Debug(ctx, "test attempt finished",
			zap.String("stage", string(s.stage)),
			zap.Bool("passed", res.Passed))
		if res.Passed {
			rec.Gates[model.GateTests] = model.OutcomePass
			return true, false
		}
		last = res
	}

	rec.Gates[model.GateTests] = model.OutcomeFail
	rec.Failure = last.Failure()
	rec.Detail = tail(last.Output)
	return false, false
}

func (o *Orchestrator) persist(ctx context.Context, rec *model.IterationRecord) {
	o.commit(ctx)
	if o.deps.Lessons == nil {
		return
	}

	files := patcher.ChangedFiles(rec.Apply.RefinedDiff)
	var modules []string
	if o.deps.Graph != nil {
		_, modules = graph.ImpactedFromDiff(rec.Apply.RefinedDiff, o.deps.Graph)
	}
	outcomes := make(map[string]bool, len(rec.Gates))
	for g, out := range rec.Gates {
		outcomes[string(g)] = out.Passed()
	}
	card := model.LessonCard{
		RunID:         logging.RunIDFromContext(ctx),
		Objective:     rec.Plan.Objective,
		Modules:       modules,
		Files:         files,
		DiffSignature: signature(rec.Apply.RefinedDiff),
		Gates:         outcomes,
		RecordedAt:    o.now().UTC(),
	}
	if err := o.deps.Lessons.Record(card); err != nil {
		o.logger.Warn(ctx, "could not record lesson", zap.Error(err))
	}
}

func (o *Orchestrator) fail(ctx context.Context, rec model.IterationRecord) (model.IterationRecord, verdict) {
	o.logger.Info(ctx, "iteration failed",
		zap.String("failure", string(rec.Failure)),
		zap.String("artifacts", rec.Apply.ArtifactDir))
	rec.RolledBack = o.rollback(ctx)
	return rec, verdictFailed
}

func (o *Orchestrator) exhaust(ctx context.Context, rec model.IterationRecord) (model.IterationRecord, verdict) {
	if rec.Failure == model.FailureNone {
		rec.Failure = model.FailureBudgetExhausted
		rec.Detail = ErrBudgetExhausted.Error()
	}
	rec.RolledBack = o.rollback(ctx)
	return rec, verdictExhausted
}

func (o *Orchestrator) rollback(ctx context.Context) []string {
	if o.deps.Journal == nil || !o.cfg.RollbackFailed {
		return nil
	}
	restored, err := o.deps.Journal.Rollback()
	if err != nil {
		o.logger.Error(ctx, "rollback incomplete", zap.Error(err))
	}
	if len(restored) > 0 {
		o.logger.Info(ctx, "rolled back propagated changes", zap.Strings("files", restored))
	}
	return restored
}

func (o *Orchestrator) commit(ctx context.Context) {
	if o.deps.Journal == nil {
		return
	}
	if err := o.deps.Journal.Commit(); err != nil {
		o.logger.Warn(ctx, "could not commit journal", zap.Error(err))
	}
}

func (o *Orchestrator) remaining(deadline time.Time) time.Duration {
	return deadline.Sub(o.now())
}

// step bounds one collaborator call by the per-step budget and by what is
// left of the total budget, whichever is shorter.
func (o *Orchestrator) step(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	d := o.cfg.PerStepBudget.Duration()
	if rem := o.remaining(deadline); d <= 0 || rem < d {
		d = rem
	}
	return context.WithTimeout(ctx, d)
}

func (o *Orchestrator) emit(e Event) {
	if o.observer != nil {
		o.observer(e)
	}
}

func signature(diff string) string {
	line, _, _ := strings.Cut(strings.TrimLeft(diff, "\n"), "\n")
	return line
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxDetail {
		return s
	}
	return "..." + s[len(s)-maxDetail:]
}
