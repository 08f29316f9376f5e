package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/sokinpui/patchloop/internal/config"
	"github.com/sokinpui/patchloop/internal/gates"
	"github.com/sokinpui/patchloop/internal/graph"
	"github.com/sokinpui/patchloop/internal/logging"
	"github.com/sokinpui/patchloop/model"
)

const candidate = "diff --git a/x b/x\n--- a/x\n+++ b/x\n@@ -1 +1 @@\n-a\n+b\n"

type fakePlanner struct{ patterns []string }

func (p fakePlanner) Plan(_ context.Context, objective string) model.Plan {
	return model.Plan{Objective: objective, TestPatterns: p.patterns}
}

type fakeProvider struct {
	diff  string
	err   error
	calls int
}

func (p *fakeProvider) GenerateDiff(context.Context, string, string) (string, error) {
	p.calls++
	return p.diff, p.err
}

type fakeActuator struct {
	result func(diff string) model.ApplyResult
	onCall func()
	calls  int
}

func (a *fakeActuator) Apply(_ context.Context, _, diff string, _ bool) model.ApplyResult {
	a.calls++
	if a.onCall != nil {
		a.onCall()
	}
	if a.result != nil {
		return a.result(diff)
	}
	return model.ApplyResult{
		OK:           true,
		TotalHunks:   1,
		AppliedHunks: 1,
		RefinedDiff:  diff,
		ArtifactDir:  "/tmp/artifacts/1",
		Isolated:     true,
		Propagated:   true,
	}
}

// fakeGate returns its results in order, repeating the last one.
type fakeGate struct {
	results []bool
	calls   int
}

func (g *fakeGate) Run(context.Context) gates.Result {
	passed := g.results[min(g.calls, len(g.results)-1)]
	g.calls++
	return gates.Result{Passed: passed, Output: "gate output"}
}

type fakeTestGate struct {
	pass func(sel gates.Selection) bool
	got  []gates.Selection
}

func (g *fakeTestGate) RunTests(_ context.Context, sel gates.Selection) gates.Result {
	g.got = append(g.got, sel)
	return gates.Result{Passed: g.pass(sel)}
}

// patternOnlyTestGate has no identifier template.
type patternOnlyTestGate struct{ *fakeTestGate }

func (patternOnlyTestGate) Supports(sel gates.Selection) bool { return len(sel.IDs) == 0 }

type fakeLessons struct{ cards []model.LessonCard }

func (l *fakeLessons) Record(card model.LessonCard) error {
	l.cards = append(l.cards, card)
	return nil
}

type fakeJournal struct {
	mu        sync.Mutex
	rollbacks int
	commits   int
}

func (j *fakeJournal) Rollback() ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rollbacks++
	return []string{"x"}, nil
}

func (j *fakeJournal) Commit() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.commits++
	return nil
}

type fixture struct {
	cfg      config.Loop
	provider *fakeProvider
	actuator *fakeActuator
	static   *fakeGate
	tests    *fakeTestGate
	runtime  *fakeGate
	lessons  *fakeLessons
	journal  *fakeJournal
	graph    graph.Graph
	planner  fakePlanner
}

func newFixture() *fixture {
	return &fixture{
		cfg: config.Loop{
			MaxIterations:  4,
			TotalBudget:    config.Duration(time.Minute),
			PerStepBudget:  config.Duration(10 * time.Second),
			PreferThreeWay: true,
			RollbackFailed: true,
		},
		provider: &fakeProvider{diff: candidate},
		actuator: &fakeActuator{},
		static:   &fakeGate{results: []bool{true}},
		tests:    &fakeTestGate{pass: func(gates.Selection) bool { return true }},
		runtime:  &fakeGate{results: []bool{true}},
		lessons:  &fakeLessons{},
		journal:  &fakeJournal{},
		graph: graph.New([]graph.Module{
			{Name: "modA", Files: []string{"x"}, Tests: []string{"tests/test_x.py::test_y"}},
		}),
		planner: fakePlanner{patterns: []string{"unit_only"}},
	}
}

func (f *fixture) orchestrator(opts ...Option) *Orchestrator {
	return New(f.cfg, Deps{
		Repo:     "/repo",
		Planner:  f.planner,
		Provider: f.provider,
		Actuator: f.actuator,
		Graph:    f.graph,
		Static:   f.static,
		Tests:    f.tests,
		Runtime:  f.runtime,
		Lessons:  f.lessons,
		Journal:  f.journal,
	}, opts...)
}

func TestRunPassesAndRecordsLesson(t *testing.T) {
	f := newFixture()

	res := f.orchestrator().Run(context.Background(), "Fix x")

	require.Equal(t, model.StatusPass, res.Status)
	assert.Equal(t, candidate, res.Diff)
	assert.Equal(t, model.ReasonNone, res.Reason)
	assert.Equal(t, 1, res.PatchAttempts())
	assert.NotEmpty(t, res.RunID)

	require.Len(t, f.lessons.cards, 1)
	card := f.lessons.cards[0]
	assert.Equal(t, "Fix x", card.Objective)
	assert.Equal(t, []string{"modA"}, card.Modules)
	assert.Equal(t, []string{"x"}, card.Files)
	assert.Equal(t, "diff --git a/x b/x", card.DiffSignature)
	assert.Equal(t, map[string]bool{"static": true, "tests": true, "runtime": true}, card.Gates)
	assert.Equal(t, res.RunID, card.RunID)

	assert.Equal(t, 1, f.journal.commits)
	assert.Zero(t, f.journal.rollbacks)
}

func TestTestGateEscalatesFromIdentifiersToPatterns(t *testing.T) {
	f := newFixture()
	f.tests.pass = func(sel gates.Selection) bool { return len(sel.IDs) == 0 }

	res := f.orchestrator().Run(context.Background(), "Test escalation")

	require.Equal(t, model.StatusPass, res.Status)
	require.Len(t, res.Iterations, 1)
	want := []model.TestAttempt{
		{Stage: model.StageIdentifiers, IDs: []string{"tests/test_x.py::test_y"}, Passed: false},
		{Stage: model.StagePatterns, Patterns: []string{"unit_only"}, Passed: true},
	}
	if diff := cmp.Diff(want, res.Iterations[0].TestAttempts); diff != "" {
		t.Errorf("test attempts mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, f.tests.got, 2)
}

func TestTestGateSkipsUnsupportedIdentifierStage(t *testing.T) {
	f := newFixture()
	f.tests.pass = func(sel gates.Selection) bool { return len(sel.Patterns) == 0 }
	deps := Deps{
		Repo:     "/repo",
		Planner:  f.planner,
		Provider: f.provider,
		Actuator: f.actuator,
		Graph:    f.graph,
		Tests:    patternOnlyTestGate{f.tests},
	}

	res := New(f.cfg, deps).Run(context.Background(), "Test escalation")

	require.Equal(t, model.StatusPass, res.Status)
	want := []model.TestAttempt{
		{Stage: model.StagePatterns, Patterns: []string{"unit_only"}, Passed: false},
		{Stage: model.StageFull, Passed: true},
	}
	if diff := cmp.Diff(want, res.Iterations[0].TestAttempts); diff != "" {
		t.Errorf("test attempts mismatch (-want +got):\n%s", diff)
	}
}

func TestLessonListsFilesWithoutGraph(t *testing.T) {
	f := newFixture()
	f.graph = nil

	res := f.orchestrator().Run(context.Background(), "Fix x")

	require.Equal(t, model.StatusPass, res.Status)
	require.Len(t, f.lessons.cards, 1)
	assert.Equal(t, []string{"x"}, f.lessons.cards[0].Files)
	assert.Empty(t, f.lessons.cards[0].Modules)
}

func TestTestGateFallsBackToFullSuite(t *testing.T) {
	f := newFixture()
	f.graph = nil
	f.planner = fakePlanner{}

	res := f.orchestrator().Run(context.Background(), "anything")

	require.Equal(t, model.StatusPass, res.Status)
	assert.Equal(t, []gates.Selection{{}}, f.tests.got)
	assert.Equal(t, model.StageFull, res.Iterations[0].TestAttempts[0].Stage)
}

func TestTestGateFailsAfterEveryStage(t *testing.T) {
	f := newFixture()
	f.cfg.MaxIterations = 1
	f.tests.pass = func(gates.Selection) bool { return false }

	res := f.orchestrator().Run(context.Background(), "x")

	assert.Equal(t, model.StatusFail, res.Status)
	require.Len(t, res.Iterations, 1)
	it := res.Iterations[0]
	assert.Len(t, it.TestAttempts, 3)
	assert.Equal(t, model.OutcomeFail, it.Gates[model.GateTests])
	assert.Equal(t, model.FailureGate, it.Failure)
	assert.Zero(t, f.runtime.calls)
}

func TestZeroBudgetFailsImmediately(t *testing.T) {
	f := newFixture()
	f.cfg.TotalBudget = 0

	res := f.orchestrator().Run(context.Background(), "x")

	assert.Equal(t, model.StatusFail, res.Status)
	assert.Equal(t, model.ReasonBudget, res.Reason)
	assert.Empty(t, res.Diff)
	assert.Zero(t, res.PatchAttempts())
	assert.Zero(t, f.provider.calls)
	assert.Zero(t, f.actuator.calls)
}

func TestIterationCap(t *testing.T) {
	f := newFixture()
	f.cfg.MaxIterations = 3
	f.static.results = []bool{false}

	res := f.orchestrator().Run(context.Background(), "x")

	assert.Equal(t, model.StatusFail, res.Status)
	assert.Equal(t, model.ReasonIterations, res.Reason)
	assert.Empty(t, res.Diff)
	assert.Len(t, res.Iterations, 3)
	assert.Equal(t, 3, res.PatchAttempts())
	assert.Equal(t, 3, f.provider.calls)
	assert.Equal(t, 3, f.journal.rollbacks)
	assert.Zero(t, f.journal.commits)
	assert.Empty(t, f.lessons.cards)
	for _, it := range res.Iterations {
		assert.Equal(t, model.OutcomeFail, it.Gates[model.GateStatic])
		assert.Equal(t, []string{"x"}, it.RolledBack)
		assert.Equal(t, "gate output", it.Detail)
	}
}

func TestFailingGateReplans(t *testing.T) {
	f := newFixture()
	f.runtime.results = []bool{false, true}

	res := f.orchestrator().Run(context.Background(), "x")

	require.Equal(t, model.StatusPass, res.Status)
	assert.Len(t, res.Iterations, 2)
	assert.Equal(t, 2, f.provider.calls)
	assert.Equal(t, 2, f.static.calls)
	assert.Equal(t, 1, f.journal.rollbacks)
	assert.Equal(t, 1, f.journal.commits)
}

func TestRollbackDisabledKeepsChanges(t *testing.T) {
	f := newFixture()
	f.cfg.MaxIterations = 2
	f.cfg.RollbackFailed = false
	f.static.results = []bool{false}

	res := f.orchestrator().Run(context.Background(), "x")

	assert.Equal(t, model.StatusFail, res.Status)
	assert.Zero(t, f.journal.rollbacks)
	assert.Equal(t, 1, f.journal.commits)
}

func TestPatchFailuresCountAsIterations(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeProvider
		apply    func(string) model.ApplyResult
		want     model.FailureKind
		attempts int
	}{
		{
			name:     "provider error",
			provider: &fakeProvider{err: errors.New("rate limited")},
			want:     model.FailureProvider,
		},
		{
			name:     "no hunks",
			provider: &fakeProvider{diff: "garbage"},
			apply: func(string) model.ApplyResult {
				return model.ApplyResult{ArtifactDir: "/tmp/a"}
			},
			want:     model.FailureMalformedDiff,
			attempts: 2,
		},
		{
			name:     "conflict",
			provider: &fakeProvider{diff: candidate},
			apply: func(string) model.ApplyResult {
				return model.ApplyResult{TotalHunks: 1, ArtifactDir: "/tmp/a", Stderr: "patch does not apply"}
			},
			want:     model.FailureApplyConflict,
			attempts: 2,
		},
		{
			name:     "propagation failed",
			provider: &fakeProvider{diff: candidate},
			apply: func(d string) model.ApplyResult {
				return model.ApplyResult{OK: true, TotalHunks: 1, AppliedHunks: 1, RefinedDiff: d, ArtifactDir: "/tmp/a", PropagateError: "busy"}
			},
			want:     model.FailureApplyConflict,
			attempts: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.cfg.MaxIterations = 2
			f.provider = tt.provider
			f.actuator.result = tt.apply

			res := f.orchestrator().Run(context.Background(), "x")

			assert.Equal(t, model.StatusFail, res.Status)
			assert.Equal(t, model.ReasonIterations, res.Reason)
			require.Len(t, res.Iterations, 2)
			assert.Equal(t, tt.want, res.Iterations[0].Failure)
			assert.Equal(t, tt.attempts, res.PatchAttempts())
			assert.Zero(t, f.static.calls)
		})
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestBudgetExhaustedMidIteration(t *testing.T) {
	f := newFixture()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.actuator.onCall = func() { clock.t = clock.t.Add(2 * time.Minute) }
	logger := logging.NewTestLogger()

	o := New(f.cfg, Deps{
		Repo:     "/repo",
		Planner:  f.planner,
		Provider: f.provider,
		Actuator: f.actuator,
		Graph:    f.graph,
		Static:   f.static,
		Tests:    f.tests,
		Runtime:  f.runtime,
		Journal:  f.journal,
		Logger:   logger.Logger,
	}, WithClock(clock.now))
	res := o.Run(context.Background(), "x")

	assert.Equal(t, model.StatusFail, res.Status)
	assert.Equal(t, model.ReasonBudget, res.Reason)
	require.Len(t, res.Iterations, 1)
	assert.Equal(t, model.FailureBudgetExhausted, res.Iterations[0].Failure)
	assert.Equal(t, 1, res.PatchAttempts())
	assert.Zero(t, f.static.calls, "no gate starts once the budget is spent")
	assert.Equal(t, 1, f.journal.rollbacks)
	assert.Equal(t, 2*time.Minute, res.Elapsed)
	logger.AssertLogged(t, zapcore.WarnLevel, "run exhausted")
}

func TestObserverSeesStatesInOrder(t *testing.T) {
	f := newFixture()
	var states []State
	var final *model.RunResult

	f.orchestrator(WithObserver(func(e Event) {
		if !e.Done {
			states = append(states, e.State)
		}
		if e.Result != nil {
			final = e.Result
		}
	})).Run(context.Background(), "x")

	assert.Equal(t, []State{StatePlanning, StatePatching, StateStatic, StateTests, StateRuntime}, states)
	require.NotNil(t, final)
	assert.Equal(t, model.StatusPass, final.Status)
}

func TestRunKeepsRunIDFromContext(t *testing.T) {
	f := newFixture()
	ctx := logging.WithRunID(context.Background(), "run-42")

	res := f.orchestrator().Run(ctx, "x")

	assert.Equal(t, "run-42", res.RunID)
}
