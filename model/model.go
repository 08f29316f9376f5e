package model

import (
	"strings"
	"time"
)

// HunkFragment is one independently-appliable piece of a unified diff.
type HunkFragment struct {
	// Header holds the file block lines up to and including the "+++ " line.
	// It is empty for blocks that had no header pair.
	Header string
	// Body is the hunk, starting at its "@@" marker.
	Body string
}

// Text returns the fragment as a standalone diff ending in a newline.
func (f HunkFragment) Text() string {
	text := f.Header + f.Body
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text
}

// ApplyResult describes what a single actuation durably changed.
type ApplyResult struct {
	OK           bool
	TotalHunks   int
	AppliedHunks int
	RefinedDiff  string
	ArtifactDir  string
	Stdout       string
	Stderr       string

	// Isolated reports whether a separate working copy was used.
	Isolated bool
	// Propagated is set once the refined diff was replayed onto the target.
	Propagated     bool
	PropagateError string
}

// Plan is what the planner derives from an objective.
type Plan struct {
	Objective    string
	Modules      []string
	Files        []string
	Invariants   []string
	TestPatterns []string
	Notes        []string
}

// Context renders the plan as the free-form context handed to a diff provider.
func (p Plan) Context() string {
	parts := []string{
		"Objective: " + p.Objective,
		"Files: " + strings.Join(p.Files, ", "),
		"Invariants: " + strings.Join(p.Invariants, ", "),
		"Tests: " + strings.Join(p.TestPatterns, ", "),
	}
	if len(p.Notes) > 0 {
		parts = append(parts, "Lessons:")
		for _, n := range p.Notes {
			parts = append(parts, "- "+n)
		}
	}
	return strings.Join(parts, "\n")
}

// GateName identifies a verification stage.
type GateName string

const (
	GateStatic  GateName = "static"
	GateTests   GateName = "tests"
	GateRuntime GateName = "runtime"
)

// AllGates returns the gates in evaluation order.
func AllGates() []GateName {
	return []GateName{GateStatic, GateTests, GateRuntime}
}

// GateOutcome is the result of one gate in one iteration.
type GateOutcome string

const (
	OutcomePass GateOutcome = "pass"
	OutcomeFail GateOutcome = "fail"
)

// Passed reports whether the outcome is a pass.
func (o GateOutcome) Passed() bool { return o == OutcomePass }

// TestStage names a test-selection scope.
type TestStage string

const (
	StageIdentifiers TestStage = "identifiers"
	StagePatterns    TestStage = "patterns"
	StageFull        TestStage = "full"
)

// TestAttempt records one test-gate sub-attempt.
type TestAttempt struct {
	Stage    TestStage `json:"stage"`
	IDs      []string  `json:"ids,omitempty"`
	Patterns []string  `json:"patterns,omitempty"`
	Passed   bool      `json:"passed"`
	TimedOut bool      `json:"timed_out,omitempty"`
}

// FailureKind classifies why an iteration or step did not succeed.
type FailureKind string

const (
	FailureNone            FailureKind = ""
	FailureToolUnavailable FailureKind = "tool_unavailable"
	FailureApplyConflict   FailureKind = "apply_conflict"
	FailureTimeout         FailureKind = "timeout"
	FailureBudgetExhausted FailureKind = "budget_exhausted"
	FailureMalformedDiff   FailureKind = "malformed_diff"
	FailureProvider        FailureKind = "provider"
	FailureGate            FailureKind = "gate"
)

// IterationRecord captures one pass through plan, patch and gates.
type IterationRecord struct {
	Iteration    int
	Plan         Plan
	Apply        ApplyResult
	Gates        map[GateName]GateOutcome
	TestAttempts []TestAttempt
	Failure      FailureKind
	Detail       string
	RolledBack   []string
}

// LessonCard is the append-only record of a fully passing iteration.
type LessonCard struct {
	RunID         string          `json:"run_id,omitempty"`
	Objective     string          `json:"objective"`
	Modules       []string        `json:"impacted_modules"`
	Files         []string        `json:"impacted_files"`
	DiffSignature string          `json:"diff_signature"`
	Gates         map[string]bool `json:"verifiers"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

// RunStatus is the terminal status of an orchestrator run.
type RunStatus string

const (
	StatusPass RunStatus = "pass"
	StatusFail RunStatus = "fail"
)

// ExhaustReason tells why a run ended without success.
type ExhaustReason string

const (
	ReasonNone       ExhaustReason = ""
	ReasonIterations ExhaustReason = "iterations"
	ReasonBudget     ExhaustReason = "budget"
)

// RunResult is the user-visible outcome of a run. Diff is empty on failure.
type RunResult struct {
	RunID      string
	Objective  string
	Status     RunStatus
	Diff       string
	Reason     ExhaustReason
	Iterations []IterationRecord
	Elapsed    time.Duration
}

// PatchAttempts counts iterations that reached the patching step.
func (r RunResult) PatchAttempts() int {
	n := 0
	for _, it := range r.Iterations {
		if it.Apply.ArtifactDir != "" {
			n++
		}
	}
	return n
}
