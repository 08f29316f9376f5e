package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/sokinpui/patchloop/internal/orchestrator"
	"github.com/sokinpui/patchloop/internal/patcher"
	"github.com/sokinpui/patchloop/model"
)

// Out receives every line printed by this package.
var Out io.Writer = os.Stderr

var (
	HeaderColor  = color.New(color.FgBlue, color.Bold)
	InfoColor    = color.New(color.FgCyan)
	SuccessColor = color.New(color.FgGreen)
	WarningColor = color.New(color.FgYellow)
	ErrorColor   = color.New(color.FgRed)
	PathColor    = color.New(color.FgYellow)
	FaintColor   = color.New(color.Faint)
)

func Header(format string, a ...interface{}) {
	HeaderColor.Fprintf(Out, format+"\n", a...)
}

func Info(format string, a ...interface{}) {
	InfoColor.Fprintf(Out, format+"\n", a...)
}

func Success(format string, a ...interface{}) {
	SuccessColor.Fprintf(Out, format+"\n", a...)
}

func Warning(format string, a ...interface{}) {
	WarningColor.Fprintf(Out, format+"\n", a...)
}

func Error(format string, a ...interface{}) {
	ErrorColor.Fprintf(Out, format+"\n", a...)
}

func Path(format string, a ...interface{}) {
	PathColor.Fprintf(Out, "  "+format+"\n", a...)
}

func list(items []string) {
	for _, it := range items {
		fmt.Fprintf(Out, "  - %s\n", it)
	}
}

// --- Events ---

// PrintEvent writes one line per loop event. Entering a state is only shown
// for planning, which starts every iteration.
func PrintEvent(e orchestrator.Event) {
	switch {
	case e.Result != nil:
		// The summary covers the final event.
	case !e.Done && e.State == orchestrator.StatePlanning:
		Header("--- Iteration %d ---", e.Iteration)
	case !e.Done:
		InfoColor.Fprintf(Out, "  %s...\n", e.State)
	case e.Stage != "":
		printStep(fmt.Sprintf("%s (%s)", e.State, e.Stage), e.Passed, "")
	default:
		printStep(string(e.State), e.Passed, e.Detail)
	}
}

func printStep(name string, passed bool, detail string) {
	mark, c := "✗", ErrorColor
	if passed {
		mark, c = "✓", SuccessColor
	}
	c.Fprintf(Out, "  %s %s", mark, name)
	if detail != "" {
		FaintColor.Fprintf(Out, "  %s", firstLine(detail))
	}
	fmt.Fprintln(Out)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

// --- Summaries ---

// PrintRunSummary reports the outcome of a run.
func PrintRunSummary(res model.RunResult) {
	Header("\n--- Run Summary ---")
	Info("Objective: %s", res.Objective)
	Info("Iterations: %d, patch attempts: %d, elapsed: %s",
		len(res.Iterations), res.PatchAttempts(), res.Elapsed.Round(time.Millisecond))

	if res.Status == model.StatusPass {
		last := res.Iterations[len(res.Iterations)-1]
		Success("All gates passed.")
		if files := patcher.ChangedFiles(res.Diff); len(files) > 0 {
			Success("Changed %d file(s):", len(files))
			list(files)
		}
		if last.Apply.ArtifactDir != "" {
			Info("Artifacts:")
			Path("%s", last.Apply.ArtifactDir)
		}
		return
	}

	switch res.Reason {
	case model.ReasonBudget:
		Error("Time budget exhausted without a passing iteration.")
	default:
		Error("Iteration limit reached without a passing iteration.")
	}
	for _, it := range res.Iterations {
		line := fmt.Sprintf("#%d %s", it.Iteration, it.Failure)
		if d := firstLine(it.Detail); d != "" {
			line += ": " + d
		}
		fmt.Fprintf(Out, "  - %s\n", line)
		if it.Apply.ArtifactDir != "" {
			Path("%s", it.Apply.ArtifactDir)
		}
	}
}

// PrintRollbackSummary lists files restored after a failed iteration.
func PrintRollbackSummary(restored []string) {
	if len(restored) == 0 {
		return
	}
	Warning("Rolled back %d file(s):", len(restored))
	list(restored)
}

// PrintApplySummary reports a single actuation.
func PrintApplySummary(res model.ApplyResult) {
	Header("\n--- Apply Summary ---")
	if res.TotalHunks == 0 {
		Info("No hunks found. Nothing to apply.")
		return
	}
	if res.OK {
		Success("Applied %d of %d hunk(s).", res.AppliedHunks, res.TotalHunks)
	} else {
		Error("No hunk applied (%d total).", res.TotalHunks)
	}
	if res.PropagateError != "" {
		Warning("Propagation failed: %s", firstLine(res.PropagateError))
	}
	Info("Artifacts:")
	Path("%s", res.ArtifactDir)
}
