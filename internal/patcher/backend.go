package patcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sokinpui/patchloop/internal/sandbox"
)

var (
	// ErrToolUnavailable means the backend's external tool is not installed.
	ErrToolUnavailable = errors.New("tool unavailable")
	// ErrNoWorkspace means neither an isolated copy nor a direct baseline could be set up.
	ErrNoWorkspace = errors.New("no workspace")
)

// Outcome is the explicit result of one backend operation.
type Outcome struct {
	OK     bool
	Stdout string
	Stderr string
	// Unavailable is set when the operation could not run at all.
	Unavailable bool
}

// Diagnostic joins the captured streams.
func (o Outcome) Diagnostic() string {
	var b strings.Builder
	b.WriteString(o.Stdout)
	if o.Stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
		b.WriteString(o.Stderr)
	}
	return b.String()
}

func outcomeOf(res sandbox.Result) Outcome {
	o := Outcome{OK: res.OK(), Stdout: res.Stdout, Stderr: res.Stderr, Unavailable: res.NotFound}
	if res.Err != nil {
		if o.Stderr != "" && !strings.HasSuffix(o.Stderr, "\n") {
			o.Stderr += "\n"
		}
		o.Stderr += res.Err.Error()
	}
	return o
}

func unavailable(tool string) Outcome {
	return Outcome{Unavailable: true, Stderr: tool + ": " + ErrToolUnavailable.Error()}
}

// Workspace is where a diff is tried. When Isolated is false Dir is the
// target repository itself.
type Workspace struct {
	Dir      string
	Isolated bool
	// Baseline identifies the pre-application state: a commit for git, a
	// snapshot directory for the filesystem backend.
	Baseline string

	preexisting map[string]struct{}
	cleanup     func()
}

// Close disposes of the workspace. Errors are ignored.
func (w *Workspace) Close() {
	if w != nil && w.cleanup != nil {
		w.cleanup()
		w.cleanup = nil
	}
}

func removeAllFunc(dir string) func() {
	return func() { _ = os.RemoveAll(dir) }
}

// Backend is the narrow capability the actuator needs from a version control
// or patch tool.
type Backend interface {
	Name() string
	Available() bool
	// Isolate creates a private working copy of repo.
	Isolate(ctx context.Context, repo string) (*Workspace, error)
	// Direct prepares to operate on repo in place, recording a baseline.
	Direct(ctx context.Context, repo string) (*Workspace, error)
	// ApplyWhole applies an entire patch with reconciliation, all or nothing.
	ApplyWhole(ctx context.Context, ws *Workspace, patchPath string) Outcome
	// ApplyFragment applies a patch directly, leaving unappliable hunks in
	// reject files next to their targets.
	ApplyFragment(ctx context.Context, dir, patchPath string) Outcome
	// DiffBaseline returns the unified diff of ws against its baseline.
	DiffBaseline(ctx context.Context, ws *Workspace) (string, Outcome)
}

// noBackend stands in when no tool is installed; every operation fails.
type noBackend struct{}

func (noBackend) Name() string    { return "none" }
func (noBackend) Available() bool { return false }

func (noBackend) Isolate(context.Context, string) (*Workspace, error) {
	return nil, ErrToolUnavailable
}

func (noBackend) Direct(context.Context, string) (*Workspace, error) {
	return nil, ErrToolUnavailable
}

func (noBackend) ApplyWhole(context.Context, *Workspace, string) Outcome {
	return unavailable("apply")
}

func (noBackend) ApplyFragment(context.Context, string, string) Outcome {
	return unavailable("apply")
}

func (noBackend) DiffBaseline(context.Context, *Workspace) (string, Outcome) {
	return "", unavailable("diff")
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Chain is an ordered list of backends, most capable first.
type Chain []Backend

// DefaultChain prefers git and falls back to the patch tool.
func DefaultChain(runner sandbox.Runner) Chain {
	return Chain{NewGitBackend(runner), NewFSBackend(runner)}
}

// ChainOf builds a chain from backend names ("git", "fs"), keeping their order.
func ChainOf(names []string, runner sandbox.Runner) (Chain, error) {
	var c Chain
	for _, name := range names {
		switch strings.ToLower(name) {
		case "git":
			c = append(c, NewGitBackend(runner))
		case "fs":
			c = append(c, NewFSBackend(runner))
		default:
			return nil, fmt.Errorf("unknown backend %q", name)
		}
	}
	return c, nil
}

// Available returns the backends whose tools are installed, in order.
func (c Chain) Available() []Backend {
	var out []Backend
	for _, b := range c {
		if b != nil && b.Available() {
			out = append(out, b)
		}
	}
	return out
}
