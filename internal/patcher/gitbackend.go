package patcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sokinpui/patchloop/internal/fs"
	"github.com/sokinpui/patchloop/internal/sandbox"
)

const (
	baselineMessage = "patchloop baseline"
	baselineAuthor  = "patchloop"
	baselineEmail   = "patchloop@localhost"
)

// GitBackend applies diffs with git. Isolation is a local clone carrying the
// source repository's uncommitted state as an extra baseline commit.
type GitBackend struct {
	runner sandbox.Runner
}

// NewGitBackend creates a GitBackend that runs git through runner.
func NewGitBackend(runner sandbox.Runner) *GitBackend {
	return &GitBackend{runner: runner}
}

func (g *GitBackend) Name() string { return "git" }

func (g *GitBackend) Available() bool { return sandbox.Available("git") }

func (g *GitBackend) git(ctx context.Context, dir, stdin string, args ...string) sandbox.Result {
	return g.runner.Run(ctx, sandbox.Command{
		Argv:  append([]string{"git"}, args...),
		Dir:   dir,
		Stdin: stdin,
	})
}

// checkRoot fails unless repo is the top level of a git work tree.
func (g *GitBackend) checkRoot(ctx context.Context, repo string) error {
	res := g.git(ctx, repo, "", "rev-parse", "--show-prefix")
	if res.NotFound {
		return ErrToolUnavailable
	}
	if !res.OK() {
		return fmt.Errorf("%s is not a git work tree: %s", repo, strings.TrimSpace(res.Output()))
	}
	if prefix := strings.TrimSpace(res.Stdout); prefix != "" {
		return fmt.Errorf("%s is inside a git work tree at %q, not its root", repo, prefix)
	}
	return nil
}

func (g *GitBackend) hasHead(ctx context.Context, dir string) bool {
	return g.git(ctx, dir, "", "rev-parse", "--verify", "-q", "HEAD").OK()
}

func (g *GitBackend) Isolate(ctx context.Context, repo string) (*Workspace, error) {
	if err := g.checkRoot(ctx, repo); err != nil {
		return nil, err
	}

	tmp, err := os.MkdirTemp("", "patchloop-git-")
	if err != nil {
		return nil, fmt.Errorf("could not create workspace: %w", err)
	}
	ws := &Workspace{Dir: filepath.Join(tmp, "work"), Isolated: true, cleanup: removeAllFunc(tmp)}

	if res := g.git(ctx, "", "", "clone", "--no-hardlinks", "--local", "-q", repo, ws.Dir); !res.OK() {
		ws.Close()
		return nil, fmt.Errorf("git clone failed: %s", strings.TrimSpace(res.Output()))
	}
	if err := g.overlayLocalChanges(ctx, repo, ws.Dir); err != nil {
		ws.Close()
		return nil, err
	}

	baseline, err := g.commitBaseline(ctx, ws.Dir)
	if err != nil {
		ws.Close()
		return nil, err
	}
	ws.Baseline = baseline
	return ws, nil
}

// overlayLocalChanges reproduces the uncommitted tracked changes and the
// untracked, non-ignored files of repo inside the clone.
func (g *GitBackend) overlayLocalChanges(ctx context.Context, repo, clone string) error {
	if g.hasHead(ctx, repo) {
		res := g.git(ctx, repo, "", "diff", "HEAD", "--binary")
		if !res.OK() {
			return fmt.Errorf("could not read local changes: %s", strings.TrimSpace(res.Output()))
		}
		if strings.TrimSpace(res.Stdout) != "" {
			if res := g.git(ctx, clone, res.Stdout, "apply", "--whitespace=nowarn", "-"); !res.OK() {
				return fmt.Errorf("could not replay local changes: %s", strings.TrimSpace(res.Output()))
			}
		}
	}

	untracked, err := g.untracked(ctx, repo)
	if err != nil {
		return err
	}
	for _, name := range sortedKeys(untracked) {
		if !fs.Within(name) {
			continue
		}
		if err := fs.CopyFile(filepath.Join(repo, name), filepath.Join(clone, name)); err != nil {
			return fmt.Errorf("could not copy untracked file %s: %w", name, err)
		}
	}
	return nil
}

func (g *GitBackend) commitBaseline(ctx context.Context, dir string) (string, error) {
	if res := g.git(ctx, dir, "", "add", "-A"); !res.OK() {
		return "", fmt.Errorf("git add failed: %s", strings.TrimSpace(res.Output()))
	}
	res := g.git(ctx, dir, "",
		"-c", "user.name="+baselineAuthor,
		"-c", "user.email="+baselineEmail,
		"-c", "commit.gpgsign=false",
		"commit", "-q", "--no-verify", "--allow-empty", "-m", baselineMessage)
	if !res.OK() {
		return "", fmt.Errorf("baseline commit failed: %s", strings.TrimSpace(res.Output()))
	}
	head := g.git(ctx, dir, "", "rev-parse", "HEAD")
	if !head.OK() {
		return "", fmt.Errorf("could not resolve baseline: %s", strings.TrimSpace(head.Output()))
	}
	return strings.TrimSpace(head.Stdout), nil
}

// Direct records a baseline for repo without copying it. The baseline is a
// stash commit of the current tracked state, or HEAD when the tree is clean.
// Untracked files present now are remembered so later diffs only report new
// ones.
func (g *GitBackend) Direct(ctx context.Context, repo string) (*Workspace, error) {
	if err := g.checkRoot(ctx, repo); err != nil {
		return nil, err
	}
	if !g.hasHead(ctx, repo) {
		return nil, fmt.Errorf("%s has no commits", repo)
	}

	baseline := strings.TrimSpace(g.git(ctx, repo, "", "stash", "create").Stdout)
	if baseline == "" {
		res := g.git(ctx, repo, "", "rev-parse", "HEAD")
		if !res.OK() {
			return nil, fmt.Errorf("could not resolve HEAD: %s", strings.TrimSpace(res.Output()))
		}
		baseline = strings.TrimSpace(res.Stdout)
	}

	untracked, err := g.untracked(ctx, repo)
	if err != nil {
		return nil, err
	}
	return &Workspace{Dir: repo, Baseline: baseline, preexisting: untracked}, nil
}

func (g *GitBackend) untracked(ctx context.Context, dir string) (map[string]struct{}, error) {
	res := g.git(ctx, dir, "", "ls-files", "--others", "--exclude-standard", "-z")
	if !res.OK() {
		return nil, fmt.Errorf("could not list untracked files: %s", strings.TrimSpace(res.Output()))
	}
	set := make(map[string]struct{})
	for _, name := range strings.Split(res.Stdout, "\x00") {
		if name != "" && !isToolPath(name) {
			set[name] = struct{}{}
		}
	}
	return set, nil
}

func stripArg(patchPath string) string {
	content, _ := fs.ReadIfExists(patchPath)
	return "-p" + strconv.Itoa(stripLevel(content))
}

// ApplyWhole applies the patch with a three-way merge inside an isolated
// clone, undoing any partial state on failure. On a direct workspace it checks
// the whole patch first and leaves the index alone.
func (g *GitBackend) ApplyWhole(ctx context.Context, ws *Workspace, patchPath string) Outcome {
	strip := stripArg(patchPath)
	if !ws.Isolated {
		check := outcomeOf(g.git(ctx, ws.Dir, "", "apply", "--check", "--whitespace=nowarn", strip, patchPath))
		if !check.OK {
			return check
		}
		return outcomeOf(g.git(ctx, ws.Dir, "", "apply", "--whitespace=nowarn", strip, patchPath))
	}

	out := outcomeOf(g.git(ctx, ws.Dir, "", "apply", "--3way", "--whitespace=nowarn", strip, patchPath))
	if !out.OK {
		g.git(ctx, ws.Dir, "", "reset", "--hard", "-q", ws.Baseline)
		g.git(ctx, ws.Dir, "", "clean", "-fdq")
	}
	return out
}

func (g *GitBackend) ApplyFragment(ctx context.Context, dir, patchPath string) Outcome {
	return outcomeOf(g.git(ctx, dir, "", "apply", "--reject", "--whitespace=nowarn", stripArg(patchPath), patchPath))
}

func (g *GitBackend) DiffBaseline(ctx context.Context, ws *Workspace) (string, Outcome) {
	if ws.Baseline == "" {
		return "", Outcome{Stderr: ErrNoWorkspace.Error()}
	}
	if ws.Isolated {
		if res := g.git(ctx, ws.Dir, "", "add", "-A"); !res.OK() {
			return "", outcomeOf(res)
		}
		res := g.git(ctx, ws.Dir, "", "diff", "--cached", ws.Baseline)
		return res.Stdout, outcomeOf(res)
	}

	res := g.git(ctx, ws.Dir, "", "diff", ws.Baseline)
	if !res.OK() {
		return "", outcomeOf(res)
	}
	var b strings.Builder
	b.WriteString(res.Stdout)

	now, err := g.untracked(ctx, ws.Dir)
	if err != nil {
		return b.String(), Outcome{OK: true, Stderr: err.Error()}
	}
	for _, name := range sortedKeys(now) {
		if _, ok := ws.preexisting[name]; ok {
			continue
		}
		// --no-index exits 1 when the files differ, which they always do here.
		added := g.git(ctx, ws.Dir, "", "diff", "--no-index", "--", nullPath, name)
		b.WriteString(added.Stdout)
	}
	return b.String(), Outcome{OK: true}
}
