package patcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/sokinpui/patchloop/internal/fs"
	"github.com/sokinpui/patchloop/internal/sandbox"
)

const noNewlineMarker = `\ No newline at end of file`

// toolDir holds patchloop's own artifacts, lessons and journal inside a
// repository.
const toolDir = ".patchloop"

// skippedDirs are never copied into or compared between snapshots.
var skippedDirs = []string{".git", ".hg", ".svn", toolDir}

// isToolPath reports whether a slash-separated repository path lies in toolDir.
func isToolPath(name string) bool {
	return name == toolDir || strings.HasPrefix(name, toolDir+"/")
}

// FSBackend works on plain directory copies and the patch tool. It is used
// when the target is not a git work tree or git is missing.
type FSBackend struct {
	runner sandbox.Runner
}

// NewFSBackend creates an FSBackend that runs patch through runner.
func NewFSBackend(runner sandbox.Runner) *FSBackend {
	return &FSBackend{runner: runner}
}

func (f *FSBackend) Name() string { return "fs" }

func (f *FSBackend) Available() bool { return sandbox.Available("patch") }

func (f *FSBackend) Isolate(ctx context.Context, repo string) (*Workspace, error) {
	if info, err := os.Stat(repo); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", repo)
	}
	tmp, err := os.MkdirTemp("", "patchloop-fs-")
	if err != nil {
		return nil, fmt.Errorf("could not create workspace: %w", err)
	}
	ws := &Workspace{
		Dir:      filepath.Join(tmp, "work"),
		Baseline: filepath.Join(tmp, "base"),
		Isolated: true,
		cleanup:  removeAllFunc(tmp),
	}
	for _, dst := range []string{ws.Dir, ws.Baseline} {
		if err := fs.CopyTree(repo, dst, skippedDirs...); err != nil {
			ws.Close()
			return nil, fmt.Errorf("could not copy %s: %w", repo, err)
		}
	}
	return ws, nil
}

// Direct snapshots repo as the baseline and operates on repo itself.
func (f *FSBackend) Direct(ctx context.Context, repo string) (*Workspace, error) {
	tmp, err := os.MkdirTemp("", "patchloop-fs-")
	if err != nil {
		return nil, fmt.Errorf("could not create snapshot: %w", err)
	}
	ws := &Workspace{Dir: repo, Baseline: filepath.Join(tmp, "base"), cleanup: removeAllFunc(tmp)}
	if err := fs.CopyTree(repo, ws.Baseline, skippedDirs...); err != nil {
		ws.Close()
		return nil, fmt.Errorf("could not snapshot %s: %w", repo, err)
	}
	return ws, nil
}

func (f *FSBackend) patch(ctx context.Context, dir, patchPath string, extra ...string) Outcome {
	argv := []string{"patch", stripArg(patchPath), "-t", "-N", "--no-backup-if-mismatch"}
	argv = append(argv, extra...)
	argv = append(argv, "-i", patchPath)
	return outcomeOf(f.runner.Run(ctx, sandbox.Command{Argv: argv, Dir: dir}))
}

// ApplyWhole is all or nothing: a dry run must succeed before the real one.
func (f *FSBackend) ApplyWhole(ctx context.Context, ws *Workspace, patchPath string) Outcome {
	if out := f.patch(ctx, ws.Dir, patchPath, "--dry-run", "-s"); !out.OK {
		return out
	}
	return f.patch(ctx, ws.Dir, patchPath, "-s")
}

func (f *FSBackend) ApplyFragment(ctx context.Context, dir, patchPath string) Outcome {
	return f.patch(ctx, dir, patchPath)
}

func (f *FSBackend) DiffBaseline(ctx context.Context, ws *Workspace) (string, Outcome) {
	if ws.Baseline == "" {
		return "", Outcome{Stderr: ErrNoWorkspace.Error()}
	}
	diff, err := TreeDiff(ws.Baseline, ws.Dir)
	if err != nil {
		return "", Outcome{Stderr: err.Error()}
	}
	return diff, Outcome{OK: true}
}

// TreeDiff renders the differences between two directory trees as a git
// style unified diff with three lines of context. Binary files are skipped.
func TreeDiff(before, after string) (string, error) {
	oldFiles, err := fs.ListFiles(before, skippedDirs...)
	if err != nil {
		return "", fmt.Errorf("could not list %s: %w", before, err)
	}
	newFiles, err := fs.ListFiles(after, skippedDirs...)
	if err != nil {
		return "", fmt.Errorf("could not list %s: %w", after, err)
	}

	names := make(map[string]struct{}, len(oldFiles)+len(newFiles))
	for _, n := range oldFiles {
		names[n] = struct{}{}
	}
	for _, n := range newFiles {
		names[n] = struct{}{}
	}

	var b strings.Builder
	for _, name := range sortedKeys(names) {
		a, aok := fs.ReadIfExists(filepath.Join(before, filepath.FromSlash(name)))
		c, cok := fs.ReadIfExists(filepath.Join(after, filepath.FromSlash(name)))
		if aok == cok && a == c {
			continue
		}
		if isBinary(a) || isBinary(c) {
			continue
		}
		text, err := fileDiff(name, a, aok, c, cok)
		if err != nil {
			return "", err
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

func fileDiff(name, a string, aok bool, c string, cok bool) (string, error) {
	from, to := "a/"+name, "b/"+name
	var header strings.Builder
	fmt.Fprintf(&header, "diff --git a/%s b/%s\n", name, name)
	switch {
	case !aok:
		header.WriteString("new file mode 100644\n")
		from = nullPath
	case !cok:
		header.WriteString("deleted file mode 100644\n")
		to = nullPath
	}

	body, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        diffLines(a),
		B:        diffLines(c),
		FromFile: from,
		ToFile:   to,
		Context:  3,
	})
	if err != nil {
		return "", fmt.Errorf("could not diff %s: %w", name, err)
	}
	if body == "" {
		// Empty file created or removed: only the header carries the change.
		fmt.Fprintf(&header, "--- %s\n+++ %s\n", from, to)
	}
	return header.String() + body, nil
}

// diffLines splits content into newline-terminated lines. A final line
// without newline gets the standard marker appended so the rendered hunk
// stays well formed.
func diffLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.SplitAfter(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	last := len(lines) - 1
	if !strings.HasSuffix(lines[last], "\n") {
		lines[last] += "\n" + noNewlineMarker + "\n"
	}
	return lines
}

func isBinary(content string) bool {
	probe := content
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return strings.IndexByte(probe, 0) >= 0
}
