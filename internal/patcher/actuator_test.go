package patcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokinpui/patchloop/internal/sandbox"
)

const numbered = "one\ntwo\nthree\nfour\nfive\nsix\nseven\neight\nnine\nten\neleven\ntwelve\n"

const twoHunkDiff = `diff --git a/a.txt b/a.txt
--- a/a.txt
+++ b/a.txt
@@ -1,3 +1,3 @@
 one
-two
+TWO
 three
@@ -10,3 +10,3 @@
 ten
-eleven
+ELEVEN
 twelve
`

func requireTool(t *testing.T, name string) {
	t.Helper()
	if !sandbox.Available(name) {
		t.Skipf("%s not available", name)
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	argv := append([]string{"-c", "user.name=test", "-c", "user.email=test@example.com", "-c", "commit.gpgsign=false"}, args...)
	cmd := exec.Command("git", argv...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}

func initRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	repo := t.TempDir()
	runGit(t, repo, "init", "-q")
	writeTree(t, repo, files)
	runGit(t, repo, "add", "-A")
	runGit(t, repo, "commit", "-q", "-m", "init")
	return repo
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func newTestActuator(t *testing.T, chain Chain, opts ...Option) *Actuator {
	t.Helper()
	opts = append([]Option{WithArtifactRoot(t.TempDir())}, opts...)
	return NewActuator(chain, opts...)
}

func TestApplyEmptyDiff(t *testing.T) {
	a := newTestActuator(t, DefaultChain(sandbox.New(nil)))

	res := a.Apply(context.Background(), t.TempDir(), "", true)

	assert.False(t, res.OK)
	assert.Zero(t, res.TotalHunks)
	assert.Zero(t, res.AppliedHunks)
	assert.Empty(t, res.RefinedDiff)
	require.NotEmpty(t, res.ArtifactDir)
	assert.FileExists(t, filepath.Join(res.ArtifactDir, "input.diff"))
	assert.FileExists(t, filepath.Join(res.ArtifactDir, "refined.diff"))
}

func TestApplyConflictingHunkWithGit(t *testing.T) {
	requireTool(t, "git")
	repo := initRepo(t, map[string]string{"a.txt": numbered})
	local := "one\nlocal two\nthree\nfour\nfive\nsix\nseven\neight\nnine\nten\neleven\ntwelve\n"
	writeTree(t, repo, map[string]string{"a.txt": local})

	a := newTestActuator(t, Chain{NewGitBackend(sandbox.New(nil))})
	res := a.Apply(context.Background(), repo, twoHunkDiff, true)

	assert.True(t, res.OK)
	assert.True(t, res.Isolated)
	assert.Equal(t, 2, res.TotalHunks)
	assert.Equal(t, 1, res.AppliedHunks)
	assert.Contains(t, res.RefinedDiff, "+ELEVEN")
	assert.NotContains(t, res.RefinedDiff, "TWO")

	assert.FileExists(t, filepath.Join(res.ArtifactDir, "candidate.patch"))
	assert.FileExists(t, filepath.Join(res.ArtifactDir, "hunk_0.patch"))
	assert.FileExists(t, filepath.Join(res.ArtifactDir, "hunk_1.patch"))
	assert.FileExists(t, filepath.Join(res.ArtifactDir, "hunk_0.reject.txt"))
	assert.NoFileExists(t, filepath.Join(res.ArtifactDir, "hunk_1.reject.txt"))

	assert.True(t, res.Propagated, res.PropagateError)
	want := "one\nlocal two\nthree\nfour\nfive\nsix\nseven\neight\nnine\nten\nELEVEN\ntwelve\n"
	assert.Equal(t, want, readFile(t, filepath.Join(repo, "a.txt")))
	assert.NoFileExists(t, filepath.Join(repo, "a.txt.rej"))
}

func TestApplyWholeDiffWithGit(t *testing.T) {
	requireTool(t, "git")
	repo := initRepo(t, map[string]string{"a.txt": numbered})

	a := newTestActuator(t, Chain{NewGitBackend(sandbox.New(nil))})
	res := a.Apply(context.Background(), repo, twoHunkDiff, true)

	assert.True(t, res.OK)
	assert.Equal(t, 1, res.TotalHunks)
	assert.Equal(t, 1, res.AppliedHunks)
	assert.Contains(t, res.RefinedDiff, "+TWO")
	assert.Contains(t, res.RefinedDiff, "+ELEVEN")
	assert.NoFileExists(t, filepath.Join(res.ArtifactDir, "hunk_0.patch"))

	assert.True(t, res.Propagated, res.PropagateError)
	want := "one\nTWO\nthree\nfour\nfive\nsix\nseven\neight\nnine\nten\nELEVEN\ntwelve\n"
	assert.Equal(t, want, readFile(t, filepath.Join(repo, "a.txt")))
}

func TestApplyWithoutReconciliationSegmentsEveryHunk(t *testing.T) {
	requireTool(t, "git")
	repo := initRepo(t, map[string]string{"a.txt": numbered})

	a := newTestActuator(t, Chain{NewGitBackend(sandbox.New(nil))})
	res := a.Apply(context.Background(), repo, twoHunkDiff, false)

	assert.True(t, res.OK)
	assert.Equal(t, 2, res.TotalHunks)
	assert.Equal(t, 2, res.AppliedHunks)
	assert.True(t, res.Propagated, res.PropagateError)
}

func TestApplyConflictingHunkWithPatch(t *testing.T) {
	requireTool(t, "patch")
	repo := t.TempDir()
	writeTree(t, repo, map[string]string{
		"a.txt": "one\nlocal two\nthree\nfour\nfive\nsix\nseven\neight\nnine\nten\neleven\ntwelve\n",
	})

	a := newTestActuator(t, Chain{NewFSBackend(sandbox.New(nil))})
	res := a.Apply(context.Background(), repo, twoHunkDiff, true)

	assert.True(t, res.OK)
	assert.Equal(t, 2, res.TotalHunks)
	assert.Equal(t, 1, res.AppliedHunks)
	assert.Contains(t, res.RefinedDiff, "+ELEVEN")
	assert.NotContains(t, res.RefinedDiff, "TWO")
	assert.FileExists(t, filepath.Join(res.ArtifactDir, "hunk_0.reject.txt"))

	assert.True(t, res.Propagated, res.PropagateError)
	want := "one\nlocal two\nthree\nfour\nfive\nsix\nseven\neight\nnine\nten\nELEVEN\ntwelve\n"
	assert.Equal(t, want, readFile(t, filepath.Join(repo, "a.txt")))
}

func TestApplyWithoutBackendDegrades(t *testing.T) {
	repo := t.TempDir()
	writeTree(t, repo, map[string]string{"a.txt": numbered})

	a := newTestActuator(t, Chain{})
	res := a.Apply(context.Background(), repo, twoHunkDiff, true)

	assert.False(t, res.OK)
	assert.False(t, res.Isolated)
	assert.False(t, res.Propagated)
	assert.Equal(t, 2, res.TotalHunks)
	assert.Zero(t, res.AppliedHunks)
	assert.Contains(t, res.Stderr, ErrToolUnavailable.Error())
	assert.Equal(t, numbered, readFile(t, filepath.Join(repo, "a.txt")))
}

type recordingJournal struct {
	repo  string
	files []string
}

func (j *recordingJournal) Snapshot(repo string, files []string) error {
	j.repo, j.files = repo, files
	return nil
}

func TestApplySnapshotsBeforePropagation(t *testing.T) {
	requireTool(t, "git")
	repo := initRepo(t, map[string]string{"a.txt": numbered})
	journal := &recordingJournal{}

	a := newTestActuator(t, Chain{NewGitBackend(sandbox.New(nil))}, WithJournal(journal))
	res := a.Apply(context.Background(), repo, twoHunkDiff, true)

	require.True(t, res.Propagated, res.PropagateError)
	abs, err := filepath.Abs(repo)
	require.NoError(t, err)
	assert.Equal(t, abs, journal.repo)
	assert.Equal(t, []string{"a.txt"}, journal.files)
}

func TestArtifactDirectoriesAreUnique(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := newTestActuator(t, Chain{}, WithClock(func() time.Time { return fixed }))

	first := a.Apply(context.Background(), t.TempDir(), "", false)
	second := a.Apply(context.Background(), t.TempDir(), "", false)

	assert.Equal(t, "20240501T120000Z", filepath.Base(first.ArtifactDir))
	assert.Equal(t, "20240501T120000Z-1", filepath.Base(second.ArtifactDir))
}

func TestApplySnapshotsBeforeDirectApplication(t *testing.T) {
	repo := t.TempDir()
	writeTree(t, repo, map[string]string{"a.txt": numbered})
	journal := &recordingJournal{}

	a := newTestActuator(t, Chain{}, WithJournal(journal))
	res := a.Apply(context.Background(), repo, twoHunkDiff, false)

	assert.False(t, res.Isolated)
	abs, err := filepath.Abs(repo)
	require.NoError(t, err)
	assert.Equal(t, abs, journal.repo)
	assert.Equal(t, []string{"a.txt"}, journal.files)
}

func TestApplyPlainMultiFileDiffWithOneConflict(t *testing.T) {
	requireTool(t, "git")
	repo := initRepo(t, map[string]string{
		"x.txt": numbered,
		"y.txt": "alpha\nbeta\n",
	})
	writeTree(t, repo, map[string]string{
		"x.txt": "one\nlocal two\nthree\nfour\nfive\nsix\nseven\neight\nnine\nten\neleven\ntwelve\n",
	})
	diff := "--- a/x.txt\n+++ b/x.txt\n@@ -1,3 +1,3 @@\n one\n-two\n+TWO\n three\n" +
		"--- a/y.txt\n+++ b/y.txt\n@@ -1,2 +1,2 @@\n alpha\n-beta\n+BETA\n"

	a := newTestActuator(t, Chain{NewGitBackend(sandbox.New(nil))})
	res := a.Apply(context.Background(), repo, diff, true)

	assert.True(t, res.OK)
	assert.Equal(t, 2, res.TotalHunks)
	assert.Equal(t, 1, res.AppliedHunks)
	assert.Contains(t, res.RefinedDiff, "+BETA")
	assert.NotContains(t, res.RefinedDiff, "TWO")
	assert.FileExists(t, filepath.Join(res.ArtifactDir, "hunk_0.reject.txt"))
	assert.NoFileExists(t, filepath.Join(res.ArtifactDir, "hunk_1.reject.txt"))

	require.True(t, res.Propagated, res.PropagateError)
	assert.Equal(t, "alpha\nBETA\n", readFile(t, filepath.Join(repo, "y.txt")))
	assert.Contains(t, readFile(t, filepath.Join(repo, "x.txt")), "local two")
}

func TestApplyDiffAgainstCRLFFile(t *testing.T) {
	requireTool(t, "git")
	const crlf = "one\r\ntwo\r\nthree\r\n"
	diff := "diff --git a/w.txt b/w.txt\n--- a/w.txt\n+++ b/w.txt\n@@ -1,3 +1,3 @@\n one\r\n-two\r\n+TWO\r\n three\r\n"

	for _, reconciled := range []bool{true, false} {
		repo := initRepo(t, map[string]string{"w.txt": crlf})

		a := newTestActuator(t, Chain{NewGitBackend(sandbox.New(nil))})
		res := a.Apply(context.Background(), repo, diff, reconciled)

		assert.True(t, res.OK, res.Stderr)
		assert.Equal(t, 1, res.AppliedHunks)
		assert.Equal(t, diff, readFile(t, filepath.Join(res.ArtifactDir, "candidate.patch")))
		require.True(t, res.Propagated, res.PropagateError)
		assert.Equal(t, "one\r\nTWO\r\nthree\r\n", readFile(t, filepath.Join(repo, "w.txt")))
	}
}

func TestUnwritableFragmentLeavesDiagnostic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "hunk_0.patch"), 0755))
	a := newTestActuator(t, Chain{})
	var rep report

	applied := a.applyFragments(context.Background(), noBackend{}, &Workspace{Dir: t.TempDir()}, dir, SplitByHunk(twoHunkDiff), &rep)

	assert.Empty(t, applied)
	assert.Contains(t, rep.stderr.String(), "[hunk_0]\ncould not write fragment patch")
	assert.Contains(t, readFile(t, filepath.Join(dir, "hunk_0.reject.txt")), "hunk not attempted")
	assert.FileExists(t, filepath.Join(dir, "hunk_1.reject.txt"))
}
