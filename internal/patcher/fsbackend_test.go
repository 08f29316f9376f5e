package patcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokinpui/patchloop/internal/sandbox"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func TestTreeDiff(t *testing.T) {
	before, after := t.TempDir(), t.TempDir()
	writeTree(t, before, map[string]string{
		"a.txt":    "one\ntwo\nthree\n",
		"gone.txt": "bye\n",
		"same.txt": "x\n",
	})
	writeTree(t, after, map[string]string{
		"a.txt":    "one\nTWO\nthree\n",
		"new.txt":  "hi",
		"same.txt": "x\n",
	})

	got, err := TreeDiff(before, after)
	require.NoError(t, err)

	want := "diff --git a/a.txt b/a.txt\n" +
		"--- a/a.txt\n" +
		"+++ b/a.txt\n" +
		"@@ -1,3 +1,3 @@\n" +
		" one\n" +
		"-two\n" +
		"+TWO\n" +
		" three\n" +
		"diff --git a/gone.txt b/gone.txt\n" +
		"deleted file mode 100644\n" +
		"--- a/gone.txt\n" +
		"+++ /dev/null\n" +
		"@@ -1 +0,0 @@\n" +
		"-bye\n" +
		"diff --git a/new.txt b/new.txt\n" +
		"new file mode 100644\n" +
		"--- /dev/null\n" +
		"+++ b/new.txt\n" +
		"@@ -0,0 +1 @@\n" +
		"+hi\n" +
		"\\ No newline at end of file\n"
	assert.Equal(t, want, got)
	assert.Equal(t, []string{"a.txt", "gone.txt", "new.txt"}, ChangedFiles(got))
}

func TestTreeDiffSkipsVCSAndBinary(t *testing.T) {
	before, after := t.TempDir(), t.TempDir()
	writeTree(t, before, map[string]string{"blob.bin": "a\x00b"})
	writeTree(t, after, map[string]string{
		"blob.bin":    "a\x00c",
		".git/config": "[core]\n",
	})

	got, err := TreeDiff(before, after)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFSBackendIsolateCopiesTree(t *testing.T) {
	repo := t.TempDir()
	writeTree(t, repo, map[string]string{
		"src/main.go": "package main\n",
		".git/HEAD":   "ref: refs/heads/main\n",
	})

	ws, err := NewFSBackend(nil).Isolate(context.Background(), repo)
	require.NoError(t, err)
	defer ws.Close()

	assert.True(t, ws.Isolated)
	for _, dir := range []string{ws.Dir, ws.Baseline} {
		content, err := os.ReadFile(filepath.Join(dir, "src", "main.go"))
		require.NoError(t, err)
		assert.Equal(t, "package main\n", string(content))
		assert.NoFileExists(t, filepath.Join(dir, ".git", "HEAD"))
	}

	work := ws.Dir
	ws.Close()
	assert.NoDirExists(t, work)
}

func TestChainOf(t *testing.T) {
	c, err := ChainOf([]string{"fs", "Git"}, sandbox.New(nil))
	require.NoError(t, err)
	require.Len(t, c, 2)
	assert.Equal(t, "fs", c[0].Name())
	assert.Equal(t, "git", c[1].Name())

	_, err = ChainOf([]string{"svn"}, nil)
	assert.Error(t, err)
}
