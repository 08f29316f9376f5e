package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyTreeSkipsNamedDirectories(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, WriteFile(filepath.Join(src, "a", "b.txt"), []byte("b"), 0644))
	require.NoError(t, WriteFile(filepath.Join(src, ".git", "HEAD"), []byte("ref"), 0644))
	require.NoError(t, WriteFile(filepath.Join(src, "run.sh"), []byte("#!/bin/sh\n"), 0755))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, CopyTree(src, dst, ".git"))

	files, err := ListFiles(dst)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a/b.txt", "run.sh"}, files)

	info, err := os.Stat(filepath.Join(dst, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestListFilesMissingRoot(t *testing.T) {
	files, err := ListFiles(filepath.Join(t.TempDir(), "missing"))
	assert.NoError(t, err)
	assert.Empty(t, files)
}

func TestFileSHA256(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	sum, err := GetFileSHA256(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
}

func TestIsEmpty(t *testing.T) {
	dir := t.TempDir()
	empty, err := IsEmpty(dir)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), nil, 0644))
	empty, err = IsEmpty(dir)
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestWithin(t *testing.T) {
	for rel, want := range map[string]bool{
		"a/b.go":     true,
		"./a":        true,
		"a/../b":     true,
		"..":         false,
		"../x":       false,
		"a/../../x":  false,
		"/etc/hosts": false,
	} {
		assert.Equal(t, want, Within(rel), rel)
	}
}
