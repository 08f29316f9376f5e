package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCodeBlocks(t *testing.T) {
	source := "Edit `main.go`:\n\n```go\npackage main\n```\n\n```diff title\n-a\n+b\n```\n"
	blocks, err := ExtractCodeBlocks([]byte(source))
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	assert.Equal(t, "go", blocks[0].Lang)
	assert.Equal(t, "Edit `main.go`:", blocks[0].Hint)
	assert.Equal(t, "package main\n", blocks[0].Content)

	assert.Equal(t, "diff", blocks[1].Lang)
	assert.Equal(t, "-a\n+b\n", blocks[1].Content)
}

func TestExtractDiff(t *testing.T) {
	const diff = "--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-a\n+b\n"

	tests := []struct {
		name     string
		response string
		want     string
	}{
		{
			name:     "fenced diff",
			response: "Here you go:\n\n```diff\n" + diff + "```\n\nDone.",
			want:     diff,
		},
		{
			name:     "several fenced blocks are joined",
			response: "```patch\n" + diff + "```\n\n```go\nfunc x() {}\n```\n\n```diff\n" + diff + "```\n",
			want:     diff + diff,
		},
		{
			name:     "untagged block that looks like a diff",
			response: "```\n" + diff + "```\n",
			want:     diff,
		},
		{
			name:     "bare hunk with a path hint",
			response: "`x.go`\n```diff\n@@ -1 +1 @@\n-a\n+b\n```\n",
			want:     diff,
		},
		{
			name:     "unfenced with leading prose",
			response: "I changed one line.\n" + diff,
			want:     diff,
		},
		{
			name:     "no diff at all",
			response: "I could not do it.",
			want:     "I could not do it.",
		},
		{
			name:     "crlf",
			response: "```diff\r\n--- a/x.go\r\n+++ b/x.go\r\n@@ -1 +1 @@\r\n-a\r\n+b\r\n```\r\n",
			want:     diff,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractDiff(tt.response))
		})
	}
}

func TestExtractPathFromHint(t *testing.T) {
	assert.Equal(t, "internal/x.go", extractPathFromHint("Update `internal/x.go` as follows"))
	assert.Equal(t, "", extractPathFromHint("Run `go test ./...`"))
	assert.Equal(t, "", extractPathFromHint("no path here"))
}
