// Package parser pulls unified diffs out of free-form provider responses.
package parser

import (
	"regexp"
	"strings"
)

var (
	pathInHintRegex = regexp.MustCompile("`([^`\n]+)`")

	// diffStartRegex finds where a diff starts inside unfenced text.
	diffStartRegex = regexp.MustCompile(`(?m)^(diff --git |--- \S)`)
)

var diffLangs = map[string]struct{}{
	"diff":  {},
	"patch": {},
	"udiff": {},
}

// ExtractDiff returns the unified diff carried by a provider response.
//
// Fenced blocks tagged diff or patch are concatenated in order; untagged
// blocks are taken only when they look like a diff. A block made of bare
// hunks gets file headers synthesized from a backticked path in the
// paragraph before it. Without any usable block, the text from the first
// diff header onwards is returned, or the whole response when no header is
// found. The result is never validated: callers treat it as untrusted.
func ExtractDiff(response string) string {
	response = strings.ReplaceAll(response, "\r\n", "\n")

	blocks, err := ExtractCodeBlocks([]byte(response))
	if err == nil {
		var parts []string
		for _, b := range blocks {
			if !isDiffBlock(b) {
				continue
			}
			content := withHeaders(b.Content, extractPathFromHint(b.Hint))
			if strings.TrimSpace(content) == "" {
				continue
			}
			if !strings.HasSuffix(content, "\n") {
				content += "\n"
			}
			parts = append(parts, content)
		}
		if len(parts) > 0 {
			return strings.Join(parts, "")
		}
	}

	if loc := diffStartRegex.FindStringIndex(response); loc != nil {
		return response[loc[0]:]
	}
	return response
}

func isDiffBlock(b CodeBlock) bool {
	if _, ok := diffLangs[b.Lang]; ok {
		return true
	}
	return b.Lang == "" && looksLikeDiff(b.Content)
}

func looksLikeDiff(content string) bool {
	return diffStartRegex.MatchString(content) && strings.Contains(content, "\n@@")
}

// withHeaders prefixes bare hunks with ---/+++ lines for path.
func withHeaders(content, path string) string {
	if path == "" || diffStartRegex.MatchString(content) {
		return content
	}
	trimmed := strings.TrimLeft(content, "\n")
	if !strings.HasPrefix(trimmed, "@@") {
		return content
	}
	return "--- a/" + path + "\n+++ b/" + path + "\n" + trimmed
}

func extractPathFromHint(hint string) string {
	hint = strings.TrimSpace(hint)

	// A path hint must be enclosed in backticks, e.g., `path/to/file.go`
	if match := pathInHintRegex.FindStringSubmatch(hint); len(match) > 1 {
		path := strings.TrimSpace(match[1])
		// Disallow spaces to avoid capturing commands like `go run main.go` as a path.
		if !strings.Contains(path, " ") {
			return path
		}
	}
	return ""
}
