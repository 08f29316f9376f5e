package patcher

import (
	"fmt"
	"strings"

	"github.com/sokinpui/patchloop/model"
)

// searchBlock builds the pattern a hunk must match in the current file: its
// context and removed lines, without blank ones so that whitespace-only drift
// in the source does not defeat the search.
func searchBlock(hunk []string) []string {
	var block []string
	for _, line := range hunk {
		if !strings.HasPrefix(line, "-") && !strings.HasPrefix(line, " ") {
			continue
		}
		content := line[1:]
		if strings.TrimSpace(content) != "" {
			block = append(block, content)
		}
	}
	return block
}

func normalizeLineForMatching(line string) string {
	return strings.Join(strings.Fields(line), " ")
}

// matchBlock returns the 1-based line in source where block starts, comparing
// whitespace-normalized lines and ignoring blank source lines. It returns -1
// when there is no match.
func matchBlock(source, block []string) int {
	if len(block) == 0 {
		return -1
	}

	normalizedBlock := make([]string, len(block))
	for i, line := range block {
		normalizedBlock[i] = normalizeLineForMatching(line)
	}

	var filtered []string
	var lineNumbers []int
	for i, line := range source {
		if n := normalizeLineForMatching(line); n != "" {
			filtered = append(filtered, n)
			lineNumbers = append(lineNumbers, i+1)
		}
	}

	for i := 0; i <= len(filtered)-len(normalizedBlock); i++ {
		match := true
		for j := range normalizedBlock {
			if filtered[i+j] != normalizedBlock[j] {
				match = false
				break
			}
		}
		if match {
			return lineNumbers[i]
		}
	}
	return -1
}

func buildHunkHeader(oldStart, oldLines, newStart, newLines int) string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", oldStart, oldLines, newStart, newLines)
}

// hunkLines returns the body lines of a fragment after its @@ marker. The
// trailing "\ No newline" markers are kept as they are.
func hunkLines(body string) (marker string, hunk []string) {
	lines := rawLines(body)
	if len(lines) == 0 || !isHunkMarker(lines[0]) {
		return "", nil
	}
	return lines[0], lines[1:]
}

// RepairFragment recomputes the @@ header of a single-hunk fragment against
// the current content of its target file. The hunk lines themselves are left
// untouched. It reports whether a different header was produced; creations,
// headerless fragments and blocks absent from source yield false.
func RepairFragment(frag model.HunkFragment, source []string) (model.HunkFragment, bool) {
	marker, hunk := hunkLines(frag.Body)
	if len(hunk) == 0 || frag.Header == "" {
		return frag, false
	}
	if headerPath(frag.Header, beforeHeader) == "" {
		return frag, false
	}

	oldStart := matchBlock(source, searchBlock(hunk))
	if oldStart < 0 {
		return frag, false
	}

	// Leading blank context lines were excluded from the search block, so the
	// match lands below them.
	for _, line := range hunk {
		if strings.HasPrefix(line, "+") {
			continue
		}
		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "-") {
			break
		}
		if strings.TrimSpace(line[1:]) != "" {
			break
		}
		if oldStart > 1 {
			oldStart--
		}
	}

	addCount, removeCount, contextCount := 0, 0, 0
	for _, line := range hunk {
		switch {
		case strings.HasPrefix(line, "+"):
			addCount++
		case strings.HasPrefix(line, "-"):
			removeCount++
		case strings.HasPrefix(line, " "):
			contextCount++
		}
	}
	oldLines := contextCount + removeCount
	newLines := contextCount + addCount

	// Earlier fragments are already applied to source, so there is no offset
	// to carry between old and new start.
	repaired := model.HunkFragment{
		Header: frag.Header,
		Body:   joinLines(append([]string{buildHunkHeader(oldStart, oldLines, oldStart, newLines) + lineEnding(marker)}, hunk...)),
	}
	return repaired, repaired.Body != frag.Body
}
