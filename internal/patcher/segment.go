package patcher

import (
	"strings"

	"github.com/sokinpui/patchloop/model"
)

const (
	fileBlockMarker = "diff --git "
	beforeHeader    = "--- "
	afterHeader     = "+++ "
	nullPath        = "/dev/null"
)

// isHunkMarker matches "@@ -1 +1 @@" and the compact forms "@@-" and "@@+".
func isHunkMarker(line string) bool {
	return strings.HasPrefix(line, "@@ ") || strings.HasPrefix(line, "@@-") || strings.HasPrefix(line, "@@+")
}

// splitLines splits text into lines without terminators, for inspection only.
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// rawLines splits text into lines that keep their terminators, so that
// fragments reproduce CRLF diffs byte for byte.
func rawLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// joinLines concatenates raw lines, terminating the last one if needed.
func joinLines(lines []string) string {
	text := strings.Join(lines, "")
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text
}

// lineEnding returns the terminator of a raw line, "\n" when it has none.
func lineEnding(line string) string {
	if strings.HasSuffix(line, "\r\n") {
		return "\r\n"
	}
	return "\n"
}

// startsFile reports whether lines[i] and lines[i+1] form a ---/+++ pair.
func startsFile(lines []string, i int) bool {
	return i+1 < len(lines) && strings.HasPrefix(lines[i], beforeHeader) && strings.HasPrefix(lines[i+1], afterHeader)
}

// fileBlocks partitions raw diff lines at "diff --git" markers. Text before
// the first marker is dropped. A diff without any marker is split at each
// ---/+++ pair instead, the first block keeping any leading text.
func fileBlocks(lines []string) [][]string {
	if strings.TrimSpace(strings.Join(lines, "")) == "" {
		return nil
	}

	var starts []int
	for i, line := range lines {
		if strings.HasPrefix(line, fileBlockMarker) {
			starts = append(starts, i)
		}
	}
	if len(starts) == 0 {
		for i := 0; i < len(lines); i++ {
			if startsFile(lines, i) {
				starts = append(starts, i)
				i++
			}
		}
		if len(starts) == 0 {
			return [][]string{lines}
		}
		starts[0] = 0
	}

	blocks := make([][]string, 0, len(starts))
	for i, start := range starts {
		end := len(lines)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		blocks = append(blocks, lines[start:end])
	}
	return blocks
}

// SplitByHunk splits a unified diff into per-hunk fragments that each carry
// their file headers. Blocks without a ---/+++ pair are kept whole, and blocks
// without hunk markers become a single header-only fragment, so no input text
// inside a file block is ever dropped.
func SplitByHunk(diffText string) []model.HunkFragment {
	var fragments []model.HunkFragment
	for _, block := range fileBlocks(rawLines(diffText)) {
		fragments = append(fragments, splitBlock(block)...)
	}
	return fragments
}

func splitBlock(block []string) []model.HunkFragment {
	before, after := -1, -1
	for i, line := range block {
		if before < 0 && strings.HasPrefix(line, beforeHeader) {
			before = i
		} else if after < 0 && strings.HasPrefix(line, afterHeader) {
			after = i
		}
		if before >= 0 && after >= 0 {
			break
		}
	}
	if before < 0 || after < 0 {
		return []model.HunkFragment{{Body: joinLines(block)}}
	}

	header := joinLines(block[:after+1])
	var markers []int
	for i := after + 1; i < len(block); i++ {
		if isHunkMarker(block[i]) {
			markers = append(markers, i)
		}
	}
	if len(markers) == 0 {
		return []model.HunkFragment{{Header: header, Body: joinLines(block[after+1:])}}
	}

	fragments := make([]model.HunkFragment, 0, len(markers))
	for i, start := range markers {
		end := len(block)
		if i+1 < len(markers) {
			end = markers[i+1]
		}
		fragments = append(fragments, model.HunkFragment{
			Header: header,
			Body:   joinLines(block[start:end]),
		})
	}
	return fragments
}

// headerPath returns the path named by the first line with prefix, without
// a/ or b/ and any trailing timestamp. It returns "" for /dev/null.
func headerPath(text, prefix string) string {
	for _, line := range splitLines(text) {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		name := strings.TrimPrefix(line, prefix)
		if tab := strings.IndexByte(name, '\t'); tab >= 0 {
			name = name[:tab]
		}
		name = strings.TrimSpace(name)
		if name == nullPath {
			return ""
		}
		return stripPrefix(name)
	}
	return ""
}

// TargetPath is the file a fragment writes to: its after-path, or its
// before-path when the fragment deletes the file.
func TargetPath(f model.HunkFragment) string {
	text := f.Text()
	if p := headerPath(text, afterHeader); p != "" {
		return p
	}
	return headerPath(text, beforeHeader)
}

func stripPrefix(name string) string {
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}

// stripLevel returns the -p level for patch tools: 1 when every named path
// carries a git style a/ or b/ prefix, 0 otherwise.
func stripLevel(diffText string) int {
	for _, line := range splitLines(diffText) {
		var name string
		switch {
		case strings.HasPrefix(line, beforeHeader):
			name = strings.TrimPrefix(line, beforeHeader)
		case strings.HasPrefix(line, afterHeader):
			name = strings.TrimPrefix(line, afterHeader)
		default:
			continue
		}
		if tab := strings.IndexByte(name, '\t'); tab >= 0 {
			name = name[:tab]
		}
		name = strings.TrimSpace(name)
		if name == nullPath {
			continue
		}
		if !strings.HasPrefix(name, "a/") && !strings.HasPrefix(name, "b/") {
			return 0
		}
	}
	return 1
}
