package patcher

import (
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// ChangedFiles lists the repository-relative paths a diff touches, in order of
// first appearance. Diffs the parser rejects fall back to a header scan of the
// segmented fragments, so malformed input still yields its paths.
func ChangedFiles(diffText string) []string {
	if strings.TrimSpace(diffText) == "" {
		return nil
	}

	var names []string
	fileDiffs, err := godiff.NewMultiFileDiffReader(strings.NewReader(diffText)).ReadAllFiles()
	if err == nil {
		for _, fd := range fileDiffs {
			name := fd.NewName
			if name == "" || name == nullPath {
				name = fd.OrigName
			}
			if name == "" || name == nullPath {
				continue
			}
			names = append(names, stripPrefix(name))
		}
	}
	if len(names) == 0 {
		for _, f := range SplitByHunk(diffText) {
			if p := TargetPath(f); p != "" {
				names = append(names, p)
			}
		}
	}
	return dedupe(names)
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
