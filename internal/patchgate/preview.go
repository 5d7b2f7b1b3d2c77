package patchgate

import (
	"fmt"
	"os"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// parsePatch reads a unified diff and returns per-file add/delete counts.
func parsePatch(patchPath string) ([]FileStat, error) {
	data, err := os.ReadFile(patchPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read patch: %w", err)
	}

	fileDiffs, err := diff.ParseMultiFileDiff(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse unified diff: %w", err)
	}
	if len(fileDiffs) == 0 {
		return nil, fmt.Errorf("patch contains no file diffs")
	}

	stats := make([]FileStat, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		st := fd.Stat()
		stats = append(stats, FileStat{
			Path:    diffTargetPath(fd),
			Added:   int(st.Added + st.Changed),
			Deleted: int(st.Deleted + st.Changed),
		})
	}
	return stats, nil
}

// diffTargetPath resolves the repository-relative path a file diff touches,
// stripping the conventional a/ and b/ prefixes and handling deletions whose
// new name is /dev/null.
func diffTargetPath(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	name = strings.TrimPrefix(name, "b/")
	name = strings.TrimPrefix(name, "a/")
	return name
}
