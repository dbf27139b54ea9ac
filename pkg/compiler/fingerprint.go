package compiler

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// SourceSet selects a module's source files.
type SourceSet struct {
	// Roots are directories searched for sources.
	Roots []string

	// Include are doublestar patterns relative to each root.
	// Empty means "**/*".
	Include []string
}

// FileStamp is what change detection compares per file.
type FileStamp struct {
	Size    int64
	ModTime time.Time
}

// Fingerprint maps source file paths to their stamps.
type Fingerprint map[string]FileStamp

// Scan stamps every file the set selects. Missing roots are skipped.
func Scan(set SourceSet) (Fingerprint, error) {
	patterns := set.Include
	if len(patterns) == 0 {
		patterns = []string{"**/*"}
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid source pattern %q", p)
		}
	}

	fp := Fingerprint{}
	for _, root := range set.Roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		if _, err := os.Stat(root); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat source root: %w", err)
		}

		fsys := os.DirFS(root)
		for _, pattern := range patterns {
			matches, err := doublestar.Glob(fsys, pattern)
			if err != nil {
				return nil, fmt.Errorf("glob %s in %s: %w", pattern, root, err)
			}
			for _, rel := range matches {
				info, err := fs.Stat(fsys, rel)
				if err != nil || info.IsDir() {
					continue
				}
				fp[filepath.Join(root, filepath.FromSlash(rel))] = FileStamp{Size: info.Size(), ModTime: info.ModTime()}
			}
		}
	}
	return fp, nil
}

// Diff returns the sorted paths added, changed or removed relative to prev.
// A nil prev yields every path in f.
func (f Fingerprint) Diff(prev Fingerprint) []string {
	out := []string{}
	for path, stamp := range f {
		old, ok := prev[path]
		if !ok || old.Size != stamp.Size || !old.ModTime.Equal(stamp.ModTime) {
			out = append(out, path)
		}
	}
	for path := range prev {
		if _, ok := f[path]; !ok {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}
