// Package artifactdir allocates the numbered directory trees that hold the
// output of each compile attempt.
//
// Directory layout:
//
//	<root>/<module>/compile-<n>/war/          servable output
//	<root>/<module>/compile-<n>/extras/       auxiliary output (not servable)
//	<root>/<module>/compile-<n>/gen/          generator-produced sources
//	<root>/<module>/compile-<n>/compile.log   compile log
//
// The layout is part of the on-disk contract other tooling (log viewers,
// source map servers) depends on.
package artifactdir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	warDirName    = "war"
	extrasDirName = "extras"
	genDirName    = "gen"
	logFileName   = "compile.log"
)

// CompileDir is one compile attempt's directory tree. It is immutable once
// allocated; callers write into its subdirectories but never rename it.
type CompileDir struct {
	root   string
	number int
}

// Root returns the top of the directory tree.
func (d *CompileDir) Root() string { return d.root }

// Number returns the allocation number encoded in the directory name.
func (d *CompileDir) Number() int { return d.number }

// WarDir returns the directory holding servable output.
func (d *CompileDir) WarDir() string { return filepath.Join(d.root, warDirName) }

// ExtrasDir returns the directory holding output that must not be served.
func (d *CompileDir) ExtrasDir() string { return filepath.Join(d.root, extrasDirName) }

// GenDir returns the directory holding generated sources.
func (d *CompileDir) GenDir() string { return filepath.Join(d.root, genDirName) }

// LogFile returns the path of the compile log.
func (d *CompileDir) LogFile() string { return filepath.Join(d.root, logFileName) }

func (d *CompileDir) String() string { return d.root }

// Open wraps an existing directory, e.g. one recorded in a job event.
// It does not check the layout.
func Open(root string) *CompileDir {
	return &CompileDir{root: filepath.Clean(root), number: parseNumber(filepath.Base(root))}
}

// populate creates the fixed sub-layout inside an empty directory.
func (d *CompileDir) populate() error {
	for _, sub := range []string{d.WarDir(), d.ExtrasDir(), d.GenDir()} {
		if err := os.Mkdir(sub, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Base(sub), err)
		}
	}
	f, err := os.OpenFile(d.LogFile(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create compile log: %w", err)
	}
	return f.Close()
}
