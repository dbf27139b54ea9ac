// Package compiler defines the boundary to the module compiler.
//
// The compiler holds process-wide mutable state and must never be invoked
// concurrently with itself. Nothing in this package enforces that; callers
// reach a Compiler only through the single jobrunner worker.
package compiler

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/3leaps/superdev/pkg/job"
)

// Compiler performs one compile at a time.
type Compiler interface {
	// Compile builds req.Module into req's output directories. A returned
	// error is a compile failure carrying diagnostics; it is an expected
	// outcome, not a fault of the caller.
	Compile(ctx context.Context, req Request, progress ProgressFunc) (*Outcome, error)

	// ClearCaches drops every cache shared between compiles.
	ClearCaches(ctx context.Context) error
}

// ProgressFunc receives coarse progress reports during a compile.
type ProgressFunc func(done, total int)

// Request is everything one compile needs.
type Request struct {
	Module   string
	Bindings map[string]string

	WarDir    string
	ExtrasDir string
	GenDir    string
	LogFile   string

	// Sources are the module's source roots.
	Sources []string

	// Stale lists source files changed since the last successful compile.
	// Nil means every input must be treated as new.
	Stale []string

	// ForceFull asks for a full rebuild regardless of Stale.
	ForceFull bool

	// Log receives compiler output. Nil discards it.
	Log io.Writer
}

// Outcome describes a successful compile.
type Outcome struct {
	Strategy job.Strategy
}

// CompileError is a failed compile with the compiler's diagnostics.
type CompileError struct {
	Module      string
	Diagnostics []string
	Err         error
}

func (e *CompileError) Error() string {
	if e == nil {
		return ""
	}
	msg := "compile failed"
	if len(e.Diagnostics) > 0 {
		msg = strings.Join(e.Diagnostics, "; ")
	} else if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Module == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Module, msg)
}

func (e *CompileError) Unwrap() error { return e.Err }

// ParseStrategy maps a compiler-reported strategy name to a job.Strategy.
func ParseStrategy(s string) (job.Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full":
		return job.StrategyFull, nil
	case "incremental":
		return job.StrategyIncremental, nil
	case "skipped", "skip":
		return job.StrategySkipped, nil
	default:
		return "", fmt.Errorf("unknown compile strategy %q", s)
	}
}
