// Package compilertest provides an in-process compiler for tests.
package compilertest

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/3leaps/superdev/pkg/compiler"
	"github.com/3leaps/superdev/pkg/job"
)

// Fake writes a small output file per compile and records every call.
//
// It also tracks how many compiles (and cache clears) overlap, so tests can
// assert the compiler was never entered concurrently.
type Fake struct {
	// Gate, when set, blocks each Compile and ClearCaches until a value is
	// received or the channel is closed.
	Gate chan struct{}

	// Started receives the module name of each compile as it begins.
	// Sends never block; size the buffer for the test.
	Started chan string

	mu       sync.Mutex
	requests []compiler.Request
	failures []error
	clears   int

	inside    atomic.Int32
	maxInside atomic.Int32
}

var _ compiler.Compiler = (*Fake)(nil)

// New returns a ready Fake.
func New() *Fake {
	return &Fake{}
}

// FailNext makes the next compile fail with err. Calls queue up.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, err)
}

// Requests returns the requests seen so far.
func (f *Fake) Requests() []compiler.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]compiler.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// Clears returns how many times ClearCaches ran.
func (f *Fake) Clears() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

// MaxConcurrent returns the highest number of overlapping calls observed.
func (f *Fake) MaxConcurrent() int {
	return int(f.maxInside.Load())
}

func (f *Fake) enter() func() {
	n := f.inside.Add(1)
	for {
		cur := f.maxInside.Load()
		if n <= cur || f.maxInside.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { f.inside.Add(-1) }
}

func (f *Fake) wait(ctx context.Context) error {
	if f.Gate == nil {
		return nil
	}
	select {
	case <-f.Gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compile writes <war>/<module>/<module>.nocache.js describing the bindings.
// Strategy is full when forced or when every input is new, else incremental.
func (f *Fake) Compile(ctx context.Context, req compiler.Request, progress compiler.ProgressFunc) (*compiler.Outcome, error) {
	defer f.enter()()

	req.Bindings = maps.Clone(req.Bindings)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var failure error
	if len(f.failures) > 0 {
		failure = f.failures[0]
		f.failures = f.failures[1:]
	}
	f.mu.Unlock()

	if f.Started != nil {
		select {
		case f.Started <- req.Module:
		default:
		}
	}

	if progress != nil {
		progress(0, 2)
	}
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, &compiler.CompileError{Module: req.Module, Diagnostics: []string{failure.Error()}, Err: failure}
	}

	outDir := filepath.Join(req.WarDir, req.Module)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	body := fmt.Sprintf("// %s compiled with %v\n", req.Module, req.Bindings)
	if err := os.WriteFile(filepath.Join(outDir, req.Module+".nocache.js"), []byte(body), 0o644); err != nil {
		return nil, err
	}
	if req.Log != nil {
		_, _ = fmt.Fprintf(req.Log, "fake compile of %s\n", req.Module)
	}
	if progress != nil {
		progress(2, 2)
	}

	strategy := job.StrategyIncremental
	if req.ForceFull || req.Stale == nil {
		strategy = job.StrategyFull
	}
	return &compiler.Outcome{Strategy: strategy}, nil
}

// ClearCaches counts the call. It honours Gate like Compile.
func (f *Fake) ClearCaches(ctx context.Context) error {
	defer f.enter()()
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}
