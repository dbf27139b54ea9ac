package job

import (
	"context"
	"errors"
	"sync"

	"github.com/3leaps/superdev/pkg/artifactdir"
)

// Result is the outcome of one job: either a compile directory or a cause.
type Result struct {
	Dir      *artifactdir.CompileDir
	Strategy Strategy
	Err      error
}

// Ok returns a successful result.
func Ok(dir *artifactdir.CompileDir, strategy Strategy) Result {
	return Result{Dir: dir, Strategy: strategy}
}

// Failed returns a failed result. A nil cause is replaced so that exactly
// one side is always populated.
func Failed(err error) Result {
	if err == nil {
		err = errors.New("unknown compile failure")
	}
	return Result{Err: err}
}

// OK reports whether the result carries a compile directory.
func (r Result) OK() bool {
	return r.Err == nil && r.Dir != nil
}

// resultCell is a write-once slot. Readers block until it is written.
type resultCell struct {
	mu    sync.Mutex
	done  chan struct{}
	value Result
	set   bool
}

func newResultCell() *resultCell {
	return &resultCell{done: make(chan struct{})}
}

func (c *resultCell) put(jobID string, r Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		return StateErrorf(jobID, "set result", "result already set")
	}
	c.value = r
	c.set = true
	close(c.done)
	return nil
}

func (c *resultCell) isSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}

func (c *resultCell) peek() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.set
}

// wait has no deadline of its own; callers bound it through ctx.
func (c *resultCell) wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		r, _ := c.peek()
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
