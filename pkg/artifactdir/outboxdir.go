package artifactdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// DefaultMaxAttempts bounds how many numbers NewCompileDir tries before
// giving up.
const DefaultMaxAttempts = 100

const (
	compileDirPrefix  = "compile-"
	compileDirPattern = compileDirPrefix + "*"
)

// ErrAllocationExhausted is returned when every attempt to create a fresh
// compile directory failed.
var ErrAllocationExhausted = errors.New("compile directory allocation exhausted")

// Options configures an OutboxDir.
type Options struct {
	// MaxAttempts is the retry ceiling for NewCompileDir.
	// Zero uses DefaultMaxAttempts.
	MaxAttempts int

	// Logger receives best-effort cleanup failures. Nil disables logging.
	Logger *zap.Logger
}

// OutboxDir is the module-scoped parent of all compile directories for one
// module. It mints fresh numbered children and cleans up stale ones.
type OutboxDir struct {
	root        string
	maxAttempts int
	logger      *zap.Logger

	mu   sync.Mutex
	next int
}

// Create prepares the parent directory for module under root.
//
// Numbered children left over from a previous process are deleted
// recursively. Deletion is best-effort: failures are logged and the counter
// resumes after the highest surviving number so new directories never
// collide with leftovers.
func Create(root, module string, opts Options) (*OutboxDir, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("artifact root dir is empty")
	}
	name, err := ModuleDirName(module)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}

	o := &OutboxDir{
		root:        dir,
		maxAttempts: maxAttempts,
		logger:      logger.With(zap.String("outbox_dir", dir)),
	}
	o.next = o.collectGarbage() + 1
	return o, nil
}

// Root returns the module-scoped parent directory.
func (o *OutboxDir) Root() string { return o.root }

// NewCompileDir allocates an empty, uniquely numbered compile directory.
//
// Each failed mkdir moves on to the next number. After MaxAttempts failures
// it returns ErrAllocationExhausted and no directory. Numbers are consumed
// per attempt, so gaps are expected.
func (o *OutboxDir) NewCompileDir() (*CompileDir, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < o.maxAttempts; attempt++ {
		n := o.next
		o.next++

		path := filepath.Join(o.root, compileDirPrefix+strconv.Itoa(n))
		if err := os.Mkdir(path, 0o755); err != nil {
			lastErr = err
			continue
		}

		d := &CompileDir{root: path, number: n}
		if err := d.populate(); err != nil {
			return nil, fmt.Errorf("populate %s: %w", path, err)
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w after %d attempts in %s: %v", ErrAllocationExhausted, o.maxAttempts, o.root, lastErr)
}

// collectGarbage removes numbered children and returns the highest number
// that survived (0 when none did).
func (o *OutboxDir) collectGarbage() int {
	entries, err := os.ReadDir(o.root)
	if err != nil {
		o.logger.Warn("Failed to list outbox dir for cleanup", zap.Error(err))
		return 0
	}

	highest := 0
	for _, entry := range entries {
		name := entry.Name()
		if ok, _ := doublestar.Match(compileDirPattern, name); !ok {
			continue
		}
		n := parseNumber(name)
		if n <= 0 {
			continue
		}
		if err := os.RemoveAll(filepath.Join(o.root, name)); err != nil {
			o.logger.Warn("Failed to delete stale compile dir", zap.String("dir", name), zap.Error(err))
			if n > highest {
				highest = n
			}
		}
	}
	return highest
}

// ModuleDirName converts a module name into a directory name.
// Dots and dashes are kept; anything else outside [A-Za-z0-9_] is replaced.
func ModuleDirName(module string) (string, error) {
	module = strings.TrimSpace(module)
	if module == "" {
		return "", fmt.Errorf("module name is required")
	}
	var b strings.Builder
	for _, r := range module {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := b.String()
	if name == "." || name == ".." {
		return "", fmt.Errorf("invalid module name %q", module)
	}
	return name, nil
}

// parseNumber returns n for "compile-<n>", or 0 when name is not of that form.
func parseNumber(name string) int {
	digits, ok := strings.CutPrefix(name, compileDirPrefix)
	if !ok || digits == "" {
		return 0
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 || strconv.Itoa(n) != digits {
		return 0
	}
	return n
}
