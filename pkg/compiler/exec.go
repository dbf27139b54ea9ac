package compiler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/superdev/pkg/job"
)

// ReportEnv names the environment variable carrying the report file path.
const ReportEnv = "SUPERDEV_REPORT"

var progressLine = regexp.MustCompile(`^progress:\s*(\d+)\s*/\s*(\d+)\s*$`)

// ExecConfig configures an ExecCompiler.
type ExecConfig struct {
	// Command is the compiler argv. Required.
	Command []string

	// Env is appended to the server's environment ("KEY=VALUE").
	Env []string

	// WorkDir is the working directory of the child. Empty inherits ours.
	WorkDir string

	// CacheDir is the compiler's persistent cache. ClearCaches empties it.
	CacheDir string
}

// ExecCompiler runs an external compiler process per compile.
//
// Protocol with the child:
//
//	stdin            request as YAML (module, bindings, dirs, stale, force_full)
//	stdout, stderr   appended to the compile log
//	stdout lines     "progress: <done>/<total>" are reported as progress
//	$SUPERDEV_REPORT YAML report written by the child: strategy, diagnostics
//
// A non-zero exit is a compile failure carrying the report's diagnostics.
type ExecCompiler struct {
	cfg    ExecConfig
	logger *zap.Logger
}

var _ Compiler = (*ExecCompiler)(nil)

type execRequest struct {
	Module    string            `yaml:"module"`
	Bindings  map[string]string `yaml:"bindings,omitempty"`
	WarDir    string            `yaml:"war_dir"`
	ExtrasDir string            `yaml:"extras_dir"`
	GenDir    string            `yaml:"gen_dir"`
	LogFile   string            `yaml:"log_file"`
	Sources   []string          `yaml:"sources,omitempty"`
	Stale     []string          `yaml:"stale"`
	AllStale  bool              `yaml:"all_stale"`
	ForceFull bool              `yaml:"force_full"`
	CacheDir  string            `yaml:"cache_dir,omitempty"`
}

type execReport struct {
	Strategy    string   `yaml:"strategy"`
	Diagnostics []string `yaml:"diagnostics"`
}

// NewExecCompiler validates cfg.
func NewExecCompiler(cfg ExecConfig, logger *zap.Logger) (*ExecCompiler, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, fmt.Errorf("compiler command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecCompiler{cfg: cfg, logger: logger}, nil
}

// Compile runs the compiler process once.
func (c *ExecCompiler) Compile(ctx context.Context, req Request, progress ProgressFunc) (*Outcome, error) {
	logw := req.Log
	if logw == nil {
		logw = io.Discard
	}

	reportFile, err := os.CreateTemp("", "superdev-report-*.yaml")
	if err != nil {
		return nil, fmt.Errorf("create report file: %w", err)
	}
	reportPath := reportFile.Name()
	_ = reportFile.Close()
	defer func() { _ = os.Remove(reportPath) }()

	stdin, err := yaml.Marshal(execRequest{
		Module:    req.Module,
		Bindings:  req.Bindings,
		WarDir:    req.WarDir,
		ExtrasDir: req.ExtrasDir,
		GenDir:    req.GenDir,
		LogFile:   req.LogFile,
		Sources:   req.Sources,
		Stale:     req.Stale,
		AllStale:  req.Stale == nil,
		ForceFull: req.ForceFull,
		CacheDir:  c.cfg.CacheDir,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal compile request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command[0], c.cfg.Command[1:]...)
	cmd.Dir = c.cfg.WorkDir
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stderr = logw
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Env = append(cmd.Env,
		ReportEnv+"="+reportPath,
		"SUPERDEV_MODULE="+req.Module,
		"SUPERDEV_WAR_DIR="+req.WarDir,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("compiler stdout: %w", err)
	}

	c.logger.Debug("Starting compiler process",
		zap.String("module", req.Module),
		zap.Strings("command", c.cfg.Command),
		zap.Int("stale", len(req.Stale)),
		zap.Bool("force_full", req.ForceFull))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start compiler: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		_, _ = io.WriteString(logw, line+"\n")
		if progress == nil {
			continue
		}
		if m := progressLine.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			done, _ := strconv.Atoi(m[1])
			total, _ := strconv.Atoi(m[2])
			progress(done, total)
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Drain so the child never blocks on a full pipe.
		_, _ = io.Copy(logw, stdout)
	}
	waitErr := cmd.Wait()

	report, reportErr := readReport(reportPath)

	if waitErr != nil {
		cerr := &CompileError{Module: req.Module, Err: waitErr}
		if reportErr == nil {
			cerr.Diagnostics = report.Diagnostics
		}
		return nil, cerr
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read compiler output: %w", scanErr)
	}

	strategy := job.StrategyFull
	if reportErr == nil && strings.TrimSpace(report.Strategy) != "" {
		s, err := ParseStrategy(report.Strategy)
		if err != nil {
			return nil, &CompileError{Module: req.Module, Err: err}
		}
		strategy = s
	} else if reportErr != nil && !errors.Is(reportErr, errEmptyReport) {
		c.logger.Warn("Compiler report unreadable; assuming full compile",
			zap.String("module", req.Module), zap.Error(reportErr))
	}

	return &Outcome{Strategy: strategy}, nil
}

// ClearCaches empties the configured cache directory.
func (c *ExecCompiler) ClearCaches(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := strings.TrimSpace(c.cfg.CacheDir)
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove compiler cache: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("recreate compiler cache: %w", err)
	}
	c.logger.Info("Cleared compiler cache", zap.String("cache_dir", dir))
	return nil
}

var errEmptyReport = errors.New("compiler report is empty")

func readReport(path string) (*execReport, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, errEmptyReport
	}
	var r execReport
	if err := yaml.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("parse compiler report: %w", err)
	}
	return &r, nil
}
