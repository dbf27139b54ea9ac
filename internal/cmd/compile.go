package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/superdev/internal/config"
	"github.com/3leaps/superdev/internal/observability"
	"github.com/3leaps/superdev/pkg/job"
	"github.com/3leaps/superdev/pkg/outbox"
)

var compileCmd = &cobra.Command{
	Use:   "compile <module>",
	Short: "Compile a module once without a server",
	Long: `Compile a module in this process and print where the output went.

Do not run this against the work directory of a running server; both
would allocate and collect compile directories there.

Examples:
  superdev compile app
  superdev compile app --set locale=fr --force --json`,
	Args: cobra.ExactArgs(1),
	RunE: runCompile,
}

func init() {
	rootCmd.AddCommand(compileCmd)
	compileCmd.Flags().StringArray("set", nil, "Binding override as key=value (repeatable)")
	compileCmd.Flags().Bool("force", false, "Skip incremental compile")
	compileCmd.Flags().Bool("json", false, "Output JSON")
}

type compileResult struct {
	JobID      string            `json:"job_id"`
	Module     string            `json:"module"`
	Bindings   map[string]string `json:"bindings,omitempty"`
	Status     string            `json:"status"`
	CompileDir string            `json:"compile_dir,omitempty"`
	Strategy   job.Strategy      `json:"strategy,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func runCompile(cmd *cobra.Command, args []string) error {
	sets, _ := cmd.Flags().GetStringArray("set")
	overrides, err := parseBindings(sets)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --set", err)
	}
	force, _ := cmd.Flags().GetBool("force")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load config", err)
	}

	res, err := compileModule(cmd.Context(), cfg, args[0], overrides, force, pipelineOptions{}, observability.CLILogger)
	if err != nil {
		return err
	}
	if err := printCompileResult(cmd.OutOrStdout(), res, asJSON); err != nil {
		return err
	}
	if res.Status != "ok" {
		return exitError(foundry.ExitExternalServiceUnavailable, "Compile failed", errors.New(res.Error))
	}
	return nil
}

// compileModule submits a single job for module through a fresh pipeline
// and waits for its result.
func compileModule(ctx context.Context, cfg *config.Config, module string, overrides map[string]string, force bool, opts pipelineOptions, logger *zap.Logger) (*compileResult, error) {
	if _, ok := cfg.Module(module); !ok {
		return nil, exitError(foundry.ExitInvalidArgument, "Unknown module", fmt.Errorf("%w: %s", outbox.ErrUnknownModule, module))
	}
	opts.persist = false
	p, err := buildPipeline(ctx, cfg, opts, logger)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to set up compile", err)
	}
	defer p.Close()

	ob, err := p.table.Lookup(module)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Unknown module", err)
	}
	if force {
		ob.ForceNextRecompile()
	}

	j := ob.NewJob(overrides)
	if err := p.runner.Submit(j); err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to submit compile", err)
	}
	r, err := j.Wait(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitSignalInt, "Compile interrupted", err)
	}

	res := &compileResult{JobID: j.ID(), Module: module, Bindings: j.Bindings()}
	if r.OK() {
		res.Status = "ok"
		res.CompileDir = r.Dir.Root()
		res.Strategy = r.Strategy
	} else {
		res.Status = "failed"
		res.Error = r.Err.Error()
	}
	return res, nil
}

func printCompileResult(w io.Writer, res *compileResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if res.Status != "ok" {
		_, _ = fmt.Fprintf(w, "%s failed: %s\n", res.JobID, res.Error)
		return nil
	}
	_, _ = fmt.Fprintf(w, "%s compiled (%s)\n", res.JobID, res.Strategy)
	_, _ = fmt.Fprintf(w, "  output: %s\n", res.CompileDir)
	if b := bindingString(res.Bindings); b != "" {
		_, _ = fmt.Fprintf(w, "  bindings: %s\n", b)
	}
	return nil
}

// parseBindings turns key=value pairs into a map. A repeated key is an
// error.
func parseBindings(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		if _, dup := out[k]; dup {
			return nil, fmt.Errorf("binding %q given more than once", k)
		}
		out[k] = v
	}
	return out, nil
}
