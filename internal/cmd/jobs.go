package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/superdev/internal/config"
	"github.com/3leaps/superdev/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect recompile jobs recorded by the server",
	Long: `Inspect the job records a running (or stopped) server wrote to its
data directory. Records are cleared when the server starts again.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show a job record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Print the compile log of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old finished job records",
	Args:  cobra.NoArgs,
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd, jobsLogsCmd, jobsGCCmd)

	jobsListCmd.Flags().String("module", "", "Only show jobs of this module")
	jobsListCmd.Flags().Bool("active", false, "Only show jobs that are not finished")
	jobsListCmd.Flags().Bool("json", false, "Output JSON")

	jobsStatusCmd.Flags().Bool("json", false, "Output JSON")
	jobsStatusCmd.Flags().Bool("yaml", false, "Output YAML")

	jobsLogsCmd.Flags().Int("tail", 0, "Print only the last N lines (default from jobs.tail)")
	jobsLogsCmd.Flags().BoolP("follow", "f", false, "Keep printing new log lines")

	jobsGCCmd.Flags().String("max-age", "", "Delete finished records older than this (default from jobs.max_age)")
	jobsGCCmd.Flags().Bool("dry-run", false, "Only count what would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output JSON")
}

func openJobStore(ctx context.Context) (*jobregistry.Store, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to load config", err)
	}
	return jobregistry.NewStore(jobStoreDir(cfg)), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	store, err := openJobStore(cmd.Context())
	if err != nil {
		return err
	}
	records, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job records", err)
	}

	module, _ := cmd.Flags().GetString("module")
	activeOnly, _ := cmd.Flags().GetBool("active")
	records = filterRecords(records, strings.TrimSpace(module), activeOnly)

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	return printJobTable(out, records)
}

func filterRecords(records []jobregistry.JobRecord, module string, activeOnly bool) []jobregistry.JobRecord {
	out := make([]jobregistry.JobRecord, 0, len(records))
	for _, r := range records {
		if module != "" && r.Module != module {
			continue
		}
		if activeOnly && !r.State.Active() {
			continue
		}
		out = append(out, r)
	}
	return out
}

func printJobTable(w io.Writer, records []jobregistry.JobRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No jobs recorded.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "JOB ID\tMODULE\tSTATE\tSTRATEGY\tBINDINGS\tUPDATED")
	for _, r := range records {
		strategy := string(r.Strategy)
		if strategy == "" {
			strategy = "-"
		}
		bindings := bindingString(r.Bindings)
		if bindings == "" {
			bindings = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.JobID, r.Module, r.State, strategy, bindings, r.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func bindingString(b map[string]string) string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+b[k])
	}
	return strings.Join(parts, ",")
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	store, err := openJobStore(cmd.Context())
	if err != nil {
		return err
	}
	id, err := resolveJobID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}
	rec, err := store.Get(id)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job record", err)
	}

	out := cmd.OutOrStdout()
	asJSON, _ := cmd.Flags().GetBool("json")
	asYAML, _ := cmd.Flags().GetBool("yaml")
	switch {
	case asJSON && asYAML:
		return exitError(foundry.ExitInvalidArgument, "Conflicting flags", fmt.Errorf("--json and --yaml are mutually exclusive"))
	case asJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	case asYAML:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(rec); err != nil {
			return err
		}
		return enc.Close()
	}

	_, _ = fmt.Fprintf(out, "Job:       %s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "Module:    %s\n", rec.Module)
	_, _ = fmt.Fprintf(out, "State:     %s\n", rec.State)
	if rec.Message != "" {
		_, _ = fmt.Fprintf(out, "Message:   %s\n", rec.Message)
	}
	if b := bindingString(rec.Bindings); b != "" {
		_, _ = fmt.Fprintf(out, "Bindings:  %s\n", b)
	}
	if rec.Strategy != "" {
		_, _ = fmt.Fprintf(out, "Strategy:  %s\n", rec.Strategy)
	}
	if rec.Progress != nil {
		_, _ = fmt.Fprintf(out, "Progress:  %d/%d\n", rec.Progress.Done, rec.Progress.Total)
	}
	if rec.CompileDir != "" {
		_, _ = fmt.Fprintf(out, "Directory: %s\n", rec.CompileDir)
	}
	_, _ = fmt.Fprintf(out, "Created:   %s\n", rec.CreatedAt.Local().Format(time.RFC3339))
	_, _ = fmt.Fprintf(out, "Updated:   %s\n", rec.UpdatedAt.Local().Format(time.RFC3339))
	return nil
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	store, err := openJobStore(cmd.Context())
	if err != nil {
		return err
	}
	id, err := resolveJobID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}
	rec, err := store.Get(id)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job record", err)
	}
	path := rec.LogPath()
	if path == "" {
		return exitError(foundry.ExitFileNotFound, "No compile log", fmt.Errorf("job %s has no compile directory (state %s)", rec.JobID, rec.State))
	}

	tailN := viper.GetInt("jobs.tail")
	if cmd.Flags().Changed("tail") {
		tailN, _ = cmd.Flags().GetInt("tail")
	}
	out := cmd.OutOrStdout()

	if follow, _ := cmd.Flags().GetBool("follow"); follow {
		err = followLog(cmd.Context(), out, path, func() bool {
			latest, err := store.Get(rec.JobID)
			return err == nil && latest.Terminal()
		})
	} else {
		err = printLogTail(out, path, tailN)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return exitError(foundry.ExitFileNotFound, "Compile log missing", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to read compile log", err)
	}
	return nil
}

func printLogTail(w io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(w, f)
		return err
	}

	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

// tailLines returns the last n lines of r.
func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	buf := make([]string, 0, n)
	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

var followInterval = 250 * time.Millisecond

// followLog copies path to w and keeps polling for appended content until
// ctx ends or done reports true. Content written before done flipped is
// still printed.
func followLog(ctx context.Context, w io.Writer, path string, done func() bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		finished := done != nil && done()
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		if finished {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = viper.GetString("jobs.max_age")
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("--max-age must be > 0"))
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	store, err := openJobStore(cmd.Context())
	if err != nil {
		return err
	}
	n, err := store.Prune(maxAge, time.Now().UTC(), dryRun)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to prune job records", err)
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr}
		if dryRun {
			res.WouldDelete = n
		} else {
			res.Deleted = n
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(out, "would_delete=%d\n", n)
		return nil
	}
	_, _ = fmt.Fprintf(out, "deleted=%d\n", n)
	return nil
}

// resolveJobID accepts a full job id or an unambiguous prefix of one.
func resolveJobID(store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	if _, err := store.Get(input); err == nil {
		return input, nil
	}

	records, err := store.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, r := range records {
		if r.JobID == input {
			return input, nil
		}
		if strings.HasPrefix(r.JobID, input) {
			matches = append(matches, r.JobID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("job not found: %s", input)
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", fmt.Errorf("job id prefix %q is ambiguous: %s", input, strings.Join(matches, ", "))
	}
}
