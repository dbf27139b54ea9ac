package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apperrors "github.com/3leaps/superdev/internal/errors"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Ask a running server to clear compiler caches",
	Long: `Clear the compiler caches of a running server. Every module's next
compile is a full compile.

The request waits behind any compile already queued on the server.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, _ []string) error {
	base := viper.GetString("server_url")
	timeout := viper.GetDuration("client.timeout")
	if err := requestClean(cmd.Context(), &http.Client{Timeout: timeout}, base); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Compiler caches cleared.")
	return nil
}

func requestClean(ctx context.Context, client *http.Client, base string) error {
	url := strings.TrimRight(base, "/") + "/clean"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid server URL", err)
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return exitError(foundry.ExitExternalServiceUnavailable, "Clean failed", decodeServerError(resp, time.Since(start)))
}

// decodeServerError reads the JSON error envelope of a failed response.
func decodeServerError(resp *http.Response, elapsed time.Duration) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env apperrors.HTTPErrorResponse
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != "" {
		msg := fmt.Sprintf("%s: %s (HTTP %d after %s)", env.Error.Code, env.Error.Message, resp.StatusCode, elapsed.Round(time.Millisecond))
		if env.Error.RequestID != "" {
			msg += ", request " + env.Error.RequestID
		}
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
