package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/superdev/internal/config"
	"github.com/3leaps/superdev/internal/observability"
	"github.com/3leaps/superdev/internal/server"
	"github.com/3leaps/superdev/internal/server/handlers"
	"github.com/3leaps/superdev/pkg/jobrunner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recompile server",
	Long: `Run the HTTP server that compiles modules on request.

Modules without precompile get a stub bootstrap script that triggers the
first compile when a browser loads it.

Examples:
  superdev serve
  superdev serve --port 9000 --workdir /tmp/superdev`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides config)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides config)")
	serveCmd.Flags().String("workdir", "", "Compile work directory (overrides config)")
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	srv := map[string]any{}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		srv["host"] = host
	}
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		srv["port"] = port
	}
	if len(srv) > 0 {
		overrides["server"] = srv
	}
	if wd, _ := cmd.Flags().GetString("workdir"); wd != "" {
		overrides["workdir"] = wd
	}
	return overrides
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, serveOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load config", err)
	}
	if err := observability.InitServerLogger("superdev", cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging config", err)
	}
	logger := observability.ServerLogger

	p, err := buildPipeline(ctx, cfg, pipelineOptions{persist: true}, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to start pipeline", err)
	}
	defer p.Close()

	if err := p.table.Initialize(ctx, p.runner); err != nil {
		logger.Warn("Some modules have no initial output", zap.Error(err))
	}

	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.RegisterChecker("runner", runnerHealthChecker{runner: p.runner})
	hm.RegisterChecker("workdir", workdirHealthChecker{dir: cfg.WorkDir})
	hm.RegisterChecker("compiler", compilerHealthChecker{command: cfg.Compiler.Command})
	handlers.SetVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)

	api, err := handlers.NewAPI(handlers.APIConfig{
		Runner:      p.runner,
		Registry:    p.registry,
		Table:       p.table,
		Store:       p.store,
		WaitTimeout: cfg.Recompile.WaitTimeout,
		Logger:      logger.Named("api"),
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to build API", err)
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithAPI(api),
		server.WithRecompileLimiter(recompileLimiter(cfg.Recompile)),
		server.WithLogger(logger.Named("http")),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("superdev ready",
		zap.String("addr", srv.Addr()),
		zap.Int("modules", len(cfg.Modules)),
		zap.String("workdir", cfg.WorkDir),
	)

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutdown requested")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := <-errCh; err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

func recompileLimiter(rc config.RecompileConfig) *rate.Limiter {
	if rc.Rate <= 0 {
		return nil
	}
	burst := rc.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rc.Rate), burst)
}

// runnerHealthChecker fails once the runner stops accepting jobs.
type runnerHealthChecker struct {
	runner interface{ Closed() bool }
}

var _ interface{ Closed() bool } = (*jobrunner.Runner)(nil)

func (c runnerHealthChecker) CheckHealth(ctx context.Context) error {
	if c.runner == nil {
		return errors.New("runner not started")
	}
	if c.runner.Closed() {
		return jobrunner.ErrClosed
	}
	return nil
}

// workdirHealthChecker verifies compile directories can still be created.
type workdirHealthChecker struct {
	dir string
}

func (c workdirHealthChecker) CheckHealth(ctx context.Context) error {
	if c.dir == "" {
		return errors.New("workdir not configured")
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("workdir: %w", err)
	}
	f, err := os.CreateTemp(c.dir, ".superdev-health-*")
	if err != nil {
		return fmt.Errorf("workdir not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}

// compilerHealthChecker verifies the compiler executable resolves.
type compilerHealthChecker struct {
	command []string
}

func (c compilerHealthChecker) CheckHealth(ctx context.Context) error {
	if len(c.command) == 0 || c.command[0] == "" {
		return errors.New("missing compiler command")
	}
	if _, err := exec.LookPath(c.command[0]); err != nil {
		return fmt.Errorf("compiler %q: %w", c.command[0], err)
	}
	return nil
}
