package cmd

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/superdev/internal/config"
	apperrors "github.com/3leaps/superdev/internal/errors"
	"github.com/3leaps/superdev/internal/observability"
)

var doctorProvider string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and configuration and
suggest fixes for common issues.

Examples:
  superdev doctor                 # Full environment check
  superdev doctor --provider s3   # Include S3 mirror checks`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

// doctorCheck is one diagnostic. run returns a short detail on success.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func doctorChecks(cfg *config.Config, cfgErr error) []doctorCheck {
	checks := []doctorCheck{
		{"Go version", func(context.Context) (string, error) {
			v := runtime.Version()
			if v < "go1.23" {
				return v, fmt.Errorf("%s (recommended: go1.23+)", v)
			}
			return v, nil
		}},
		{"Crucible access", func(context.Context) (string, error) {
			v := crucible.GetVersion()
			if v.Crucible == "" {
				return "", apperrors.NewExternalServiceError("Crucible service unavailable")
			}
			return "v" + v.Crucible, nil
		}},
		{"Gofulmen access", func(context.Context) (string, error) {
			v := crucible.GetVersion()
			if v.Gofulmen == "" {
				return "", apperrors.NewExternalServiceError("Gofulmen unavailable")
			}
			return "v" + v.Gofulmen, nil
		}},
		{"configuration", func(context.Context) (string, error) {
			if cfgErr != nil {
				return "", cfgErr
			}
			return fmt.Sprintf("%d module(s)", len(cfg.Modules)), nil
		}},
	}
	if cfg == nil {
		return checks
	}
	return append(checks,
		doctorCheck{"work directory", func(ctx context.Context) (string, error) {
			return cfg.WorkDir, workdirHealthChecker{dir: cfg.WorkDir}.CheckHealth(ctx)
		}},
		doctorCheck{"compiler command", func(ctx context.Context) (string, error) {
			if len(cfg.Compiler.Command) == 0 {
				return "", fmt.Errorf("compiler.command is not set")
			}
			return cfg.Compiler.Command[0], compilerHealthChecker{command: cfg.Compiler.Command}.CheckHealth(ctx)
		}},
	)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	logger := observability.CLILogger
	ctx := cmd.Context()

	logger.Info("=== superdev doctor ===")
	logger.Info("")
	logger.Info("Running diagnostic checks...")
	logger.Info("")

	cfg, cfgErr := config.Load(ctx)
	checks := doctorChecks(cfg, cfgErr)

	provider := doctorProvider
	if provider == "" && cfg != nil && cfg.Mirror.Enabled {
		provider = cfg.Mirror.Provider
	}
	s3Checks := provider == "s3"
	total := len(checks)
	if s3Checks {
		total += 2
	}

	allChecks := true
	for i, c := range checks {
		detail, err := c.run(ctx)
		if err != nil {
			logger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %v", i+1, total, c.name, err))
			allChecks = false
			continue
		}
		logger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", i+1, total, c.name, detail))
	}

	if s3Checks {
		profile := ""
		if cfg != nil {
			profile = cfg.Mirror.Profile
		}
		if !runS3Checks(ctx, len(checks)+1, total, profile) {
			allChecks = false
		}
	}

	logger.Info("")
	logger.Info(fmt.Sprintf("Environment: %s/%s", runtime.GOOS, runtime.GOARCH))
	if !allChecks {
		logger.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("one or more checks failed"))
	}
	logger.Info("✅ All checks passed!")
	return nil
}

// runS3Checks verifies AWS credentials resolve for the mirror.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, profile string) bool {
	logger := observability.CLILogger
	logger.Info("")
	logger.Info("S3 Mirror Checks:")

	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		logger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		logger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	logger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)))

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	logger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum+1, totalChecks, source))

	if region, ok := instanceRegion(ctx, cfg); ok {
		logger.Info("Running on EC2; instance role credentials are available",
			zap.String("instance_region", region))
	}
	return true
}

var imdsTimeout = time.Second

// instanceRegion asks the EC2 instance metadata service for the region.
// It reports false off EC2.
func instanceRegion(ctx context.Context, cfg aws.Config) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()

	out, err := imds.NewFromConfig(cfg).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil || out.Region == "" {
		return "", false
	}
	return out.Region, true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	logger := observability.CLILogger
	logger.Info("")
	logger.Info("To configure AWS credentials:")
	logger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	logger.Info("  2. Run 'aws configure' to set up a profile and set mirror.profile")
	logger.Info("")
	logger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set mirror.endpoint")
	logger.Info("and mirror.force_path_style.")
	logger.Info("")
}
