package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/superdev/internal/config"
	"github.com/3leaps/superdev/pkg/artifactdir"
	"github.com/3leaps/superdev/pkg/compiler"
	"github.com/3leaps/superdev/pkg/job"
	"github.com/3leaps/superdev/pkg/jobregistry"
	"github.com/3leaps/superdev/pkg/jobrunner"
	"github.com/3leaps/superdev/pkg/mirror"
	"github.com/3leaps/superdev/pkg/outbox"
	"github.com/3leaps/superdev/pkg/provider"
	"github.com/3leaps/superdev/pkg/provider/file"
	"github.com/3leaps/superdev/pkg/provider/s3"
)

// pipeline is the assembled recompile stack shared by serve and compile.
type pipeline struct {
	cfg         *config.Config
	table       *outbox.Table
	registry    *jobregistry.Registry
	store       *jobregistry.Store
	compiler    compiler.Compiler
	runner      *jobrunner.Runner
	mirrorStore provider.Provider
	logger      *zap.Logger
}

type pipelineOptions struct {
	// persist mirrors job events into the job store. Only the server does
	// this; the store belongs to the running server.
	persist bool

	// compiler replaces the configured exec compiler.
	compiler compiler.Compiler
}

func jobStoreDir(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "jobs")
}

func buildPipeline(ctx context.Context, cfg *config.Config, opts pipelineOptions, logger *zap.Logger) (_ *pipeline, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Modules) == 0 {
		return nil, fmt.Errorf("no modules configured")
	}
	p := &pipeline{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	var hooks []outbox.Option
	if cfg.Mirror.Enabled {
		p.mirrorStore, err = openMirrorStore(ctx, cfg.Mirror)
		if err != nil {
			return nil, fmt.Errorf("open mirror: %w", err)
		}
		m, err := mirror.New(p.mirrorStore, mirror.Config{Prefix: cfg.Mirror.Prefix, Keep: cfg.Mirror.Keep}, logger.Named("mirror"))
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, outbox.WithPublishHook("mirror", m.Hook()))
	}

	p.table, err = outbox.NewTable()
	if err != nil {
		return nil, err
	}
	for _, mc := range cfg.Modules {
		dir, err := artifactdir.Create(cfg.WorkDir, mc.Name, artifactdir.Options{
			MaxAttempts: cfg.Recompile.MaxDirAttempts,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", mc.Name, err)
		}
		spec := outbox.Spec{
			Module:     mc.Name,
			Sources:    compiler.SourceSet{Roots: mc.Sources, Include: mc.Include},
			Bindings:   mc.Bindings,
			Precompile: mc.Precompile,
		}
		ob, err := outbox.New(spec, dir, append([]outbox.Option{outbox.WithLogger(logger)}, hooks...)...)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", mc.Name, err)
		}
		if err := p.table.Add(ob); err != nil {
			return nil, err
		}
	}

	regOpts := []jobregistry.Option{jobregistry.WithLogger(logger)}
	if opts.persist && cfg.Registry.Persist {
		p.store = jobregistry.NewStore(jobStoreDir(cfg))
		n, err := p.store.Reset()
		if err != nil {
			return nil, fmt.Errorf("reset job store: %w", err)
		}
		if n > 0 {
			logger.Debug("Cleared job records from an earlier run", zap.Int("records", n))
		}
		regOpts = append(regOpts, jobregistry.WithListener("job-store", p.store.Listener()))
	}
	if cfg.Diagnostics.StrictListeners {
		regOpts = append(regOpts, jobregistry.WithListenerErrorHook(func(name string, ev job.Event, err error) {
			logger.Error("Job event listener failed",
				zap.String("listener", name),
				zap.String("job_id", ev.JobID),
				zap.String("status", string(ev.Status)),
				zap.Error(err))
		}))
	}
	p.registry = jobregistry.New(regOpts...)

	p.compiler = opts.compiler
	if p.compiler == nil {
		p.compiler, err = compiler.NewExecCompiler(compiler.ExecConfig{
			Command:  cfg.Compiler.Command,
			Env:      envList(cfg.Compiler.Env),
			CacheDir: cfg.Compiler.CacheDir,
		}, logger.Named("compiler"))
		if err != nil {
			return nil, err
		}
	}

	p.runner, err = jobrunner.New(p.table, p.compiler, p.registry, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Close stops the runner and releases the mirror store.
func (p *pipeline) Close() {
	if p.runner != nil {
		p.runner.Close()
	}
	if p.mirrorStore != nil {
		if err := p.mirrorStore.Close(); err != nil {
			p.logger.Warn("Closing mirror store failed", zap.Error(err))
		}
	}
}

func openMirrorStore(ctx context.Context, mc config.MirrorConfig) (provider.Provider, error) {
	kind, err := provider.ParseType(mc.Provider)
	if err != nil {
		return nil, err
	}
	switch kind {
	case provider.ProviderFile:
		return file.New(file.Config{BaseDir: mc.Path})
	case provider.ProviderS3:
		return s3.New(ctx, s3.Config{
			Bucket:         mc.Bucket,
			Region:         mc.Region,
			Endpoint:       mc.Endpoint,
			Profile:        mc.Profile,
			ForcePathStyle: mc.ForcePathStyle,
		})
	default:
		return nil, errors.New("unreachable provider type " + string(kind))
	}
}

// envList renders compiler env as KEY=VALUE. Viper lowercases map keys, and
// environment names are upper case by convention.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.ToUpper(k)+"="+env[k])
	}
	return out
}
