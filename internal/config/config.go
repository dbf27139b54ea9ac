package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/superdev/pkg/provider"
)

// Config is the complete superdev configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	WorkDir     string            `mapstructure:"workdir"`
	DataDir     string            `mapstructure:"datadir"`
	Compiler    CompilerConfig    `mapstructure:"compiler"`
	Modules     []ModuleConfig    `mapstructure:"modules"`
	Recompile   RecompileConfig   `mapstructure:"recompile"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Mirror      MirrorConfig      `mapstructure:"mirror"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// CompilerConfig configures the external compiler process.
type CompilerConfig struct {
	Command  []string          `mapstructure:"command"`
	CacheDir string            `mapstructure:"cache_dir"`
	Env      map[string]string `mapstructure:"env"`
}

// ModuleConfig declares one compilable module.
type ModuleConfig struct {
	Name       string            `mapstructure:"name"`
	Sources    []string          `mapstructure:"sources"`
	Include    []string          `mapstructure:"include"`
	Bindings   map[string]string `mapstructure:"bindings"`
	Precompile bool              `mapstructure:"precompile"`
}

type RecompileConfig struct {
	MaxDirAttempts int           `mapstructure:"max_dir_attempts"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout"`
	// Rate is recompile requests per second accepted by the HTTP surface.
	// Zero disables limiting.
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

type RegistryConfig struct {
	Persist bool `mapstructure:"persist"`
}

// MirrorConfig selects where published compiles are copied.
type MirrorConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Provider       string `mapstructure:"provider"`
	Path           string `mapstructure:"path"`
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	Prefix         string `mapstructure:"prefix"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	Keep           int    `mapstructure:"keep"`
}

type DiagnosticsConfig struct {
	StrictListeners bool `mapstructure:"strict_listeners"`
}

// Module returns the module named name.
func (c *Config) Module(name string) (ModuleConfig, bool) {
	for _, m := range c.Modules {
		if m.Name == name {
			return m, true
		}
	}
	return ModuleConfig{}, false
}

// Validate checks values that cannot be caught by decoding.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if strings.TrimSpace(c.WorkDir) == "" {
		return fmt.Errorf("workdir is required")
	}
	if c.Recompile.MaxDirAttempts < 1 {
		return fmt.Errorf("recompile.max_dir_attempts must be >= 1, got %d", c.Recompile.MaxDirAttempts)
	}
	if c.Recompile.Rate < 0 {
		return fmt.Errorf("recompile.rate must be >= 0")
	}

	seen := make(map[string]bool, len(c.Modules))
	for i, m := range c.Modules {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return fmt.Errorf("modules[%d]: name is required", i)
		}
		if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return fmt.Errorf("modules[%d]: invalid name %q", i, name)
		}
		if seen[name] {
			return fmt.Errorf("modules[%d]: duplicate module %q", i, name)
		}
		seen[name] = true
	}

	if c.Mirror.Enabled {
		kind, err := provider.ParseType(c.Mirror.Provider)
		if err != nil {
			return fmt.Errorf("mirror.provider: %w", err)
		}
		switch kind {
		case provider.ProviderFile:
			if strings.TrimSpace(c.Mirror.Path) == "" {
				return fmt.Errorf("mirror.path is required for the file provider")
			}
		case provider.ProviderS3:
			if strings.TrimSpace(c.Mirror.Bucket) == "" {
				return fmt.Errorf("mirror.bucket is required for the s3 provider")
			}
		}
		if c.Mirror.Keep < 0 {
			return fmt.Errorf("mirror.keep must be >= 0")
		}
	}
	return nil
}
