// Package config loads superdev configuration from defaults, an optional
// YAML file, SUPERDEV_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// AppName names the config file, env prefix and data directory.
	AppName = "superdev"

	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "SUPERDEV"

	// ConfigFileEnv points at an explicit config file.
	ConfigFileEnv = EnvPrefix + "_CONFIG"
)

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// EnvSpec maps an environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

// SetConfigFile selects an explicit config file for subsequent loads.
// An empty path restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration and makes it the current one.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func readConfigFile(v *viper.Viper) error {
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()
	if explicit == "" {
		explicit = os.Getenv(ConfigFileEnv)
	}

	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName(AppName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	dataDir := gfconfig.GetAppDataDir(AppName)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 9876)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "10m")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("datadir", dataDir)
	v.SetDefault("workdir", filepath.Join(dataDir, "work"))

	v.SetDefault("compiler.command", []string{})
	v.SetDefault("compiler.cache_dir", filepath.Join(dataDir, "cache"))
	v.SetDefault("compiler.env", map[string]string{})

	v.SetDefault("modules", []map[string]any{})

	v.SetDefault("recompile.max_dir_attempts", 100)
	v.SetDefault("recompile.wait_timeout", "5m")
	v.SetDefault("recompile.rate", 2.0)
	v.SetDefault("recompile.burst", 4)

	v.SetDefault("registry.persist", true)

	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.provider", "file")
	v.SetDefault("mirror.path", "")
	v.SetDefault("mirror.bucket", "")
	v.SetDefault("mirror.region", "")
	v.SetDefault("mirror.endpoint", "")
	v.SetDefault("mirror.profile", "")
	v.SetDefault("mirror.prefix", "")
	v.SetDefault("mirror.force_path_style", false)
	v.SetDefault("mirror.keep", 5)

	v.SetDefault("diagnostics.strict_listeners", false)
}

// getEnvSpecs lists the short environment names. Every key is also reachable
// as SUPERDEV_<SECTION>_<KEY>.
func getEnvSpecs() []EnvSpec {
	specs := []struct{ name, path string }{
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"WRITE_TIMEOUT", "server.write_timeout"},
		{"IDLE_TIMEOUT", "server.idle_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_PROFILE", "logging.profile"},
		{"WORKDIR", "workdir"},
		{"DATADIR", "datadir"},
		{"COMPILER", "compiler.command"},
		{"CACHE_DIR", "compiler.cache_dir"},
		{"WAIT_TIMEOUT", "recompile.wait_timeout"},
		{"MIRROR_BUCKET", "mirror.bucket"},
		{"MIRROR_ENDPOINT", "mirror.endpoint"},
	}

	out := make([]EnvSpec, 0, len(specs)*2)
	for _, s := range specs {
		out = append(out, EnvSpec{Name: EnvPrefix + "_" + s.name, Path: s.path})
	}
	return out
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok && len(nested) > 0 {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
