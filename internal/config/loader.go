// Package config loads goanvil's layered configuration: defaults,
// config file, environment, then runtime overrides, strongest last.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the resolved configuration the process runs with.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
	Debug   DebugConfig   `mapstructure:"debug"`
	Workers int           `mapstructure:"workers"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig controls the server logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// JobsConfig controls where jobs live and how the solver is invoked.
// An empty DataDir means the serve path derives one from the app data
// directory.
type JobsConfig struct {
	DataDir           string        `mapstructure:"data_dir"`
	SolverPath        string        `mapstructure:"solver_path"`
	SolverArgs        []string      `mapstructure:"solver_args"`
	LogTailBytes      int64         `mapstructure:"log_tail_bytes"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// ArchiveConfig controls the artifact archiver. Disabled by default;
// when enabled, finished job artifacts are copied to object storage.
type ArchiveConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Bucket          string  `mapstructure:"bucket"`
	Prefix          string  `mapstructure:"prefix"`
	Region          string  `mapstructure:"region"`
	Endpoint        string  `mapstructure:"endpoint"`
	Profile         string  `mapstructure:"profile"`
	AccessKeyID     string  `mapstructure:"access_key_id"`
	SecretAccessKey string  `mapstructure:"secret_access_key"`
	ForcePathStyle  bool    `mapstructure:"force_path_style"`
	RateLimit       float64 `mapstructure:"rate_limit"`
	Parallel        int     `mapstructure:"parallel"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HealthConfig controls the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig controls debug facilities.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// AppIdentity names the application for config discovery: binary
// name, env var prefix, and config file base name.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var (
	configMu    sync.Mutex
	appIdentity *AppIdentity
	appConfig   *Config
)

// Load resolves the configuration. Runtime overrides win over
// environment variables, which win over config files and defaults.
// The loaded config becomes the one GetConfig returns.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	defer configMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if appIdentity == nil {
		appIdentity = &AppIdentity{BinaryName: "goanvil", EnvPrefix: "GOANVIL", ConfigName: "goanvil"}
	}

	v := viper.New()
	setLoaderDefaults(v)

	v.SetConfigName(appIdentity.ConfigName)
	v.SetConfigType("yaml")
	if root, err := findProjectRoot(); err == nil {
		v.AddConfigPath(root)
	}
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, override := range overrides {
		applyOverrides(v, "", override)
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the most recently loaded config, or nil before
// the first Load.
func GetConfig() *Config {
	configMu.Lock()
	defer configMu.Unlock()
	return appConfig
}

func setLoaderDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("jobs.data_dir", "")
	v.SetDefault("jobs.solver_path", "solver")
	v.SetDefault("jobs.log_tail_bytes", 65536)
	v.SetDefault("jobs.heartbeat_interval", "30s")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.prefix", "jobs")
	v.SetDefault("archive.parallel", 4)
	v.SetDefault("archive.rate_limit", 0)
	v.SetDefault("archive.force_path_style", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)
}

// envSpec maps one environment variable onto a config key.
type envSpec struct {
	Name string // environment variable, e.g. GOANVIL_PORT
	Path string // config key it sets, e.g. server.port
}

// getEnvSpecs lists the environment variables the loader honors.
// Empty until the app identity is known.
func getEnvSpecs() []envSpec {
	if appIdentity == nil {
		return nil
	}
	p := appIdentity.EnvPrefix + "_"
	return []envSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "DATA_DIR", Path: "jobs.data_dir"},
		{Name: p + "SOLVER_PATH", Path: "jobs.solver_path"},
		{Name: p + "LOG_TAIL_BYTES", Path: "jobs.log_tail_bytes"},
		{Name: p + "HEARTBEAT_INTERVAL", Path: "jobs.heartbeat_interval"},
		{Name: p + "ARCHIVE_ENABLED", Path: "archive.enabled"},
		{Name: p + "ARCHIVE_BUCKET", Path: "archive.bucket"},
		{Name: p + "ARCHIVE_PREFIX", Path: "archive.prefix"},
		{Name: p + "ARCHIVE_REGION", Path: "archive.region"},
		{Name: p + "ARCHIVE_ENDPOINT", Path: "archive.endpoint"},
		{Name: p + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: p + "METRICS_PORT", Path: "metrics.port"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: p + "WORKERS", Path: "workers"},
	}
}

// getUserConfigPaths lists per-user directories searched for the
// config file. Empty until the app identity is known.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return nil
	}
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, appIdentity.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+appIdentity.ConfigName))
	}
	return paths
}

// findProjectRoot locates the directory project-level config is read
// from. In CI the workspace boundary env vars are honored first; the
// fallback walks up from the working directory looking for go.mod.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}

	if root := ciBoundaryRoot(cwd); root != "" {
		return root, nil
	}

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			// No module marker anywhere above; treat the working
			// directory itself as the project root.
			return cwd, nil
		}
		dir = parent
	}
}

// ciBoundaryRoot returns the first CI workspace boundary that is an
// absolute existing directory containing cwd, or "".
func ciBoundaryRoot(cwd string) string {
	if os.Getenv("CI") != "true" && os.Getenv("GITHUB_ACTIONS") != "true" {
		return ""
	}
	for _, name := range []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"} {
		root := os.Getenv(name)
		if root == "" || !filepath.IsAbs(root) {
			continue
		}
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}
		rel, err := filepath.Rel(root, cwd)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return root
	}
	return ""
}

// applyOverrides flattens a nested override map into explicit viper
// sets, which outrank every other source.
func applyOverrides(v *viper.Viper, prefix string, values map[string]any) {
	for key, value := range values {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			applyOverrides(v, path, nested)
			continue
		}
		v.Set(path, value)
	}
}
