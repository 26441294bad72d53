// Package cmd implements the goanvil command line interface.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	appconfig "github.com/3leaps/goanvil/internal/config"
	"github.com/3leaps/goanvil/internal/observability"
)

// versionInfo carries the build metadata stamped in by the linker.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "none",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata. main calls this before Execute.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// appIdentity names the application for config and data directory
// discovery. Set when the root command initializes; nil before then.
var appIdentity *appconfig.AppIdentity

// GetAppIdentity returns the registered identity, or nil before init.
func GetAppIdentity() *appconfig.AppIdentity {
	return appIdentity
}

var (
	logProfile string
	verbose    bool
	readOnly   bool
)

var rootCmd = &cobra.Command{
	Use:   "goanvil",
	Short: "Launch and track detached solver jobs",
	Long: `goanvil turns solver configuration payloads into tracked jobs: it
materializes a per-job deck file, spawns the solver as a detached
process, and answers for job status, log tails, and results over HTTP
and this CLI.

Spawned solvers outlive the process that launched them. Job state lives
under the data directory, so any goanvil invocation can report on jobs
another one started.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger(logProfile, verbose)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&logProfile, "log-profile", "cli", "Log output profile (cli or structured)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "readonly", false, "Refuse operations that create or delete jobs")
	_ = viper.BindPFlag("readonly", rootCmd.PersistentFlags().Lookup("readonly"))
	_ = viper.BindEnv("readonly", "GOANVIL_READONLY")
}

// initConfig pins the application identity and seeds viper defaults
// before any command body runs.
func initConfig() {
	appIdentity = &appconfig.AppIdentity{
		BinaryName: "goanvil",
		EnvPrefix:  "GOANVIL",
		ConfigName: "goanvil",
	}
	setDefaults()
}

// IsReadOnly reports whether mutating commands should refuse to run.
// The persistent flag wins; GOANVIL_READONLY and the config file are
// honored through viper.
func IsReadOnly() bool {
	return readOnly || viper.GetBool("readonly")
}

// setDefaults seeds the global viper with the canonical defaults. The
// config loader applies the same set on its own instance; this copy is
// for commands that consult viper directly.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	viper.SetDefault("jobs.data_dir", "")
	viper.SetDefault("jobs.solver_path", "solver")
	viper.SetDefault("jobs.log_tail_bytes", 65536)
	viper.SetDefault("jobs.heartbeat_interval", "30s")

	viper.SetDefault("archive.enabled", false)
	viper.SetDefault("archive.prefix", "jobs")
	viper.SetDefault("archive.parallel", 4)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("health.enabled", true)

	viper.SetDefault("workers", 4)

	viper.SetDefault("debug.enabled", false)
	viper.SetDefault("debug.pprof_enabled", false)
}

// Execute runs the root command with the given context.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// exitError wraps err so the failure carries both a user-facing message
// and the process exit code the caller should use.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// ExitWithCode logs the failure and terminates the process. Reserved
// for paths where returning an error would lose the exit code.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger != nil {
		if err != nil {
			logger.Error(message, zap.Error(err))
		} else {
			logger.Error(message)
		}
	}
	os.Exit(code)
}
