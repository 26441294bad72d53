package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	appconfig "github.com/3leaps/goanvil/internal/config"
	"github.com/3leaps/goanvil/internal/observability"
	"github.com/3leaps/goanvil/internal/server"
	"github.com/3leaps/goanvil/internal/server/handlers"
	"github.com/3leaps/goanvil/pkg/archive"
	"github.com/3leaps/goanvil/pkg/jobregistry"
)

var (
	serveHost    string
	servePort    int
	serveDataDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job launcher HTTP server",
	Long: `Run the HTTP server that accepts job submissions and serves job
status, log tails, and results.

Examples:
  goanvil serve
  goanvil serve --port 9000 --data-dir /var/lib/goanvil/jobs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Job data directory (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	overrides := map[string]any{}
	if serveHost != "" {
		overrides["server.host"] = serveHost
	}
	if servePort != 0 {
		overrides["server.port"] = servePort
	}
	if serveDataDir != "" {
		overrides["jobs.data_dir"] = serveDataDir
	}

	cfg, err := appconfig.Load(ctx, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	logger, err := observability.NewServerLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	dataDir, err := jobsDataDir(cfg)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Cannot resolve data directory", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot create data directory", err)
	}

	store := jobregistry.NewStore(dataDir)
	registry := jobregistry.NewRegistry(store, logger)
	launcher := jobregistry.NewLauncher(registry, jobregistry.LauncherConfig{
		SolverPath:        cfg.Jobs.SolverPath,
		ExtraArgs:         cfg.Jobs.SolverArgs,
		HeartbeatInterval: cfg.Jobs.HeartbeatInterval,
	}, logger)

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.New(ctx, store, archive.Config{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			Profile:         cfg.Archive.Profile,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			ForcePathStyle:  cfg.Archive.ForcePathStyle,
			RateLimit:       cfg.Archive.RateLimit,
			Parallel:        cfg.Archive.Parallel,
		}, logger)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Cannot initialize artifact archiver", err)
		}
	}

	launcher.OnFinished = func(rec jobregistry.JobRecord) {
		observability.RecordJobFinished(string(rec.State))
		if archiver != nil && rec.State.Terminal() {
			archiver.Enqueue(rec)
		}
	}

	var exporter *observability.Exporter
	if cfg.Metrics.Enabled {
		_, exporter = observability.InitTelemetry(cfg.Metrics.Port)
		go func() {
			if err := exporter.Start(); err != nil {
				logger.Warn("metrics exporter stopped", zap.Error(err))
			}
		}()
	}

	handlers.InitHealthManager(versionInfo.Version)
	if cfg.Health.Enabled {
		manager := handlers.GetHealthManager()
		manager.RegisterChecker("signals", signalHealthChecker{})
		if cfg.Metrics.Enabled {
			manager.RegisterChecker("telemetry", telemetryHealthChecker{})
		}
		if identity := GetAppIdentity(); identity != nil {
			manager.RegisterChecker("identity", identityHealthChecker{
				binaryName: identity.BinaryName,
				envPrefix:  identity.EnvPrefix,
				configName: identity.ConfigName,
			})
		}
		manager.RegisterChecker("data_dir", dataDirHealthChecker{dir: dataDir})
		manager.RegisterChecker("solver", solverHealthChecker{path: cfg.Jobs.SolverPath})
	}

	handlers.SetVersionInfo(handlers.VersionInfo{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
	})
	handlers.InitJobsHandler(registry, launcher, logger, cfg.Jobs.LogTailBytes)

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("server started",
		zap.String("addr", srv.Addr()),
		zap.String("data_dir", dataDir),
		zap.String("solver_path", cfg.Jobs.SolverPath),
		zap.String("version", versionInfo.Version),
	)

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", zap.Error(err))
	}
	if archiver != nil {
		if err := archiver.Wait(shutdownCtx); err != nil {
			logger.Warn("archive uploads still pending at shutdown", zap.Error(err))
		}
	}
	if exporter != nil {
		if err := exporter.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics exporter shutdown incomplete", zap.Error(err))
		}
	}

	logger.Info("server stopped")
	return nil
}

// signalHealthChecker is the always-healthy liveness check.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(_ context.Context) error {
	return nil
}

// telemetryHealthChecker verifies the telemetry system came up.
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(_ context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker verifies the application identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(_ context.Context) error {
	if c.binaryName == "" {
		return errors.New("identity misconfigured: missing binary name")
	}
	if c.envPrefix == "" {
		return errors.New("identity misconfigured: missing env prefix")
	}
	if c.configName == "" {
		return errors.New("identity misconfigured: missing config name")
	}
	return nil
}

// dataDirHealthChecker verifies the job data directory exists and is
// writable. Readiness gates on it: a submission that cannot be
// persisted must not be accepted.
type dataDirHealthChecker struct {
	dir string
}

func (c dataDirHealthChecker) CheckHealth(_ context.Context) error {
	info, err := os.Stat(c.dir)
	if err != nil {
		return fmt.Errorf("data directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data directory %s is not a directory", c.dir)
	}
	probe, err := os.CreateTemp(c.dir, ".healthprobe-*")
	if err != nil {
		return fmt.Errorf("data directory not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}

// solverHealthChecker verifies the configured solver binary resolves,
// either as a path or through PATH lookup.
type solverHealthChecker struct {
	path string
}

func (c solverHealthChecker) CheckHealth(_ context.Context) error {
	if c.path == "" {
		return errors.New("solver path not configured")
	}
	if _, err := exec.LookPath(c.path); err != nil {
		return fmt.Errorf("solver binary: %w", err)
	}
	return nil
}
