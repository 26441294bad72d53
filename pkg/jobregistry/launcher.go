package jobregistry

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Fixed solver invocation flags. The solver contract is narrow: run the
// deck, write the result file, exit when done.
const (
	solverFlagBatch  = "-batch"
	solverFlagDeck   = "-deck"
	solverFlagResult = "-result"
)

// LauncherConfig controls how solver processes are spawned.
type LauncherConfig struct {
	// SolverPath is the solver binary: a bare name resolved via PATH or an
	// explicit path.
	SolverPath string

	// ExtraArgs are appended after the fixed flags on every invocation.
	ExtraArgs []string

	// HeartbeatInterval is how often a running job refreshes its snapshot
	// heartbeat. Zero or negative disables heartbeats.
	HeartbeatInterval time.Duration
}

// DefaultLauncherConfig returns a config with sane defaults.
func DefaultLauncherConfig() LauncherConfig {
	return LauncherConfig{
		SolverPath:        "solver",
		HeartbeatInterval: 30 * time.Second,
	}
}

// Launcher spawns solver processes for queued jobs and supervises them to a
// terminal state. The spawn is detached into its own process group, so a
// launcher restart never takes in-flight solvers down with it; a restarted
// process simply no longer observes their exits.
type Launcher struct {
	registry *Registry
	cfg      LauncherConfig
	logger   *zap.Logger

	// OnFinished, when set, is called synchronously after every terminal
	// transition with the final record. Used to hand artifacts to the
	// archiver; must not block for long.
	OnFinished func(JobRecord)
}

func NewLauncher(registry *Registry, cfg LauncherConfig, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{registry: registry, cfg: cfg, logger: logger}
}

// Launch moves the job to running and spawns its solver, returning once the
// spawn has been decided. Launch failures (missing binary, refused spawn)
// are captured into the job state, never thrown: by the time anyone asks,
// the job is failed with its error populated and no exit code. The returned
// error reports persistence problems only.
func (l *Launcher) Launch(job *Job) error {
	if err := l.registry.Update(job, func(r *JobRecord) {
		now := time.Now().UTC()
		r.State = JobStateRunning
		r.StartedAt = &now
		r.LastHeartbeat = &now
	}); err != nil {
		return err
	}

	record := job.Record()

	solverPath, err := resolveSolver(l.cfg.SolverPath)
	if err != nil {
		l.fail(job, err.Error())
		return nil
	}

	args := []string{
		solverFlagBatch,
		solverFlagDeck, record.DeckPath,
		solverFlagResult, record.ResultPath,
	}
	args = append(args, l.cfg.ExtraArgs...)

	logFile, err := os.Create(record.LogPath)
	if err != nil {
		l.fail(job, fmt.Sprintf("create solver log: %v", err))
		return nil
	}

	cmd := exec.Command(solverPath, args...)
	cmd.Dir = l.registry.Store().JobDir(record.JobID)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	// Own process group: the solver must outlive us, not share our signals.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		l.fail(job, fmt.Sprintf("start solver: %v", err))
		return nil
	}

	if err := l.registry.Update(job, func(r *JobRecord) {
		r.PID = cmd.Process.Pid
		r.SolverPath = solverPath
		r.SolverArgs = args
	}); err != nil {
		// The process is already running; supervision continues regardless.
		l.logger.Warn("persist spawn record",
			zap.String("job_id", record.JobID), zap.Error(err))
	}

	l.logger.Info("solver spawned",
		zap.String("job_id", record.JobID),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("solver", solverPath))

	go l.monitor(job, cmd, logFile)
	return nil
}

// monitor waits out the solver process and applies the terminal transition.
// It is the only writer of finishedAt and exitCode; the spawn-failure path
// in Launch never reaches here.
func (l *Launcher) monitor(job *Job, cmd *exec.Cmd, logFile *os.File) {
	stopHeartbeat := l.startHeartbeat(job)
	waitErr := cmd.Wait()
	stopHeartbeat()
	_ = logFile.Close()

	resultPath := l.registry.Store().ResultPath(job.ID())
	_, statErr := os.Stat(resultPath)
	hasResult := statErr == nil

	if err := l.registry.Update(job, func(r *JobRecord) {
		now := time.Now().UTC()
		r.FinishedAt = &now
		r.HasResult = hasResult

		var exitErr *exec.ExitError
		switch {
		case waitErr == nil:
			code := 0
			r.ExitCode = &code
			r.State = JobStateCompleted
		case errors.As(waitErr, &exitErr):
			code := exitErr.ExitCode()
			r.State = JobStateFailed
			if code >= 0 {
				r.ExitCode = &code
				r.Error = fmt.Sprintf("solver exited with code %d", code)
			} else {
				// Signal death carries no exit code.
				r.Error = fmt.Sprintf("solver terminated: %v", exitErr)
			}
		default:
			r.State = JobStateFailed
			r.Error = fmt.Sprintf("wait for solver: %v", waitErr)
		}
	}); err != nil {
		l.logger.Warn("persist terminal snapshot",
			zap.String("job_id", job.ID()), zap.Error(err))
	}

	record := job.Record()
	l.logger.Info("solver finished",
		zap.String("job_id", record.JobID),
		zap.String("state", string(record.State)),
		zap.Bool("has_result", record.HasResult))

	l.finalize(job)
}

// fail records a launch failure: the job keeps its startedAt, gains an
// error and finishedAt, and never gets an exit code.
func (l *Launcher) fail(job *Job, detail string) {
	if err := l.registry.Update(job, func(r *JobRecord) {
		now := time.Now().UTC()
		r.State = JobStateFailed
		r.Error = detail
		r.FinishedAt = &now
	}); err != nil {
		l.logger.Warn("persist launch failure",
			zap.String("job_id", job.ID()), zap.Error(err))
	}
	l.logger.Warn("solver launch failed",
		zap.String("job_id", job.ID()), zap.String("error", detail))
	l.finalize(job)
}

func (l *Launcher) finalize(job *Job) {
	if l.OnFinished != nil {
		l.OnFinished(job.Record())
	}
	job.closeDone()
}

func (l *Launcher) startHeartbeat(job *Job) func() {
	interval := l.cfg.HeartbeatInterval
	if interval <= 0 {
		return func() {}
	}

	t := time.NewTicker(interval)
	stop := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				_ = l.registry.Update(job, func(r *JobRecord) {
					now := time.Now().UTC()
					r.LastHeartbeat = &now
				})
			}
		}
	}()

	return func() {
		t.Stop()
		close(stop)
		<-stopped
	}
}

// resolveSolver turns the configured solver into a spawnable path. Bare
// names go through PATH; anything with a separator must exist as given.
func resolveSolver(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("solver binary is not configured")
	}
	if strings.ContainsRune(path, os.PathSeparator) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("resolve solver path: %w", err)
		}
		if _, err := os.Stat(abs); err != nil {
			return "", fmt.Errorf("solver binary not found: %s", abs)
		}
		return abs, nil
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("solver binary not found: %w", err)
	}
	return resolved, nil
}
