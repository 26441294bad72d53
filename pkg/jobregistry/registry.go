package jobregistry

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrJobNotFound indicates an id with neither an in-memory job nor a job
// directory on disk. Ids that were never issued resolve to this; anything
// that left a directory behind still answers status queries.
var ErrJobNotFound = errors.New("job not found")

// IsNotFound reports whether err means the job does not exist anywhere.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// Job is a live job owned by this process. It pairs the persistent record
// with the runtime state that does not survive a restart: the lock that
// orders transitions and the done signal the monitor closes on finalize.
type Job struct {
	mu     sync.Mutex
	record JobRecord

	doneOnce sync.Once
	done     chan struct{}
}

func newJob(record JobRecord) *Job {
	return &Job{record: record, done: make(chan struct{})}
}

// ID returns the job id. Stable for the job's lifetime.
func (j *Job) ID() string {
	return j.record.JobID
}

// Record returns a copy of the current record.
func (j *Job) Record() JobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record
}

// Done is closed once the job reaches a terminal state in this process.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) closeDone() {
	j.doneOnce.Do(func() { close(j.done) })
}

// Registry is the job lifecycle service: it creates jobs, owns the live
// in-memory set, applies transitions, and resolves status queries across
// the memory and disk tiers. One Registry is constructed per process and
// threaded through explicitly.
type Registry struct {
	store  *Store
	logger *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewRegistry(store *Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		logger: logger,
		jobs:   make(map[string]*Job),
	}
}

func (r *Registry) Store() *Store {
	return r.store
}

// Create allocates a fresh job: generates the id, creates the job
// directory, writes the deck, persists the initial queued snapshot, and
// registers the job in memory. On any failure the partially created
// directory is removed and no job exists.
func (r *Registry) Create(name, deckText string) (*Job, error) {
	jobID := uuid.New().String()

	if err := r.store.CreateJobDir(jobID); err != nil {
		return nil, err
	}

	cleanup := func() { _ = os.RemoveAll(r.store.JobDir(jobID)) }

	if err := r.store.WriteDeck(jobID, deckText); err != nil {
		cleanup()
		return nil, err
	}

	record := JobRecord{
		JobID:      jobID,
		Name:       strings.TrimSpace(name),
		State:      JobStateQueued,
		CreatedAt:  time.Now().UTC(),
		DeckPath:   r.store.DeckPath(jobID),
		LogPath:    r.store.LogPath(jobID),
		ResultPath: r.store.ResultPath(jobID),
	}
	if err := r.store.WriteSnapshot(&record); err != nil {
		cleanup()
		return nil, err
	}

	job := newJob(record)
	r.mu.Lock()
	r.jobs[jobID] = job
	r.mu.Unlock()

	r.logger.Debug("job created",
		zap.String("job_id", jobID),
		zap.String("name", record.Name))
	return job, nil
}

// Lookup returns the live in-memory job for id, if this process owns one.
func (r *Registry) Lookup(jobID string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	return job, ok
}

// Update applies a transition to the job and persists the snapshot before
// returning. The job lock is held across the disk write, so snapshots for
// one job always land in transition order. The in-memory change stands even
// when the write fails; the error tells the caller durability is behind.
func (r *Registry) Update(job *Job, mutate func(*JobRecord)) error {
	job.mu.Lock()
	defer job.mu.Unlock()

	mutate(&job.record)
	record := job.record
	if err := r.store.WriteSnapshot(&record); err != nil {
		r.logger.Warn("persist job snapshot",
			zap.String("job_id", record.JobID),
			zap.Error(err))
		return fmt.Errorf("persist snapshot for job %s: %w", record.JobID, err)
	}
	return nil
}

// Status resolves the externally observable view of a job.
//
// Resolution is two-tier: the live in-memory record wins while this process
// owns the job; otherwise the durable snapshot answers; fields with no
// recorded value fall back to defaults (state "unknown"). ErrJobNotFound
// only when neither tier knows the id.
func (r *Registry) Status(jobID string) (JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if !validJobID(jobID) {
		return JobRecord{}, ErrJobNotFound
	}

	if job, ok := r.Lookup(jobID); ok {
		record := job.Record()
		return resolveStatus(&record, nil), nil
	}

	disk, err := r.store.ReadSnapshot(jobID)
	if err != nil {
		if !r.store.DirExists(jobID) {
			return JobRecord{}, ErrJobNotFound
		}
		// Directory exists but the snapshot is missing or unreadable:
		// the job is real, its state is not recoverable.
		view := resolveStatus(nil, nil)
		view.JobID = jobID
		return view, nil
	}

	view := resolveStatus(nil, disk)

	// A snapshot claiming "running" with a dead pid belongs to a launcher
	// that is gone. Report unknown without rewriting the snapshot; only
	// transitions write job.json.
	if view.State == JobStateRunning && view.PID > 0 && !isProcessAlive(view.PID) {
		view.State = JobStateUnknown
		if _, err := os.Stat(r.store.ResultPath(jobID)); err == nil {
			view.HasResult = true
		}
	}
	return view, nil
}

// List returns summaries for every job the store knows, newest first.
// Disk is the index; live in-memory records overlay their disk entries so
// a scan never reports a stage the process has already moved past.
func (r *Registry) List(opts ListOptions) ([]JobRecord, error) {
	records, err := r.store.List(opts)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if job, ok := r.Lookup(records[i].JobID); ok {
			records[i] = job.Record()
		}
	}
	return records, nil
}

// resolveStatus merges the memory and disk tiers field by field: prefer the
// live value, fall back to the snapshot, default when neither has one.
func resolveStatus(mem, disk *JobRecord) JobRecord {
	out := JobRecord{State: JobStateUnknown}
	overlayRecord(&out, disk)
	overlayRecord(&out, mem)
	return out
}

func overlayRecord(dst, src *JobRecord) {
	if src == nil {
		return
	}
	if src.JobID != "" {
		dst.JobID = src.JobID
	}
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.State != "" {
		dst.State = src.State
	}
	if src.PID != 0 {
		dst.PID = src.PID
	}
	if !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
	}
	if src.StartedAt != nil {
		dst.StartedAt = src.StartedAt
	}
	if src.FinishedAt != nil {
		dst.FinishedAt = src.FinishedAt
	}
	if src.LastHeartbeat != nil {
		dst.LastHeartbeat = src.LastHeartbeat
	}
	if src.ExitCode != nil {
		dst.ExitCode = src.ExitCode
	}
	if src.Error != "" {
		dst.Error = src.Error
	}
	if src.HasResult {
		dst.HasResult = true
	}
	if src.SolverPath != "" {
		dst.SolverPath = src.SolverPath
	}
	if len(src.SolverArgs) > 0 {
		dst.SolverArgs = src.SolverArgs
	}
	if src.DeckPath != "" {
		dst.DeckPath = src.DeckPath
	}
	if src.LogPath != "" {
		dst.LogPath = src.LogPath
	}
	if src.ResultPath != "" {
		dst.ResultPath = src.ResultPath
	}
}

// validJobID rejects ids that cannot name a job directory. Ids arrive from
// callers, not just from our own uuid generator.
func validJobID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
