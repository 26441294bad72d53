package jobregistry

import "time"

// JobState is the lifecycle state of a managed job.
//
// Transitions are monotonic: queued -> running -> completed|failed. A later
// snapshot never describes an earlier stage. Unknown is never persisted by a
// transition; it is the resolver's answer when no recorded state survives.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateUnknown   JobState = "unknown"
)

// Terminal reports whether a job in this state is done for good.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
// It is the sole source of truth for a job once the process that launched it
// is gone; while that process lives, the in-memory copy leads and every
// transition rewrites the file.
type JobRecord struct {
	JobID     string    `json:"job_id"`
	Name      string    `json:"name,omitempty"`
	State     JobState  `json:"state"`
	PID       int       `json:"pid,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	// ExitCode is set only when the solver process itself exited with a
	// code. Spawn failures and signal deaths leave it nil.
	ExitCode *int `json:"exit_code,omitempty"`

	// Error describes why a job failed. Empty for healthy jobs.
	Error string `json:"error,omitempty"`

	// HasResult records whether the result file existed when the solver
	// exited. Completion is judged by exit code alone; this is evidence,
	// not a gate.
	HasResult bool `json:"has_result,omitempty"`

	SolverPath string   `json:"solver_path,omitempty"`
	SolverArgs []string `json:"solver_args,omitempty"`
	DeckPath   string   `json:"deck_path,omitempty"`
	LogPath    string   `json:"log_path,omitempty"`
	ResultPath string   `json:"result_path,omitempty"`
}
