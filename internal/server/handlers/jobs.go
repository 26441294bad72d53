package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/goanvil/internal/errors"
	"github.com/3leaps/goanvil/internal/observability"
	"github.com/3leaps/goanvil/pkg/deck"
	"github.com/3leaps/goanvil/pkg/jobregistry"
)

const (
	// DefaultLogTailBytes is the log read budget when the client does not
	// ask for one.
	DefaultLogTailBytes int64 = 64 * 1024

	// maxSubmissionBytes caps the submission body. Decks are text; anything
	// past this is a mistake, not a job.
	maxSubmissionBytes int64 = 8 << 20
)

// JobsHandler serves the job lifecycle routes over a registry and launcher.
type JobsHandler struct {
	registry     *jobregistry.Registry
	launcher     *jobregistry.Launcher
	logger       *zap.Logger
	maxTailBytes int64
}

// NewJobsHandler builds a handler. maxTailBytes caps per-request log
// reads; zero or negative selects DefaultLogTailBytes.
func NewJobsHandler(registry *jobregistry.Registry, launcher *jobregistry.Launcher, logger *zap.Logger, maxTailBytes int64) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxTailBytes <= 0 {
		maxTailBytes = DefaultLogTailBytes
	}
	return &JobsHandler{
		registry:     registry,
		launcher:     launcher,
		logger:       logger,
		maxTailBytes: maxTailBytes,
	}
}

// SubmitResponse acknowledges an accepted job. It reflects the record as
// created; the solver may already be running by the time the client reads
// it.
type SubmitResponse struct {
	JobID     string               `json:"job_id"`
	Name      string               `json:"name,omitempty"`
	State     jobregistry.JobState `json:"state"`
	CreatedAt time.Time            `json:"created_at"`
}

// Submit handles POST /jobs: validate the payload, materialize the deck,
// create the job, and hand it to the launcher.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubmissionBytes))
	if err != nil {
		respondWithError(w, r, apperrors.NewValidationError("request body unreadable or too large", map[string]interface{}{
			"error": err.Error(),
		}))
		return
	}

	var payload deck.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		respondWithError(w, r, apperrors.NewValidationError("request body is not valid JSON", map[string]interface{}{
			"error": err.Error(),
		}))
		return
	}

	if err := deck.ValidateRaw(body); err != nil {
		var verrs deck.ValidationErrors
		if errors.As(err, &verrs) {
			violations := make([]map[string]string, 0, len(verrs))
			for _, v := range verrs {
				violations = append(violations, map[string]string{
					"path":    v.Path,
					"message": v.Message,
				})
			}
			respondWithError(w, r, apperrors.NewValidationError("submission failed schema validation", map[string]interface{}{
				"violations": violations,
			}))
			return
		}
		respondWithError(w, r, err)
		return
	}

	deckText, err := payload.Materialize()
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	job, err := h.registry.Create(payload.Name, deckText)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "create job"))
		return
	}

	// The acknowledgement reflects the job as created. Launch mutates the
	// record concurrently with the response; clients poll for the rest.
	created := job.Record()

	if err := h.launcher.Launch(job); err != nil {
		h.logger.Error("launch job",
			zap.String("job_id", created.JobID), zap.Error(err))
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "launch job"))
		return
	}

	observability.RecordJobAccepted()
	h.logger.Info("job accepted",
		zap.String("job_id", created.JobID),
		zap.String("name", created.Name))

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		JobID:     created.JobID,
		Name:      created.Name,
		State:     created.State,
		CreatedAt: created.CreatedAt,
	})
}

// JobListResponse is the body of GET /jobs.
type JobListResponse struct {
	Jobs  []jobregistry.JobRecord `json:"jobs"`
	Count int                     `json:"count"`
}

// List handles GET /jobs. The optional match query filters by display
// name glob.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.registry.List(jobregistry.ListOptions{
		NameGlob: r.URL.Query().Get("match"),
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if records == nil {
		records = []jobregistry.JobRecord{}
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: records, Count: len(records)})
}

// Status handles GET /jobs/{jobID}: the reconciled view of one job.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	record, err := h.registry.Status(jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// LogResponse carries a bounded tail of the solver log.
type LogResponse struct {
	JobID string `json:"job_id"`
	jobregistry.LogTail
}

// Log handles GET /jobs/{jobID}/log. The optional bytes query requests a
// tail budget; it is clamped to the server's cap. A job with no log yet
// yields a JSON null body.
func (h *JobsHandler) Log(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := h.registry.Status(jobID); err != nil {
		respondWithError(w, r, err)
		return
	}

	budget := h.maxTailBytes
	if raw := r.URL.Query().Get("bytes"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			respondWithError(w, r, apperrors.NewValidationError("bytes must be a non-negative integer", map[string]interface{}{
				"bytes": raw,
			}))
			return
		}
		if parsed > 0 && parsed < budget {
			budget = parsed
		}
	}

	tail, err := h.registry.Store().TailLog(jobID, budget)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "read solver log"))
		return
	}
	if tail == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, LogResponse{JobID: jobID, LogTail: *tail})
}

// ResultResponse carries a job result in whichever form the solver
// produced it.
type ResultResponse struct {
	JobID  string         `json:"job_id"`
	Format string         `json:"format"`
	Result map[string]any `json:"result,omitempty"`
	Text   string         `json:"text,omitempty"`
}

// Result handles GET /jobs/{jobID}/result. A job that has not produced a
// result yields a JSON null body.
func (h *JobsHandler) Result(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := h.registry.Status(jobID); err != nil {
		respondWithError(w, r, err)
		return
	}

	res, err := h.registry.Store().ReadResult(jobID)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "read result"))
		return
	}
	if res == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	resp := ResultResponse{JobID: jobID}
	if res.IsStructured() {
		resp.Format = "structured"
		resp.Result = res.Structured
	} else {
		resp.Format = "raw"
		resp.Text = res.Raw
	}
	writeJSON(w, http.StatusOK, resp)
}

var globalJobsHandler *JobsHandler

// InitJobsHandler installs the process-wide jobs handler used by the
// package-level route functions.
func InitJobsHandler(registry *jobregistry.Registry, launcher *jobregistry.Launcher, logger *zap.Logger, maxTailBytes int64) {
	globalJobsHandler = NewJobsHandler(registry, launcher, logger, maxTailBytes)
}

// GetJobsHandler returns the process-wide jobs handler, or nil before
// InitJobsHandler runs.
func GetJobsHandler() *JobsHandler {
	return globalJobsHandler
}

func jobsNotReady(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, r, apperrors.NewUnavailableError("jobs handler not initialized", nil))
}

// SubmitJobHandler serves POST /jobs via the global handler.
func SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	if globalJobsHandler == nil {
		jobsNotReady(w, r)
		return
	}
	globalJobsHandler.Submit(w, r)
}

// ListJobsHandler serves GET /jobs via the global handler.
func ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if globalJobsHandler == nil {
		jobsNotReady(w, r)
		return
	}
	globalJobsHandler.List(w, r)
}

// JobStatusHandler serves GET /jobs/{jobID} via the global handler.
func JobStatusHandler(w http.ResponseWriter, r *http.Request) {
	if globalJobsHandler == nil {
		jobsNotReady(w, r)
		return
	}
	globalJobsHandler.Status(w, r)
}

// JobLogHandler serves GET /jobs/{jobID}/log via the global handler.
func JobLogHandler(w http.ResponseWriter, r *http.Request) {
	if globalJobsHandler == nil {
		jobsNotReady(w, r)
		return
	}
	globalJobsHandler.Log(w, r)
}

// JobResultHandler serves GET /jobs/{jobID}/result via the global handler.
func JobResultHandler(w http.ResponseWriter, r *http.Request) {
	if globalJobsHandler == nil {
		jobsNotReady(w, r)
		return
	}
	globalJobsHandler.Result(w, r)
}
