package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/cdc-scheduler/internal/cdcjob"
	"github.com/ChuLiYu/cdc-scheduler/internal/controller"
	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// Scheduler is the part of the controller the admin API drives.
type Scheduler interface {
	CreateJob(ctx context.Context, spec controller.JobSpec) (*cdcjob.Job, error)
	PauseJob(ctx context.Context, id types.JobID) error
	ResumeJob(ctx context.Context, id types.JobID) error
	StopJob(ctx context.Context, id types.JobID) error
	DropJob(ctx context.Context, id types.JobID) error
	ListJobs() []cdcjob.Info
	GetJob(id types.JobID) (*cdcjob.Job, error)
	JobTasks(id types.JobID) ([]cdcjob.TaskInfo, error)
	GetStatus() controller.Status
	Workers() []worker.Handle
	Snapshot() error
}

// Handlers serves the admin routes.
type Handlers struct {
	sched Scheduler
}

// JobDetail is the response of GET /jobs/{jobID}.
type JobDetail struct {
	cdcjob.Info
	Stats cdcjob.Stats `json:"stats"`
}

// envelope is the body of every successful response.
type envelope struct {
	Data any `json:"data"`
}

func writeJSONResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeError maps the scheduler error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, controller.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, controller.ErrDuplicateJob), errors.Is(err, cdcjob.ErrJobStopped):
		status = http.StatusConflict
	case errors.Is(err, controller.ErrInvalidJob), cdcjob.IsConfigError(err):
		status = http.StatusBadRequest
	case errors.Is(err, controller.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	writeErrorResponse(w, status, err.Error())
}

func (h *Handlers) withJobID(fn func(http.ResponseWriter, *http.Request, types.JobID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
		if err != nil || id <= 0 {
			writeErrorResponse(w, http.StatusBadRequest, "invalid job ID")
			return
		}
		fn(w, r, types.JobID(id))
	}
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.sched.GetStatus())
}

func (h *Handlers) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.sched.Workers())
}

func (h *Handlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Snapshot(); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, "ok")
}

func (h *Handlers) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.sched.ListJobs())
}

func (h *Handlers) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var spec controller.JobSpec
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid job definition: "+err.Error())
		return
	}

	j, err := h.sched.CreateJob(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, j.Info())
}

func (h *Handlers) handleGetJob(w http.ResponseWriter, r *http.Request, id types.JobID) {
	j, err := h.sched.GetJob(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, JobDetail{Info: j.Info(), Stats: j.Stats()})
}

func (h *Handlers) handleJobTasks(w http.ResponseWriter, r *http.Request, id types.JobID) {
	tasks, err := h.sched.JobTasks(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, tasks)
}

func (h *Handlers) handleDropJob(w http.ResponseWriter, r *http.Request, id types.JobID) {
	if err := h.sched.DropJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handlePause(w http.ResponseWriter, r *http.Request, id types.JobID) {
	h.transition(w, r, id, h.sched.PauseJob)
}

func (h *Handlers) handleResume(w http.ResponseWriter, r *http.Request, id types.JobID) {
	h.transition(w, r, id, h.sched.ResumeJob)
}

func (h *Handlers) handleStop(w http.ResponseWriter, r *http.Request, id types.JobID) {
	h.transition(w, r, id, h.sched.StopJob)
}

// transition runs op and answers with the job's row afterwards.
func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, id types.JobID, op func(context.Context, types.JobID) error) {
	if err := op(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	j, err := h.sched.GetJob(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, j.Info())
}
