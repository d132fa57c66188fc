package cdcjob

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/cdc-scheduler/internal/source"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// UpdateStatus moves the job to next and runs the transition side effects.
// STOPPED is final.
func (j *Job) UpdateStatus(ctx context.Context, next types.JobStatus) error {
	if !next.Valid() {
		return fmt.Errorf("unknown job status %q", next)
	}

	j.statusMu.Lock()
	old := j.status
	if old == next {
		j.statusMu.Unlock()
		return nil
	}
	if old == types.JobStopped {
		j.statusMu.Unlock()
		return fmt.Errorf("%w: job %d cannot move to %s", ErrJobStopped, j.id, next)
	}
	j.status = next
	j.statusMu.Unlock()

	log.Info().
		Int64("job_id", int64(j.id)).
		Str("from", string(old)).
		Str("to", string(next)).
		Msg("Job status changed")

	j.OnStatusChanged(ctx, old, next)
	if j.deps.Observer != nil {
		j.deps.Observer.StatusChanged(j.id, old, next)
	}
	return j.checkpoint("status changed")
}

// OnStatusChanged runs the side effects of a transition. Failures are
// recorded in lastError and never returned.
func (j *Job) OnStatusChanged(ctx context.Context, old, next types.JobStatus) {
	switch {
	case next == types.JobStopped:
		j.stopDiscovery(false)
		j.closeRemote(ctx)

	case old == types.JobRunning && next == types.JobPaused:
		j.stopDiscovery(false)

	case old == types.JobPaused && next == types.JobRunning:
		if !j.hasRemainingTables() {
			return
		}
		if err := j.rearm(ctx); err != nil {
			// discovery is not running, so the job cannot stay RUNNING
			j.SetLastError(err.Error())
			j.statusMu.Lock()
			if j.status == types.JobRunning {
				j.status = types.JobPaused
			}
			j.statusMu.Unlock()
			log.Error().Err(err).Int64("job_id", int64(j.id)).Msg("Failed to resume split discovery, job stays paused")
		}
	}
}

func (j *Job) rearm(ctx context.Context) error {
	w, err := j.deps.Workers.Select(j.id)
	if err != nil {
		return err
	}
	if err := j.deps.Reader.Arm(ctx, w); err != nil {
		return &RemoteExecutionError{JobID: j.id, Op: "arm scanner", Err: err}
	}
	j.startDiscovery(w)
	return nil
}

// closeRemote asks the worker to drop the job's scanner resources. A scanner
// that holds nothing for the job counts as closed.
func (j *Job) closeRemote(ctx context.Context) {
	w, err := j.deps.Workers.Select(j.id)
	if err != nil {
		log.Warn().Err(err).Int64("job_id", int64(j.id)).Msg("No worker to close scanner on")
		return
	}
	err = j.deps.Reader.Close(ctx, w, j.id)
	switch {
	case err == nil:
		log.Info().Int64("job_id", int64(j.id)).Str("worker", w.String()).Msg("Scanner closed")
	case errors.Is(err, source.ErrScannerClosed):
		log.Debug().Int64("job_id", int64(j.id)).Msg("Scanner already closed")
	default:
		log.Warn().Err(err).Int64("job_id", int64(j.id)).Str("worker", w.String()).Msg("Failed to close scanner")
	}
}
