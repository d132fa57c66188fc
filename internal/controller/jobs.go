package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/cdc-scheduler/internal/cdcjob"
	"github.com/ChuLiYu/cdc-scheduler/internal/jobmanager"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// ============================================================================
// Job 管理操作（admin API 與 CLI 使用）
// ============================================================================

var (
	// ErrInvalidJob rejects a job definition before any id is allocated.
	ErrInvalidJob = errors.New("invalid job definition")

	ErrJobNotFound  = jobmanager.ErrJobNotFound
	ErrDuplicateJob = jobmanager.ErrDuplicateJob
)

// JobSpec is a job creation request.
type JobSpec struct {
	Name   string            `json:"name"`
	DBID   int64             `json:"db_id,omitempty"`
	Owner  string            `json:"owner,omitempty"`
	Tables []string          `json:"tables"`
	Config map[string]string `json:"config,omitempty"`
}

func (c *Controller) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	return nil
}

// CreateJob registers a new job, persists it and starts split discovery. A
// job whose scanner cannot be armed is kept but PAUSED with the error.
func (c *Controller) CreateJob(ctx context.Context, spec JobSpec) (*cdcjob.Job, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if _, err := c.jm.GetByName(spec.Name); err == nil {
		return nil, fmt.Errorf("%w: name %q", ErrDuplicateJob, spec.Name)
	}
	dbID := spec.DBID
	if dbID == 0 {
		dbID = c.config.DBID
	}

	j, err := cdcjob.New(cdcjob.Spec{
		ID:               c.jm.NextID(),
		DBID:             dbID,
		Name:             spec.Name,
		Owner:            spec.Owner,
		Tables:           spec.Tables,
		Config:           spec.Config,
		HistoryRetention: c.config.HistoryRetention,
		CreateTime:       time.Now(),
	}, c.deps())
	if err != nil {
		return nil, err
	}
	if err := c.jm.Register(j); err != nil {
		return nil, err
	}

	// 先持久化再啟動 discovery，discovery 的每次 checkpoint 都在這筆之後
	data, err := j.Snapshot()
	if err == nil {
		err = c.log.AppendJobSnapshot(j.ID(), data)
	}
	if err != nil {
		c.jm.Forget(j.ID())
		return nil, fmt.Errorf("failed to persist job %d: %w", j.ID(), err)
	}

	log.Info().
		Int64("job_id", int64(j.ID())).
		Str("name", j.Name()).
		Strs("tables", spec.Tables).
		Msg("Job created")

	c.initJob(ctx, j)
	return j, nil
}

// PauseJob stops task creation and discovery of a job.
func (c *Controller) PauseJob(ctx context.Context, id types.JobID) error {
	j, err := c.jm.Get(id)
	if err != nil {
		return err
	}
	return j.UpdateStatus(ctx, types.JobPaused)
}

// ResumeJob moves a PAUSED job back to RUNNING. It fails with the job's last
// error when discovery could not be restarted.
func (c *Controller) ResumeJob(ctx context.Context, id types.JobID) error {
	j, err := c.jm.Get(id)
	if err != nil {
		return err
	}
	if err := j.UpdateStatus(ctx, types.JobRunning); err != nil {
		return err
	}
	if j.Status() != types.JobRunning {
		return fmt.Errorf("job %d could not resume: %s", id, j.LastError())
	}
	return nil
}

// StopJob moves a job to STOPPED and releases its scanner. The job stays
// listed until dropped.
func (c *Controller) StopJob(ctx context.Context, id types.JobID) error {
	j, err := c.jm.Get(id)
	if err != nil {
		return err
	}
	if t := j.RunningTask(); t != nil {
		t.Cancel("job stopped")
	}
	return j.UpdateStatus(ctx, types.JobStopped)
}

// DropJob removes a job from the registry and the log. Its outstanding task,
// if any, is canceled so a late commit is rejected.
func (c *Controller) DropJob(ctx context.Context, id types.JobID) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	j, err := c.jm.Get(id)
	if err != nil {
		return err
	}
	if t := j.RunningTask(); t != nil {
		t.Cancel("job dropped")
	}
	if _, err := c.jm.Unregister(ctx, id); err != nil {
		return err
	}
	if err := c.log.AppendJobDrop(id); err != nil {
		return fmt.Errorf("failed to persist drop of job %d: %w", id, err)
	}
	log.Info().Int64("job_id", int64(id)).Str("name", j.Name()).Msg("Job dropped")
	return nil
}

// ListJobs returns the introspection rows of all jobs, ordered by id.
func (c *Controller) ListJobs() []cdcjob.Info {
	jobs := c.jm.List()
	out := make([]cdcjob.Info, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Info())
	}
	return out
}

// GetJob returns the job with id.
func (c *Controller) GetJob(id types.JobID) (*cdcjob.Job, error) {
	return c.jm.Get(id)
}

// GetJobByName returns the job called name.
func (c *Controller) GetJobByName(name string) (*cdcjob.Job, error) {
	return c.jm.GetByName(name)
}

// JobTasks returns the outstanding and retained tasks of a job, newest first.
func (c *Controller) JobTasks(id types.JobID) ([]cdcjob.TaskInfo, error) {
	j, err := c.jm.Get(id)
	if err != nil {
		return nil, err
	}
	tasks := j.Tasks()
	out := make([]cdcjob.TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Info())
	}
	return out, nil
}

// Bootstrap creates the jobs that do not exist yet. Existing names are left
// untouched so a restart never duplicates them.
func (c *Controller) Bootstrap(ctx context.Context, specs []JobSpec) error {
	for _, spec := range specs {
		if _, err := c.jm.GetByName(spec.Name); err == nil {
			continue
		}
		if _, err := c.CreateJob(ctx, spec); err != nil {
			return fmt.Errorf("bootstrap job %q: %w", spec.Name, err)
		}
	}
	return nil
}
