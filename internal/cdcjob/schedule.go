package cdcjob

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/cdc-scheduler/internal/split"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// IsReady reports whether the scheduler may create a task now. It never blocks
// on I/O.
func (j *Job) IsReady() bool {
	if j.Status() != types.JobRunning {
		return false
	}
	if j.running.Load() != nil {
		return false
	}
	if j.pendingLen() > 0 || j.binlogAssigned.Load() {
		return true
	}
	assigned := j.assignedSplits.Size()
	return assigned > 0 && assigned == j.finishedOffsets.Size()
}

// CreateTasks builds the next task of the job, or nothing when the job is
// waiting for discovery. The pending head stays queued until ApplyOffset
// consumes it, so a failed task is retried on the same split.
func (j *Job) CreateTasks(ctx context.Context, taskType types.TaskType) ([]*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if j.running.Load() != nil {
		return nil, ErrTaskOutstanding
	}

	w, err := j.deps.Workers.Select(j.id)
	if err != nil {
		return nil, err
	}

	resume, err := j.nextResumeOffset()
	if err != nil {
		return nil, err
	}
	if resume == nil {
		return nil, nil
	}
	if len(resume) == 0 {
		return nil, fmt.Errorf("%w: job %d produced an empty resume offset", ErrInvariantViolation, j.id)
	}

	t := newTask(j, taskType, w, resume)
	if !j.running.CompareAndSwap(nil, t) {
		return nil, ErrTaskOutstanding
	}

	log.Info().
		Int64("job_id", int64(j.id)).
		Int64("task_id", t.id).
		Str("split_id", resume.SplitID()).
		Str("worker", w.String()).
		Msg("Task created")
	return []*Task{t}, nil
}

// nextResumeOffset picks the work of the next task. A nil offset with a nil
// error means there is nothing to do yet.
func (j *Job) nextResumeOffset() (types.Offset, error) {
	if j.binlogAssigned.Load() {
		return j.binlogResumeOffset(!j.pureBinlogPhase.Load())
	}

	// discovery queues a table's splits before removing the table, so the
	// tables must be read before the queue
	tablesLeft := j.hasRemainingTables()

	if head := j.peekPending(); head != nil {
		j.assignedSplits.Store(head.SplitID, head)
		return head.ToOffset(), nil
	}

	if tablesLeft {
		log.Debug().Int64("job_id", int64(j.id)).Msg("Waiting for split discovery")
		return nil, nil
	}

	assigned, finished := j.assignedSplits.Size(), j.finishedOffsets.Size()
	if assigned != finished {
		return nil, fmt.Errorf("%w: job %d has %d assigned and %d finished splits",
			ErrMissingSplit, j.id, assigned, finished)
	}

	// 所有快照 split 都完成，切換到 binlog
	resume, err := j.binlogResumeOffset(true)
	if err != nil {
		return nil, err
	}
	if n := j.pendingLen(); n > 0 {
		log.Warn().Int64("job_id", int64(j.id)).Int("pending", n).Msg("Splits queued during cutover, deferring binlog")
		return nil, nil
	}
	j.binlogAssigned.Store(true)
	j.checkpoint("binlog cutover")
	if j.deps.Observer != nil {
		j.deps.Observer.BinlogCutover(j.id)
	}
	log.Info().Int64("job_id", int64(j.id)).Int("splits", finished).Msg("Snapshot phase complete, switching to binlog")
	return resume, nil
}

func (j *Job) binlogResumeOffset(withBookkeeping bool) (types.Offset, error) {
	o := types.Offset{types.KeySplitID: types.BinlogSplitID}

	if withBookkeeping && j.assignedSplits.Size() > 0 {
		finished, err := split.EncodeFinished(j.FinishedOffsets())
		if err != nil {
			return nil, err
		}
		assigned, err := split.EncodeAssigned(j.AssignedSplits())
		if err != nil {
			return nil, err
		}
		o[types.KeyFinishSplits] = finished
		o[types.KeyAssignedSplits] = assigned
	}

	for k, v := range j.CurrentBinlogOffset() {
		o[k] = v
	}
	// the marker wins over whatever the stored offset carried
	o[types.KeySplitID] = types.BinlogSplitID
	return o, nil
}
