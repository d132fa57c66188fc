package cdcjob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/cdc-scheduler/internal/source"
	"github.com/ChuLiYu/cdc-scheduler/internal/txn"
	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

var taskIDs atomic.Int64

func init() {
	// ids stay unique across restarts without persisting a counter
	taskIDs.Store(time.Now().UnixMilli() * 1000)
}

func nextTaskID() int64 {
	return taskIDs.Add(1)
}

// Task is one scheduled execution of a job on one worker.
type Task struct {
	id           int64
	job          *Job
	taskType     types.TaskType
	worker       worker.Handle
	resumeOffset types.Offset
	createTime   time.Time

	mu           sync.Mutex
	status       types.TaskStatus
	finishOffset types.Offset
	records      int64
	errMsg       string
	txnID        int64
	startTime    time.Time
	finishTime   time.Time
}

func newTask(j *Job, taskType types.TaskType, w worker.Handle, resume types.Offset) *Task {
	return &Task{
		id:           nextTaskID(),
		job:          j,
		taskType:     taskType,
		worker:       w,
		resumeOffset: resume.Clone(),
		createTime:   time.Now(),
		status:       types.TaskPending,
	}
}

func (t *Task) ID() int64                  { return t.id }
func (t *Task) TaskID() int64              { return t.id }
func (t *Task) JobID() types.JobID         { return t.job.id }
func (t *Task) Type() types.TaskType       { return t.taskType }
func (t *Task) Worker() worker.Handle      { return t.worker }
func (t *Task) ResumeOffset() types.Offset { return t.resumeOffset.Clone() }

func (t *Task) Status() types.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// FinishOffset is nil until the fetch succeeded.
func (t *Task) FinishOffset() types.Offset {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishOffset.Clone()
}

func (t *Task) ErrMsg() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errMsg
}

// TxnID is 0 when the task runs without a transaction.
func (t *Task) TxnID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txnID
}

// Run drives the whole task lifecycle and is what the worker pool executes.
// With a transaction manager the offset is applied by the commit callback,
// otherwise by OnSuccess.
func (t *Task) Run(ctx context.Context) error {
	mgr := t.job.deps.Txn
	if mgr != nil {
		if err := t.BeginTxn(mgr); err != nil {
			t.fail(err)
			return err
		}
	}

	if err := t.Execute(ctx); err != nil {
		if id := t.TxnID(); mgr != nil && id != 0 {
			if aerr := mgr.Abort(id, err.Error()); aerr != nil {
				log.Warn().Err(aerr).Int64("task_id", t.id).Msg("Failed to abort transaction")
			}
			mgr.Forget(id)
		}
		t.fail(err)
		return err
	}

	if id := t.TxnID(); mgr != nil && id != 0 {
		err := mgr.Commit(ctx, id)
		if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
			// commit never started
			if aerr := mgr.Abort(id, cerr.Error()); aerr != nil {
				log.Warn().Err(aerr).Int64("task_id", t.id).Msg("Failed to abort transaction")
			}
		}
		// 結束的交易在釋放 task slot 之前移除
		mgr.Forget(id)
		if err != nil {
			if errors.Is(err, txn.ErrTransactionRejected) || errors.Is(err, ErrInvariantViolation) || ctx.Err() != nil || t.Status().Terminal() {
				t.fail(err)
				return err
			}
			// committed, only the offset callback failed
			log.Error().Err(err).Int64("task_id", t.id).Msg("Offset not applied after commit")
		}
	}

	t.OnSuccess()
	return nil
}

func (t *Task) fail(err error) {
	t.job.SetLastError(err.Error())
	t.OnFail(err)
}

// BeginTxn opens the task's transaction with the task as listener.
func (t *Task) BeginTxn(mgr *txn.Manager) error {
	label := fmt.Sprintf("cdc_%d_%d", t.job.id, t.id)
	id, err := mgr.Begin(t.job.dbID, label, t)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.txnID = id
	t.mu.Unlock()
	return nil
}

// Execute arms the worker and reads the task's split from the resume offset.
// FinishOffset is set only on success.
func (t *Task) Execute(ctx context.Context) error {
	t.mu.Lock()
	if t.status.Terminal() {
		st := t.status
		t.mu.Unlock()
		return fmt.Errorf("task %d is %s", t.id, st)
	}
	t.status = types.TaskRunning
	t.startTime = time.Now()
	t.mu.Unlock()

	reader := t.job.deps.Reader
	if err := reader.Arm(ctx, t.worker); err != nil {
		return &RemoteExecutionError{JobID: t.job.id, TaskID: t.id, Op: "arm scanner", Err: err}
	}

	res, err := reader.FetchRecords(ctx, t.worker, source.FetchRequest{
		JobID:  t.job.id,
		Offset: t.resumeOffset.Clone(),
		Config: t.job.Config(),
	})
	if err != nil {
		return &RemoteExecutionError{JobID: t.job.id, TaskID: t.id, Op: "fetch records", Err: err}
	}
	if res == nil || len(res.Offset) == 0 {
		return &RemoteExecutionError{JobID: t.job.id, TaskID: t.id, Op: "fetch records", Err: errors.New("empty result offset")}
	}

	t.mu.Lock()
	t.finishOffset = res.Offset.Clone()
	t.records = res.Records
	t.mu.Unlock()

	log.Debug().
		Int64("job_id", int64(t.job.id)).
		Int64("task_id", t.id).
		Int64("records", res.Records).
		Str("split_id", res.Offset.SplitID()).
		Msg("Task fetched records")
	return nil
}

// OnSuccess finishes the task. Without a transaction it applies the finish
// offset first.
func (t *Task) OnSuccess() {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	offset := t.finishOffset.Clone()
	transactional := t.txnID != 0
	t.mu.Unlock()

	if !transactional {
		if err := t.job.ApplyOffset(offset); err != nil {
			log.Error().Err(err).Int64("job_id", int64(t.job.id)).Int64("task_id", t.id).Msg("Failed to apply offset")
			t.job.SetLastError(err.Error())
			if errors.Is(err, ErrInvariantViolation) {
				t.finish(types.TaskFailed, err.Error())
				return
			}
		}
	}
	t.finish(types.TaskFinished, "")
}

// OnFail marks the task FAILED. The offset never moves.
func (t *Task) OnFail(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.finish(types.TaskFailed, msg)
}

// Cancel marks a non-terminal task CANCELED. A later commit of its
// transaction is rejected.
func (t *Task) Cancel(reason string) bool {
	return t.finish(types.TaskCanceled, reason)
}

// finish moves the task to a terminal state once, releases the job's task
// slot and records history.
func (t *Task) finish(status types.TaskStatus, msg string) bool {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.status = status
	t.errMsg = msg
	t.finishTime = time.Now()
	t.mu.Unlock()

	t.job.releaseTask(t)
	if err := t.job.RecordHistory(t); err != nil {
		log.Warn().Err(err).Int64("task_id", t.id).Msg("Failed to persist task history")
	}

	ev := log.Info()
	if status != types.TaskFinished {
		ev = log.Warn().Str("error", msg)
	}
	ev.Int64("job_id", int64(t.job.id)).
		Int64("task_id", t.id).
		Str("status", string(status)).
		Msg("Task finished")
	return true
}

// ============================================================================
// txn.Listener
// ============================================================================

func (t *Task) BeforeCommit(state *txn.State) error {
	t.mu.Lock()
	st := t.status
	t.mu.Unlock()
	if st == types.TaskFailed || st == types.TaskCanceled {
		return fmt.Errorf("task %d is %s", t.id, st)
	}
	return nil
}

func (t *Task) AfterCommit(state *txn.State, committed bool) error {
	if !committed {
		return nil
	}
	t.mu.Lock()
	own := t.txnID
	offset := t.finishOffset.Clone()
	t.mu.Unlock()

	if state.ID != own {
		log.Warn().Int64("task_id", t.id).Int64("txn_id", state.ID).Msg("Commit callback for a foreign transaction ignored")
		return nil
	}
	return t.job.ApplyOffset(offset)
}

func (t *Task) BeforeAbort(*txn.State) error { return nil }

func (t *Task) AfterAbort(state *txn.State, _ bool, reason string) error {
	log.Debug().Int64("task_id", t.id).Int64("txn_id", state.ID).Str("reason", reason).Msg("Task transaction aborted")
	return nil
}

// Replayed transactions carry no task state; the job snapshot already holds
// the applied offsets.
func (t *Task) ReplayOnCommitted(*txn.State) {}
func (t *Task) ReplayOnAborted(*txn.State)   {}
