// Package cdcjob implements the state machine of one change-data-capture job:
// split discovery, task creation, offset application and the snapshot to
// binlog cutover.
//
// Three actors touch a Job concurrently: the discovery goroutine, the
// scheduler (IsReady/CreateTasks and task results) and transaction callbacks.
// Collections have their own locks or are concurrent maps, scalar flags are
// atomics, and no lock is held across a reader call.
package cdcjob

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/cdc-scheduler/internal/source"
	"github.com/ChuLiYu/cdc-scheduler/internal/split"
	"github.com/ChuLiYu/cdc-scheduler/internal/txn"
	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// Persister receives a serialized job snapshot after every state change that
// must survive a restart.
type Persister interface {
	AppendJobSnapshot(jobID types.JobID, data []byte) error
}

// WorkerSelector picks the scanner worker serving a job.
type WorkerSelector interface {
	Select(jobID types.JobID) (worker.Handle, error)
}

// Observer is notified of job events. Every method must be cheap and
// non-blocking.
type Observer interface {
	SplitsDiscovered(jobID types.JobID, n int)
	DiscoveryFailed(jobID types.JobID)
	BinlogCutover(jobID types.JobID)
	StatusChanged(jobID types.JobID, from, to types.JobStatus)
}

// Deps are the collaborators of a job.
type Deps struct {
	Reader    source.Reader
	Workers   WorkerSelector
	Persister Persister    // optional
	Txn       *txn.Manager // optional; when set, offsets advance only on commit
	Observer  Observer     // optional
}

// Spec describes a job at creation time.
type Spec struct {
	ID               types.JobID
	DBID             int64
	Name             string
	Owner            string
	Tables           []string
	Config           map[string]string
	HistoryRetention int
	CreateTime       time.Time
}

// Job is the aggregate root of one CDC pipeline.
type Job struct {
	id         types.JobID
	dbID       int64
	name       string
	owner      string
	config     map[string]string // read-only after construction
	tables     []string
	createTime time.Time
	historyCap int
	deps       Deps

	tablesMu        sync.Mutex
	remainingTables []string

	splitsMu      sync.Mutex
	pendingSplits []*split.SnapshotSplit

	assignedSplits  *xsync.MapOf[string, *split.SnapshotSplit]
	finishedOffsets *xsync.MapOf[string, types.Offset]

	binlogAssigned      atomic.Bool
	pureBinlogPhase     atomic.Bool
	currentBinlogOffset atomic.Pointer[types.Offset]
	lastError           atomic.Pointer[string]

	statusMu sync.Mutex
	status   types.JobStatus

	running atomic.Pointer[Task] // outstanding task, nil when none

	histMu  sync.Mutex
	history []*Task

	discMu     sync.Mutex
	discCancel context.CancelFunc
	discDone   chan struct{}

	persistMu    sync.Mutex
	unregistered bool // guarded by persistMu
}

// New validates spec and returns a RUNNING job. Discovery does not start
// until Initialize.
func New(spec Spec, deps Deps) (*Job, error) {
	if err := source.ValidateConfig(spec.Tables, spec.Config); err != nil {
		return nil, err
	}
	j := newJob(spec, deps)
	j.status = types.JobRunning
	j.remainingTables = append([]string(nil), spec.Tables...)
	return j, nil
}

func newJob(spec Spec, deps Deps) *Job {
	cfg := make(map[string]string, len(spec.Config))
	for k, v := range spec.Config {
		cfg[k] = v
	}
	created := spec.CreateTime
	if created.IsZero() {
		created = time.Now()
	}
	return &Job{
		id:              spec.ID,
		dbID:            spec.DBID,
		name:            spec.Name,
		owner:           spec.Owner,
		config:          cfg,
		tables:          append([]string(nil), spec.Tables...),
		createTime:      created,
		historyCap:      spec.HistoryRetention,
		deps:            deps,
		assignedSplits:  xsync.NewMapOf[string, *split.SnapshotSplit](),
		finishedOffsets: xsync.NewMapOf[string, types.Offset](),
	}
}

func (j *Job) ID() types.JobID       { return j.id }
func (j *Job) DBID() int64           { return j.dbID }
func (j *Job) Name() string          { return j.name }
func (j *Job) Owner() string         { return j.owner }
func (j *Job) CreateTime() time.Time { return j.createTime }

// Config returns a copy of the job configuration.
func (j *Job) Config() map[string]string {
	out := make(map[string]string, len(j.config))
	for k, v := range j.config {
		out[k] = v
	}
	return out
}

// Status returns the current job status.
func (j *Job) Status() types.JobStatus {
	j.statusMu.Lock()
	defer j.statusMu.Unlock()
	return j.status
}

// LastError returns the latest recorded error message, "" when none.
func (j *Job) LastError() string {
	if p := j.lastError.Load(); p != nil {
		return *p
	}
	return ""
}

// SetLastError records msg as the job's latest error. An empty msg clears it.
func (j *Job) SetLastError(msg string) {
	if msg == "" {
		j.lastError.Store(nil)
		return
	}
	j.lastError.Store(&msg)
}

// Initialize arms the scanner and starts discovery when tables remain.
func (j *Job) Initialize(ctx context.Context) error {
	if j.Status() != types.JobRunning || len(j.RemainingTables()) == 0 {
		return nil
	}
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

// Unregister stops discovery, waits for it to exit and releases the remote
// scanner resources of the job. No checkpoint is written afterwards.
func (j *Job) Unregister(ctx context.Context) {
	// 之後不再寫入 checkpoint，避免已刪除的 job 在重啟後復活
	j.persistMu.Lock()
	j.unregistered = true
	j.persistMu.Unlock()

	j.stopDiscovery(true)

	j.statusMu.Lock()
	old := j.status
	j.status = types.JobStopped
	j.statusMu.Unlock()

	j.closeRemote(ctx)
	if j.deps.Observer != nil && old != types.JobStopped {
		j.deps.Observer.StatusChanged(j.id, old, types.JobStopped)
	}
	log.Info().Int64("job_id", int64(j.id)).Msg("Job unregistered")
}

// ============================================================================
// 狀態查詢（供 introspection 與測試使用）
// ============================================================================

// RemainingTables returns a copy of the tables not yet split.
func (j *Job) RemainingTables() []string {
	j.tablesMu.Lock()
	defer j.tablesMu.Unlock()
	return append([]string(nil), j.remainingTables...)
}

// PendingSplits returns a copy of the pending queue in FIFO order.
func (j *Job) PendingSplits() []*split.SnapshotSplit {
	j.splitsMu.Lock()
	defer j.splitsMu.Unlock()
	return append([]*split.SnapshotSplit(nil), j.pendingSplits...)
}

// AssignedSplits returns a copy of the assigned split table.
func (j *Job) AssignedSplits() map[string]*split.SnapshotSplit {
	out := make(map[string]*split.SnapshotSplit, j.assignedSplits.Size())
	j.assignedSplits.Range(func(k string, v *split.SnapshotSplit) bool {
		out[k] = v
		return true
	})
	return out
}

// FinishedOffsets returns a copy of the finished offsets.
func (j *Job) FinishedOffsets() map[string]types.Offset {
	out := make(map[string]types.Offset, j.finishedOffsets.Size())
	j.finishedOffsets.Range(func(k string, v types.Offset) bool {
		out[k] = v.Clone()
		return true
	})
	return out
}

// BinlogAssigned reports whether the binlog split has been handed out.
func (j *Job) BinlogAssigned() bool { return j.binlogAssigned.Load() }

// PureBinlogPhase reports whether snapshot bookkeeping is no longer needed.
func (j *Job) PureBinlogPhase() bool { return j.pureBinlogPhase.Load() }

// CurrentBinlogOffset returns a copy of the binlog offset, nil when absent.
func (j *Job) CurrentBinlogOffset() types.Offset {
	if p := j.currentBinlogOffset.Load(); p != nil {
		return p.Clone()
	}
	return nil
}

// RunningTask returns the outstanding task, nil when none.
func (j *Job) RunningTask() *Task {
	return j.running.Load()
}

// Stats is a point-in-time summary used by metrics.
type Stats struct {
	RemainingTables int  `json:"remainingTables"`
	PendingSplits   int  `json:"pendingSplits"`
	AssignedSplits  int  `json:"assignedSplits"`
	FinishedSplits  int  `json:"finishedSplits"`
	BinlogAssigned  bool `json:"binlogAssigned"`
	PureBinlogPhase bool `json:"pureBinlogPhase"`
	TaskRunning     bool `json:"taskRunning"`
}

// Stats returns the current counters.
func (j *Job) Stats() Stats {
	j.tablesMu.Lock()
	remaining := len(j.remainingTables)
	j.tablesMu.Unlock()

	j.splitsMu.Lock()
	pending := len(j.pendingSplits)
	j.splitsMu.Unlock()

	return Stats{
		RemainingTables: remaining,
		PendingSplits:   pending,
		AssignedSplits:  j.assignedSplits.Size(),
		FinishedSplits:  j.finishedOffsets.Size(),
		BinlogAssigned:  j.binlogAssigned.Load(),
		PureBinlogPhase: j.pureBinlogPhase.Load(),
		TaskRunning:     j.running.Load() != nil,
	}
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (j *Job) peekPending() *split.SnapshotSplit {
	j.splitsMu.Lock()
	defer j.splitsMu.Unlock()
	if len(j.pendingSplits) == 0 {
		return nil
	}
	return j.pendingSplits[0]
}

// appendPending queues s unless a split with the same id is already pending
// or assigned. It reports whether s was queued.
func (j *Job) appendPending(s *split.SnapshotSplit) bool {
	if _, ok := j.assignedSplits.Load(s.SplitID); ok {
		return false
	}
	j.splitsMu.Lock()
	defer j.splitsMu.Unlock()
	for _, p := range j.pendingSplits {
		if p.SplitID == s.SplitID {
			return false
		}
	}
	j.pendingSplits = append(j.pendingSplits, s)
	return true
}

// popPendingIf removes the head split when its id is id.
func (j *Job) popPendingIf(id string) bool {
	j.splitsMu.Lock()
	defer j.splitsMu.Unlock()
	if len(j.pendingSplits) == 0 || j.pendingSplits[0].SplitID != id {
		return false
	}
	j.pendingSplits[0] = nil
	j.pendingSplits = j.pendingSplits[1:]
	return true
}

func (j *Job) pendingLen() int {
	j.splitsMu.Lock()
	defer j.splitsMu.Unlock()
	return len(j.pendingSplits)
}

func (j *Job) removeRemainingTable(table string) {
	j.tablesMu.Lock()
	defer j.tablesMu.Unlock()
	for i, t := range j.remainingTables {
		if t == table {
			j.remainingTables = append(j.remainingTables[:i:i], j.remainingTables[i+1:]...)
			return
		}
	}
}

func (j *Job) clearRemainingTables() {
	j.tablesMu.Lock()
	j.remainingTables = nil
	j.tablesMu.Unlock()
}

func (j *Job) hasRemainingTables() bool {
	j.tablesMu.Lock()
	defer j.tablesMu.Unlock()
	return len(j.remainingTables) > 0
}

func (j *Job) releaseTask(t *Task) {
	j.running.CompareAndSwap(t, nil)
}

// checkpoint appends the current snapshot to the persistence log.
// Records are encoded and appended under one lock so they land in order.
func (j *Job) checkpoint(reason string) error {
	if j.deps.Persister == nil {
		return nil
	}
	j.persistMu.Lock()
	defer j.persistMu.Unlock()
	if j.unregistered {
		log.Debug().Int64("job_id", int64(j.id)).Str("reason", reason).Msg("Checkpoint skipped for unregistered job")
		return nil
	}

	data, err := j.Snapshot()
	if err != nil {
		log.Error().Err(err).Int64("job_id", int64(j.id)).Str("reason", reason).Msg("Failed to encode job snapshot")
		return err
	}
	if err := j.deps.Persister.AppendJobSnapshot(j.id, data); err != nil {
		log.Error().Err(err).Int64("job_id", int64(j.id)).Str("reason", reason).Msg("Failed to persist job snapshot")
		return err
	}
	return nil
}
