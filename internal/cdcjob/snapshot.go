package cdcjob

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/cdc-scheduler/internal/split"
	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// SnapshotVersion is the schema version of encoded job records.
const SnapshotVersion = 1

type jobRecord struct {
	Version          int               `msgpack:"v"`
	ID               types.JobID       `msgpack:"id"`
	DBID             int64             `msgpack:"db"`
	Name             string            `msgpack:"name"`
	Owner            string            `msgpack:"owner"`
	Tables           []string          `msgpack:"tables"`
	Config           map[string]string `msgpack:"cfg"`
	CreateTimeMs     int64             `msgpack:"ctime"`
	HistoryRetention int               `msgpack:"hist_cap"`

	Status    types.JobStatus `msgpack:"status"`
	LastError string          `msgpack:"err,omitempty"`

	RemainingTables     []string                        `msgpack:"remaining"`
	PendingSplits       []*split.SnapshotSplit          `msgpack:"pending"`
	AssignedSplits      map[string]*split.SnapshotSplit `msgpack:"assigned"`
	FinishedOffsets     map[string]types.Offset         `msgpack:"finished"`
	BinlogAssigned      bool                            `msgpack:"binlog"`
	PureBinlogPhase     bool                            `msgpack:"pure"`
	CurrentBinlogOffset types.Offset                    `msgpack:"cur,omitempty"`

	History []taskRecord `msgpack:"history,omitempty"`
}

type taskRecord struct {
	ID           int64            `msgpack:"id"`
	Type         types.TaskType   `msgpack:"type"`
	Status       types.TaskStatus `msgpack:"status"`
	WorkerID     types.WorkerID   `msgpack:"wid"`
	WorkerHost   string           `msgpack:"whost"`
	WorkerPort   int              `msgpack:"wport"`
	ResumeOffset types.Offset     `msgpack:"resume"`
	FinishOffset types.Offset     `msgpack:"finish,omitempty"`
	Records      int64            `msgpack:"records"`
	ErrMsg       string           `msgpack:"err,omitempty"`
	TxnID        int64            `msgpack:"txn,omitempty"`
	CreateTimeMs int64            `msgpack:"ctime"`
	StartTimeMs  int64            `msgpack:"stime,omitempty"`
	FinishTimeMs int64            `msgpack:"ftime,omitempty"`
}

// Snapshot encodes the job identity and all mutable state. The outstanding
// task is not part of it; after a restore its split is still pending.
func (j *Job) Snapshot() ([]byte, error) {
	rec := jobRecord{
		Version:             SnapshotVersion,
		ID:                  j.id,
		DBID:                j.dbID,
		Name:                j.name,
		Owner:               j.owner,
		Tables:              j.tables,
		Config:              j.config,
		CreateTimeMs:        j.createTime.UnixMilli(),
		HistoryRetention:    j.historyCap,
		Status:              j.Status(),
		LastError:           j.LastError(),
		RemainingTables:     j.RemainingTables(),
		PendingSplits:       j.PendingSplits(),
		AssignedSplits:      j.AssignedSplits(),
		FinishedOffsets:     j.FinishedOffsets(),
		BinlogAssigned:      j.binlogAssigned.Load(),
		PureBinlogPhase:     j.pureBinlogPhase.Load(),
		CurrentBinlogOffset: j.CurrentBinlogOffset(),
	}
	for _, t := range j.HistoryTasks() {
		rec.History = append(rec.History, t.record())
	}

	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("encode job %d: %w", j.id, err)
	}
	return data, nil
}

// Restore rebuilds a job from Snapshot output. The job is not initialized.
func Restore(data []byte, deps Deps) (*Job, error) {
	var rec jobRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode job snapshot: %w", err)
	}
	if rec.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleSnapshot, rec.Version, SnapshotVersion)
	}
	if !rec.Status.Valid() {
		return nil, fmt.Errorf("decode job %d: unknown status %q", rec.ID, rec.Status)
	}

	j := newJob(Spec{
		ID:               rec.ID,
		DBID:             rec.DBID,
		Name:             rec.Name,
		Owner:            rec.Owner,
		Tables:           rec.Tables,
		Config:           rec.Config,
		HistoryRetention: rec.HistoryRetention,
		CreateTime:       time.UnixMilli(rec.CreateTimeMs),
	}, deps)

	j.status = rec.Status
	j.SetLastError(rec.LastError)
	j.remainingTables = rec.RemainingTables
	for _, s := range rec.PendingSplits {
		// finished but not yet dequeued when the record was taken
		if _, done := rec.FinishedOffsets[s.SplitID]; done {
			continue
		}
		j.pendingSplits = append(j.pendingSplits, s)
	}
	for id, s := range rec.AssignedSplits {
		j.assignedSplits.Store(id, s)
	}
	for id, o := range rec.FinishedOffsets {
		j.finishedOffsets.Store(id, o)
	}
	j.binlogAssigned.Store(rec.BinlogAssigned)
	j.pureBinlogPhase.Store(rec.PureBinlogPhase && rec.BinlogAssigned)
	if len(rec.CurrentBinlogOffset) > 0 {
		cur := rec.CurrentBinlogOffset
		j.currentBinlogOffset.Store(&cur)
	}
	for _, tr := range rec.History {
		j.history = append(j.history, restoreTask(j, tr))
	}
	return j, nil
}

func (t *Task) record() taskRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return taskRecord{
		ID:           t.id,
		Type:         t.taskType,
		Status:       t.status,
		WorkerID:     t.worker.ID,
		WorkerHost:   t.worker.Host,
		WorkerPort:   t.worker.Port,
		ResumeOffset: t.resumeOffset,
		FinishOffset: t.finishOffset,
		Records:      t.records,
		ErrMsg:       t.errMsg,
		TxnID:        t.txnID,
		CreateTimeMs: t.createTime.UnixMilli(),
		StartTimeMs:  unixMilli(t.startTime),
		FinishTimeMs: unixMilli(t.finishTime),
	}
}

func restoreTask(j *Job, tr taskRecord) *Task {
	return &Task{
		id:           tr.ID,
		job:          j,
		taskType:     tr.Type,
		worker:       worker.Handle{ID: tr.WorkerID, Host: tr.WorkerHost, Port: tr.WorkerPort},
		resumeOffset: tr.ResumeOffset,
		createTime:   time.UnixMilli(tr.CreateTimeMs),
		status:       tr.Status,
		finishOffset: tr.FinishOffset,
		records:      tr.Records,
		errMsg:       tr.ErrMsg,
		txnID:        tr.TxnID,
		startTime:    fromMilli(tr.StartTimeMs),
		finishTime:   fromMilli(tr.FinishTimeMs),
	}
}

func unixMilli(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
