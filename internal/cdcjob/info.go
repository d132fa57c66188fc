package cdcjob

import (
	"encoding/json"
	"time"

	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// Progress strings shown while no binlog offset exists yet.
const (
	ProgressWaitingSplit    = "Waiting split"
	ProgressSnapshotReading = "Snapshot reading"
)

const timeLayout = "2006-01-02 15:04:05"

// Info is the introspection row of a job.
type Info struct {
	ID         types.JobID `json:"id"`
	Name       string      `json:"name"`
	Definer    string      `json:"definer"`
	Config     string      `json:"config"`
	Status     string      `json:"status"`
	ErrorMsg   string      `json:"errorMsg"`
	CreateTime string      `json:"createTime"`
	Progress   string      `json:"progress"`
}

// TaskInfo is the introspection row of a task.
type TaskInfo struct {
	TaskID      int64       `json:"taskId"`
	JobID       types.JobID `json:"jobId"`
	JobName     string      `json:"jobName"`
	Type        string      `json:"type"`
	Status      string      `json:"status"`
	ErrorMsg    string      `json:"errorMsg"`
	CreateTime  string      `json:"createTime"`
	StartTime   string      `json:"startTime"`
	FinishTime  string      `json:"finishTime"`
	Backend     string      `json:"backend"`
	StartOffset string      `json:"startOffset"`
	EndOffset   string      `json:"endOffset"`
	TxnID       int64       `json:"txnId,omitempty"`
}

// Info returns the introspection row of the job.
func (j *Job) Info() Info {
	return Info{
		ID:         j.id,
		Name:       j.name,
		Definer:    j.owner,
		Config:     jsonString(j.config),
		Status:     string(j.Status()),
		ErrorMsg:   j.LastError(),
		CreateTime: formatTime(j.createTime),
		Progress:   j.Progress(),
	}
}

// Progress is the serialized binlog offset once known, otherwise a coarse
// snapshot phase description.
func (j *Job) Progress() string {
	if cur := j.CurrentBinlogOffset(); cur != nil {
		return jsonString(cur)
	}
	pending := j.pendingLen()
	if pending == 0 && !j.binlogAssigned.Load() && j.hasRemainingTables() {
		return ProgressWaitingSplit
	}
	if pending > 0 {
		return ProgressSnapshotReading
	}
	return ""
}

// Info returns the introspection row of the task.
func (t *Task) Info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	ti := TaskInfo{
		TaskID:      t.id,
		JobID:       t.job.id,
		JobName:     t.job.name,
		Type:        string(t.taskType),
		Status:      string(t.status),
		ErrorMsg:    t.errMsg,
		CreateTime:  formatTime(t.createTime),
		StartTime:   formatTime(t.startTime),
		FinishTime:  formatTime(t.finishTime),
		Backend:     t.worker.String(),
		StartOffset: jsonString(t.resumeOffset),
		TxnID:       t.txnID,
	}
	if t.finishOffset != nil {
		ti.EndOffset = jsonString(t.finishOffset)
	}
	return ti
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.Format(timeLayout)
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
