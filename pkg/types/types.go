// Package types 定義了 cdc-scheduler 系統中共用的核心領域模型
package types

import (
	"strconv"
)

// JobID CDC 任務唯一識別碼
type JobID int64

// String 以十進位輸出 JobID
func (id JobID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// JobStatus CDC 任務狀態
type JobStatus string

const (
	JobRunning JobStatus = "RUNNING" // 執行中：可被排程
	JobPaused  JobStatus = "PAUSED"  // 暫停：不建立新的 task
	JobStopped JobStatus = "STOPPED" // 停止：遠端資源已釋放
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobRunning, JobPaused, JobStopped:
		return true
	}
	return false
}

// TaskStatus 單次排程執行單元的狀態
type TaskStatus string

const (
	TaskPending  TaskStatus = "PENDING"
	TaskRunning  TaskStatus = "RUNNING"
	TaskFinished TaskStatus = "FINISHED"
	TaskFailed   TaskStatus = "FAILED"
	TaskCanceled TaskStatus = "CANCELED"
)

// Terminal reports whether the task can no longer change state.
func (s TaskStatus) Terminal() bool {
	return s == TaskFinished || s == TaskFailed || s == TaskCanceled
}

// TaskType 說明 task 是由排程器還是手動觸發
type TaskType string

const (
	TaskScheduled TaskType = "SCHEDULED"
	TaskManual    TaskType = "MANUAL"
)

// Offset is the opaque position map exchanged with source readers.
type Offset map[string]string

// Clone returns a shallow copy; nil stays nil.
func (o Offset) Clone() Offset {
	if o == nil {
		return nil
	}
	out := make(Offset, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// SplitID returns the split id marker carried by the offset.
func (o Offset) SplitID() string {
	return o[KeySplitID]
}

// ============================================================================
// 保留鍵與常數
// ============================================================================

// BinlogSplitID is the reserved id of the single unbounded split of a job.
const BinlogSplitID = "binlog-split"

// Offset keys understood by the scheduler and the source readers.
const (
	KeySplitID         = "splitId"
	KeyFinishSplits    = "finishSplits"
	KeyAssignedSplits  = "assignedSplits"
	KeySnapshotTable   = "snapshotTable"
	KeyPureBinlogPhase = "pureBinlogPhase"
)

// Job configuration keys.
const (
	ConfigHost                 = "host"
	ConfigPort                 = "port"
	ConfigUsername             = "username"
	ConfigPassword             = "password"
	ConfigDatabaseName         = "database_name"
	ConfigDSN                  = "dsn" // go-sql-driver DSN, replaces the four keys above
	ConfigScanStartupMode      = "scan.startup.mode"
	ConfigScanSpecificOffset   = "scan.startup.specific-offset"
	ConfigScanStartupTimestamp = "scan.startup.timestamp-millis"
	ConfigMaxBatchRows         = "max_batch_rows"
	ConfigMaxBatchSize         = "max_batch_size"
)

// Scan startup modes.
const (
	ScanInitial        = "initial"
	ScanEarliest       = "earliest"
	ScanLatest         = "latest"
	ScanSpecificOffset = "specific-offset"
	ScanTimestamp      = "timestamp"
)

// DefaultScanMode is used when the job config does not name one.
const DefaultScanMode = ScanInitial

// WorkerID 遠端 worker 節點識別碼
type WorkerID int64

// SnapshotData 快照檔內容：所有 job 的序列化狀態
type SnapshotData struct {
	SchemaVer int `msgpack:"schema_version"`
	// 快照涵蓋到的最後一筆 log 序號
	LastSeq uint64 `msgpack:"last_seq"`
	// 下一個可分配的 job id
	NextJobID JobID            `msgpack:"next_job"`
	Jobs      map[JobID][]byte `msgpack:"jobs"`
}
