// ============================================================================
// cdc-scheduler Job 註冊表
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 保存所有 CDC job，提供註冊、查詢、移除與快照/恢復
//
// 資料結構:
//   jobs  map[JobID]*cdcjob.Job - 唯一的真實來源
//   names map[string]JobID      - 名稱索引，job 名稱不可重複
//   nextID                      - 單調遞增的 id 分配器
//
// 並發安全:
//   - sync.RWMutex 保護 map 本身
//   - job 內部狀態由 cdcjob 自行同步，持鎖期間不呼叫任何 job 的阻塞方法
//
// 快照支持:
//   - Snapshot() 逐個序列化 job
//   - Restore() / ApplyRecord() 用於啟動時從快照與 log 重建
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/cdc-scheduler/internal/cdcjob"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 或名稱重複
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 快照版本不相容
	ErrIncompatibleVersion = errors.New("incompatible registry snapshot version")
)

// SchemaVersion of registry snapshots.
const SchemaVersion = 1

// JobManager 所有 CDC job 的註冊表
type JobManager struct {
	mu     sync.RWMutex
	jobs   map[types.JobID]*cdcjob.Job
	names  map[string]types.JobID
	nextID types.JobID
}

// NewJobManager 建立空的註冊表
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:   make(map[types.JobID]*cdcjob.Job),
		names:  make(map[string]types.JobID),
		nextID: 1,
	}
}

// NextID 分配一個新的 job id
func (jm *JobManager) NextID() types.JobID {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	id := jm.nextID
	jm.nextID++
	return id
}

// AdvanceNextID 確保之後分配的 id 不小於 next（恢復時使用）
func (jm *JobManager) AdvanceNextID(next types.JobID) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if next > jm.nextID {
		jm.nextID = next
	}
}

// Register 加入新 job
//
// 錯誤處理：
//   - ErrDuplicateJob: id 或名稱已存在
func (jm *JobManager) Register(j *cdcjob.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[j.ID()]; exists {
		return fmt.Errorf("%w: id %d", ErrDuplicateJob, j.ID())
	}
	if _, exists := jm.names[j.Name()]; exists {
		return fmt.Errorf("%w: name %q", ErrDuplicateJob, j.Name())
	}
	jm.put(j)
	return nil
}

// put 寫入 job 並推進 id 分配器，呼叫者需持有寫鎖
func (jm *JobManager) put(j *cdcjob.Job) {
	jm.jobs[j.ID()] = j
	jm.names[j.Name()] = j.ID()
	if j.ID() >= jm.nextID {
		jm.nextID = j.ID() + 1
	}
}

// Unregister 移除 job 並釋放其背景資源
func (jm *JobManager) Unregister(ctx context.Context, id types.JobID) (*cdcjob.Job, error) {
	jm.mu.Lock()
	j, exists := jm.jobs[id]
	if exists {
		delete(jm.jobs, id)
		delete(jm.names, j.Name())
	}
	jm.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	// 在鎖外停止 discovery，避免阻塞其他查詢
	j.Unregister(ctx)
	return j, nil
}

// Get 取得 job
func (jm *JobManager) Get(id types.JobID) (*cdcjob.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	j, exists := jm.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	return j, nil
}

// GetByName 依名稱取得 job
func (jm *JobManager) GetByName(name string) (*cdcjob.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	id, exists := jm.names[name]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	return jm.jobs[id], nil
}

// List 依 id 排序回傳所有 job
func (jm *JobManager) List() []*cdcjob.Job {
	jm.mu.RLock()
	out := make([]*cdcjob.Job, 0, len(jm.jobs))
	for _, j := range jm.jobs {
		out = append(out, j)
	}
	jm.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].ID() < out[b].ID() })
	return out
}

// ReadyJobs 回傳目前可以建立 task 的 job
func (jm *JobManager) ReadyJobs() []*cdcjob.Job {
	var ready []*cdcjob.Job
	for _, j := range jm.List() {
		if j.IsReady() {
			ready = append(ready, j)
		}
	}
	return ready
}

// Len 回傳 job 數量
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// Stats 取得各狀態 job 的統計資訊
func (jm *JobManager) Stats() map[types.JobStatus]int {
	stats := map[types.JobStatus]int{
		types.JobRunning: 0,
		types.JobPaused:  0,
		types.JobStopped: 0,
	}
	for _, j := range jm.List() {
		stats[j.Status()]++
	}
	return stats
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Snapshot 序列化所有 job
func (jm *JobManager) Snapshot() (types.SnapshotData, error) {
	jm.mu.RLock()
	next := jm.nextID
	jm.mu.RUnlock()

	data := types.SnapshotData{
		SchemaVer: SchemaVersion,
		NextJobID: next,
		Jobs:      make(map[types.JobID][]byte),
	}
	for _, j := range jm.List() {
		b, err := j.Snapshot()
		if err != nil {
			return types.SnapshotData{}, err
		}
		data.Jobs[j.ID()] = b
	}
	return data, nil
}

// Restore 清空註冊表並從快照重建所有 job，不會啟動 discovery
func (jm *JobManager) Restore(data types.SnapshotData, deps cdcjob.Deps) error {
	if data.SchemaVer != 0 && data.SchemaVer != SchemaVersion {
		return fmt.Errorf("%w: %d", ErrIncompatibleVersion, data.SchemaVer)
	}

	restored := make([]*cdcjob.Job, 0, len(data.Jobs))
	for id, b := range data.Jobs {
		j, err := cdcjob.Restore(b, deps)
		if err != nil {
			return fmt.Errorf("restore job %d: %w", id, err)
		}
		restored = append(restored, j)
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.jobs = make(map[types.JobID]*cdcjob.Job, len(restored))
	jm.names = make(map[string]types.JobID, len(restored))
	jm.nextID = 1
	if data.NextJobID > jm.nextID {
		jm.nextID = data.NextJobID
	}
	for _, j := range restored {
		jm.put(j)
	}
	return nil
}

// ApplyRecord 以 log 中的 job 快照取代記憶體中的版本（log replay 使用）
func (jm *JobManager) ApplyRecord(id types.JobID, b []byte, deps cdcjob.Deps) error {
	j, err := cdcjob.Restore(b, deps)
	if err != nil {
		return fmt.Errorf("replay job %d: %w", id, err)
	}
	if j.ID() != id {
		return fmt.Errorf("replay job %d: record carries id %d", id, j.ID())
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	if old, exists := jm.jobs[id]; exists {
		delete(jm.names, old.Name())
	}
	jm.put(j)
	return nil
}

// Forget 移除 job 但不觸碰其遠端資源（log replay 使用）
func (jm *JobManager) Forget(id types.JobID) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if j, exists := jm.jobs[id]; exists {
		delete(jm.names, j.Name())
		delete(jm.jobs, id)
	}
	if id >= jm.nextID {
		jm.nextID = id + 1
	}
}
