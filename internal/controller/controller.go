// ============================================================================
// cdc-scheduler 控制器 - 排程核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 協調所有模組，負責崩潰恢復、task 排程與 job 管理操作
//
// 架構設計:
//   控制器持有以下組件：
//   - JobManager: 所有 CDC job 的註冊表
//   - Job log: 每次 job 狀態變更後寫入完整的 job 快照
//       * wal    - append-only 檔案 + 定期 registry 快照
//       * pebble - 每個 job 一個 key，store 本身就是最新狀態
//   - Snapshot: registry 快照（僅 wal backend），完成後截斷 WAL
//   - WorkerPool: 有界的 task 執行池
//   - Directory: 遠端 scanner worker 清單（靜態設定 + registry 註冊）
//
// 核心循環 (3 個並發 Goroutine):
//   1. Schedule Loop - 每個 tick 對 ready 的 job 建立 task 並提交給 pool
//   2. Result Loop   - 接收 pool 執行結果，更新指標
//   3. Snapshot Loop - 定期寫 registry 快照並 rotate WAL（wal backend）
//
//   Task 超時由 pool 的 context deadline 處理，不需要單獨的掃描循環。
//
// 崩潰恢復流程:
//   wal backend:
//   1. snapshot.Load()  - 讀取最新 registry 快照（不存在則為空）
//   2. jm.Restore()     - 重建 job
//   3. wal.ReplayFrom() - 重放快照之後的 JOB_SNAPSHOT / JOB_DROP
//   pebble backend:
//   1. Iterate()        - 逐個載入 job 最新狀態
//   2. AdvanceNextID()  - 已刪除的 job id 不會被重用
//   最後對 RUNNING 的 job 呼叫 Initialize()，未完成的 table 繼續 discovery。
//   崩潰前未完成的 task 不會被持久化，它的 split 仍在 pending 隊首，
//   下一次排程會以相同的 split 重建 task。
//
// 並發安全:
//   - job 內部狀態由 cdcjob 自行同步，控制器只在 lifecycle 上持鎖
//   - stopCh channel 用於優雅關閉所有循環
//   - sync.WaitGroup 確保所有 goroutine 正確退出
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/cdc-scheduler/internal/cdcjob"
	"github.com/ChuLiYu/cdc-scheduler/internal/jobmanager"
	"github.com/ChuLiYu/cdc-scheduler/internal/metrics"
	"github.com/ChuLiYu/cdc-scheduler/internal/snapshot"
	"github.com/ChuLiYu/cdc-scheduler/internal/source"
	"github.com/ChuLiYu/cdc-scheduler/internal/storage/pebblelog"
	"github.com/ChuLiYu/cdc-scheduler/internal/storage/wal"
	"github.com/ChuLiYu/cdc-scheduler/internal/txn"
	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// Storage backends.
const (
	BackendWAL    = "wal"
	BackendPebble = "pebble"
)

// ErrStopped is returned by operations on a stopped controller.
var ErrStopped = errors.New("controller is stopped")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WorkerCount      int           // pool 的 goroutine 數
	TaskTimeout      time.Duration // 單個 task 的執行上限
	ScheduleInterval time.Duration // 排程 tick
	HistoryRetention int           // 每個 job 保留的歷史 task 數
	Transactional    bool          // offset 只在 transaction commit 後推進
	DBID             int64         // 新 job 的預設 db id

	Backend          string        // wal | pebble
	WALPath          string        // WAL 檔案路徑
	SnapshotPath     string        // 快照檔案路徑
	PebbleDir        string        // pebble 資料目錄
	SnapshotInterval time.Duration // 快照間隔（wal backend）
	SnapshotBackups  int           // 保留的舊快照數，0 表示不保留
	SyncOnAppend     bool          // 每次寫入都 fsync
	WALBufferSize    int           // WAL 批次緩衝大小
	WALFlushInterval time.Duration // WAL 批次 flush 間隔
	CompressBackups  bool          // rotate 時以 zstd 壓縮備份
}

// Deps are the collaborators the controller does not own.
type Deps struct {
	Reader  source.Reader
	Workers *worker.Directory
	Metrics *metrics.Collector // optional, a private registry is used when nil
}

// jobLog is the persistence backend of job records.
type jobLog interface {
	cdcjob.Persister
	AppendJobDrop(jobID types.JobID) error
	Close() error
}

// Controller 核心控制器
type Controller struct {
	mu       sync.Mutex             // 保護 lifecycle 狀態
	jm       *jobmanager.JobManager // job 註冊表
	log      jobLog                 // job 狀態 log
	wal      *wal.WAL               // wal backend，否則為 nil
	pebble   *pebblelog.Log         // pebble backend，否則為 nil
	snapshot *snapshot.Manager      // registry 快照管理
	pool     *worker.Pool           // task 執行池
	dir      *worker.Directory      // scanner worker 清單
	reader   source.Reader          // scanner 存取
	txn      *txn.Manager           // transactional 模式時不為 nil
	metrics  *metrics.Collector     // 指標
	config   Config                 // 配置

	ctx      context.Context // 傳給 job 操作，Stop 時取消
	cancel   context.CancelFunc
	stopCh   chan struct{}  // 停止訊號
	started  bool           // 標記是否已啟動
	stopped  bool           // 標記是否已停止
	loopWg   sync.WaitGroup // 等待所有循環退出
	snapMu   sync.Mutex     // 串行化快照
	recovery time.Duration  // 最近一次恢復耗時

	startTime time.Time // 啟動時間（用於統計）
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController opens the persistence backend and builds an unstarted
// controller. Jobs are recovered by Start.
func NewController(config Config, deps Deps) (*Controller, error) {
	if deps.Reader == nil {
		return nil, errors.New("controller: a source reader is required")
	}
	if deps.Workers == nil {
		deps.Workers = worker.NewDirectory()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(prometheus.NewRegistry())
	}
	applyDefaults(&config)

	c := &Controller{
		jm:       jobmanager.NewJobManager(),
		snapshot: snapshot.NewManager(config.SnapshotPath),
		pool:     worker.NewPool(config.WorkerCount * 4),
		dir:      deps.Workers,
		reader:   deps.Reader,
		metrics:  deps.Metrics,
		config:   config,
		stopCh:   make(chan struct{}),
	}
	if config.Transactional {
		c.txn = txn.NewManager()
	}

	switch config.Backend {
	case BackendWAL:
		w, err := wal.NewWAL(config.WALPath, config.SyncOnAppend,
			wal.WithBufferSize(config.WALBufferSize),
			wal.WithFlushInterval(config.WALFlushInterval),
			wal.WithCompressedBackups(config.CompressBackups),
			// 與快照備份保留相同份數，至少一份
			wal.WithKeepBackups(max(config.SnapshotBackups, 1)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
		c.wal, c.log = w, w
	case BackendPebble:
		p, err := pebblelog.Open(config.PebbleDir, config.SyncOnAppend)
		if err != nil {
			return nil, fmt.Errorf("failed to open pebble log: %w", err)
		}
		c.pebble, c.log = p, p
	default:
		return nil, fmt.Errorf("unknown storage backend %q", config.Backend)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func applyDefaults(c *Config) {
	if c.WorkerCount < 1 {
		c.WorkerCount = 1
	}
	if c.ScheduleInterval <= 0 {
		c.ScheduleInterval = 500 * time.Millisecond
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.Backend == "" {
		c.Backend = BackendWAL
	}
}

// deps are handed to every job the controller creates or restores.
func (c *Controller) deps() cdcjob.Deps {
	return cdcjob.Deps{
		Reader:    c.reader,
		Workers:   c.dir,
		Persister: c.log,
		Txn:       c.txn,
		Observer:  c.metrics,
	}
}

// Start recovers the registry, resumes discovery and starts the loops.
//
// 執行順序：
//  1. recover() - 從快照 + log 重建所有 job
//  2. resumeJobs() - 對 RUNNING 的 job 重新 arm 並繼續 discovery
//  3. 啟動 Worker Pool
//  4. 啟動循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return errors.New("controller already started")
	}
	c.startTime = time.Now()

	if err := c.recover(); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	c.recovery = time.Since(c.startTime)
	c.metrics.SetRecoveryTime(c.recovery)
	log.Info().
		Int("jobs", c.jm.Len()).
		Str("backend", c.config.Backend).
		Dur("took", c.recovery).
		Msg("Recovery complete")

	c.resumeJobs()

	if err := c.pool.Start(c.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	loops := []func(){c.scheduleLoop, c.resultLoop}
	if c.wal != nil {
		loops = append(loops, c.snapshotLoop)
	}
	for _, loop := range loops {
		c.loopWg.Add(1)
		go func(run func()) {
			defer c.loopWg.Done()
			run()
		}(loop)
	}

	c.started = true
	log.Info().Int("pool", c.config.WorkerCount).Int("workers", c.dir.Len()).Msg("Controller started")
	return nil
}

// recover 依 backend 重建 registry
func (c *Controller) recover() error {
	deps := c.deps()

	if c.pebble != nil {
		err := c.pebble.Iterate(func(id types.JobID, data []byte) error {
			return c.jm.ApplyRecord(id, data, deps)
		})
		if err != nil {
			return err
		}
		c.jm.AdvanceNextID(c.pebble.NextJobID())
		return nil
	}

	data, err := c.snapshot.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := c.jm.Restore(data, deps); err != nil {
		return err
	}

	replayed := 0
	err = c.wal.ReplayFrom(data.LastSeq, func(ev wal.Event) error {
		replayed++
		switch ev.Type {
		case wal.EventJobSnapshot:
			return c.jm.ApplyRecord(ev.JobID, ev.Payload, deps)
		case wal.EventJobDrop:
			c.jm.Forget(ev.JobID)
			return nil
		default:
			log.Warn().Str("type", string(ev.Type)).Uint64("seq", ev.Seq).Msg("Unknown WAL event skipped")
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}
	log.Debug().Uint64("after_seq", data.LastSeq).Int("events", replayed).Msg("WAL replayed")
	return nil
}

// resumeJobs 重新啟動 RUNNING job 的 discovery
func (c *Controller) resumeJobs() {
	for _, j := range c.jm.List() {
		c.initJob(c.ctx, j)
	}
}

// initJob arms the job's scanner and starts discovery. Without any worker the
// job stays RUNNING and the schedule loop retries once one registers; any
// other failure pauses the job.
func (c *Controller) initJob(ctx context.Context, j *cdcjob.Job) {
	err := j.Initialize(ctx)
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrNoWorkerAvailable):
		log.Warn().Int64("job_id", int64(j.ID())).Msg("No scanner worker yet, discovery deferred")
	default:
		c.pauseOnError(j, err, "Failed to start split discovery")
	}
}

// ensureDiscovery restarts discovery for RUNNING jobs that still have tables
// to split but no discovery loop, i.e. jobs deferred by initJob.
func (c *Controller) ensureDiscovery() {
	if c.dir.Len() == 0 {
		return
	}
	for _, j := range c.jm.List() {
		if j.Status() == types.JobRunning && len(j.RemainingTables()) > 0 && !j.DiscoveryRunning() {
			c.initJob(c.ctx, j)
		}
	}
}

func (c *Controller) pauseOnError(j *cdcjob.Job, err error, msg string) {
	log.Error().Err(err).Int64("job_id", int64(j.ID())).Msg(msg)
	j.SetLastError(err.Error())
	if perr := j.UpdateStatus(c.ctx, types.JobPaused); perr != nil && !errors.Is(perr, cdcjob.ErrJobStopped) {
		log.Error().Err(perr).Int64("job_id", int64(j.ID())).Msg("Failed to pause job")
	}
}

// ============================================================================
// 核心循環
// ============================================================================

// scheduleLoop 每個 tick 為 ready 的 job 建立 task
func (c *Controller) scheduleLoop() {
	ticker := time.NewTicker(c.config.ScheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			// 雙重檢查：ticker 和 stopCh 同時就緒時 select 隨機選擇
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.ensureDiscovery()
			c.scheduleOnce()
			c.metrics.UpdateJobStats(c.jm.Stats())
		}
	}
}

// scheduleOnce 執行一輪排程，回傳提交的 task 數
func (c *Controller) scheduleOnce() int {
	submitted := 0
	for _, j := range c.jm.ReadyJobs() {
		tasks, err := j.CreateTasks(c.ctx, types.TaskScheduled)
		switch {
		case err == nil:
		case errors.Is(err, worker.ErrNoWorkerAvailable):
			log.Warn().Int64("job_id", int64(j.ID())).Msg("No scanner worker available, job skipped this round")
			c.metrics.RecordScheduleSkipped(metrics.SkipNoWorker)
			continue
		case errors.Is(err, cdcjob.ErrInvariantViolation):
			c.metrics.RecordScheduleSkipped(metrics.SkipInvariant)
			c.pauseOnError(j, err, "Split bookkeeping is inconsistent, pausing job")
			continue
		case errors.Is(err, cdcjob.ErrTaskOutstanding), errors.Is(err, context.Canceled):
			continue
		default:
			log.Error().Err(err).Int64("job_id", int64(j.ID())).Msg("Failed to create task")
			j.SetLastError(err.Error())
			continue
		}

		for _, t := range tasks {
			c.metrics.RecordTaskCreated(t.Type())
			if err := c.submit(t); err != nil {
				c.metrics.RecordScheduleSkipped(metrics.SkipSubmit)
				if errors.Is(err, worker.ErrPoolClosed) {
					return submitted
				}
				continue
			}
			submitted++
		}
	}
	return submitted
}

// submit hands a task to the pool. A task the pool refuses is canceled so the
// job can schedule again.
func (c *Controller) submit(t *cdcjob.Task) error {
	err := c.pool.Submit(worker.Task{Unit: t, Timeout: c.config.TaskTimeout})
	if err != nil {
		t.Cancel(err.Error())
		log.Warn().Err(err).Int64("job_id", int64(t.JobID())).Int64("task_id", t.ID()).Msg("Task not submitted")
	}
	return err
}

// resultLoop 接收 pool 的執行結果，直到 pool 關閉
func (c *Controller) resultLoop() {
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				return
			}
			log.Error().Err(err).Msg("Failed to receive result")
			continue
		}
		c.handleResult(result)
	}
}

// handleResult records the outcome. The task already moved itself to a
// terminal state; one that did not (a panic) is failed here so its job is
// released.
func (c *Controller) handleResult(result worker.Result) {
	status := types.TaskFinished
	if !result.Success {
		status = types.TaskFailed
	}

	if j, err := c.jm.Get(result.JobID); err == nil {
		for _, t := range j.Tasks() {
			if t.ID() != result.TaskID {
				continue
			}
			if !t.Status().Terminal() {
				t.OnFail(result.Error)
			}
			status = t.Status()
			break
		}
	}

	c.metrics.RecordTaskFinished(status, result.Duration)
	if !result.Success {
		log.Warn().
			Err(result.Error).
			Int64("job_id", int64(result.JobID)).
			Int64("task_id", result.TaskID).
			Dur("duration", result.Duration).
			Msg("Task failed")
	}
}

// snapshotLoop 定期創建快照
func (c *Controller) snapshotLoop() {
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				log.Error().Err(err).Msg("Failed to take snapshot")
			}
		}
	}
}

// takeSnapshot writes the registry and truncates the WAL up to the sequence
// the snapshot covers. Every job record after that sequence is replayed on
// top of the snapshot at the next start. No-op for the pebble backend.
func (c *Controller) takeSnapshot() error {
	if c.wal == nil {
		return nil
	}
	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	start := time.Now()
	seq := c.wal.GetLastSeq()
	data, err := c.jm.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}
	data.LastSeq = seq

	if c.config.SnapshotBackups > 0 {
		err = c.snapshot.WriteWithBackup(data, c.config.SnapshotBackups)
	} else {
		err = c.snapshot.Write(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := c.wal.Rotate(seq); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	c.metrics.ObserveSnapshot(time.Since(start))
	log.Info().
		Int("jobs", len(data.Jobs)).
		Uint64("last_seq", seq).
		Dur("took", time.Since(start)).
		Msg("Snapshot taken")
	return nil
}

// Snapshot forces a registry snapshot.
func (c *Controller) Snapshot() error {
	return c.takeSnapshot()
}

// Stop 優雅地停止 Controller
//
// 停止順序：
//  1. close(stopCh) + cancel(ctx) - 排程與快照循環立即退出
//  2. pool.Stop() - 等待已提交的 task 完成，關閉結果通道，resultLoop 退出
//  3. loopWg.Wait() - 確保沒有 goroutine 再訪問資源
//  4. 停止所有 job 的 discovery（不改變狀態，不關閉遠端 scanner）
//  5. 最後一次快照
//  6. 關閉 job log
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info().Msg("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	log.Info().Msg("Stopping controller...")

	close(c.stopCh)
	c.cancel()

	if started {
		c.pool.Stop()
	}
	c.loopWg.Wait()

	for _, j := range c.jm.List() {
		j.StopDiscovery()
	}

	if started {
		if err := c.takeSnapshot(); err != nil {
			log.Error().Err(err).Msg("Failed to take final snapshot")
		}
	}

	if err := c.log.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job log")
	}

	log.Info().Msg("Controller stopped")
}

// ============================================================================
// 狀態查詢
// ============================================================================

// Status is the scheduler summary shown by `cdcsched status`.
type Status struct {
	Backend      string                  `json:"backend"`
	Uptime       string                  `json:"uptime"`
	RecoveryTime string                  `json:"recoveryTime"`
	Jobs         map[types.JobStatus]int `json:"jobs"`
	Workers      int                     `json:"workers"`
	PoolSize     int                     `json:"poolSize"`
	Transactions int                     `json:"openTransactions"`
}

// GetStatus 返回系統狀態
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	started, startTime, recovery := c.started, c.startTime, c.recovery
	c.mu.Unlock()

	st := Status{
		Backend:      c.config.Backend,
		RecoveryTime: recovery.String(),
		Jobs:         c.jm.Stats(),
		Workers:      c.dir.Len(),
		PoolSize:     c.pool.GetWorkerCount(),
	}
	if started {
		st.Uptime = time.Since(startTime).Truncate(time.Second).String()
	}
	if c.txn != nil {
		st.Transactions = c.txn.Len()
	}
	return st
}

// Workers returns the current scanner workers.
func (c *Controller) Workers() []worker.Handle {
	return c.dir.List()
}
