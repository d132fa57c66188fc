// ============================================================================
// cdc-scheduler Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露排程器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. Task 計數器 (Counter)：
//      - cdc_tasks_created_total{type}: 建立的 task 數
//      - cdc_tasks_finished_total{status}: 終止的 task 數（FINISHED/FAILED/CANCELED）
//      - cdc_schedule_skipped_total{reason}: 排程被跳過的次數（沒有 worker、不變式錯誤）
//
//   2. Job 事件計數器 (Counter)：
//      - cdc_splits_discovered_total: 發現的 split 數
//      - cdc_discovery_failures_total: discovery 失敗次數
//      - cdc_binlog_cutovers_total: 切換到 binlog 的次數
//      - cdc_job_status_transitions_total{from,to}: 狀態轉換次數
//
//   3. 性能指標 (Histogram)：
//      - cdc_task_duration_seconds: 單個 task 的執行時間
//      - cdc_snapshot_duration_seconds: 寫快照耗時
//
//   4. 狀態指標 (Gauge)：
//      - cdc_jobs{status}: 各狀態的 job 數
//      - cdc_recovery_time_seconds: 最近一次恢復時間
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(cdc_tasks_finished_total{status="FAILED"}[5m]) / rate(cdc_tasks_created_total[5m])
//
//   # 95 分位 task 延遲
//   histogram_quantile(0.95, cdc_task_duration_seconds_bucket)
//
// 所有指標註冊到呼叫者提供的 Registerer，測試可以使用獨立的 registry。
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

const namespace = "cdc"

// Skip reasons for RecordScheduleSkipped.
const (
	SkipNoWorker  = "no_worker"
	SkipInvariant = "invariant"
	SkipSubmit    = "submit"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// task 相關指標
	tasksCreated  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	taskDuration  prometheus.Histogram

	// job 事件
	splitsDiscovered  prometheus.Counter
	discoveryFailures prometheus.Counter
	binlogCutovers    prometheus.Counter
	transitions       *prometheus.CounterVec

	// 持久化與恢復
	snapshotDuration prometheus.Histogram
	recoveryTime     prometheus.Gauge

	// 狀態指標
	jobs *prometheus.GaugeVec
}

// NewCollector 創建新的指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Total number of tasks created, by task type",
		}, []string{"type"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks that reached a terminal status",
		}, []string{"status"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_skipped_total",
			Help:      "Scheduling attempts that did not produce a task",
		}, []string{"reason"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution time in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		splitsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "splits_discovered_total",
			Help:      "Total number of splits discovered",
		}),
		discoveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_failures_total",
			Help:      "Total number of failed split discovery runs",
		}),
		binlogCutovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "binlog_cutovers_total",
			Help:      "Total number of jobs that switched to binlog reading",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_status_transitions_total",
			Help:      "Job status transitions",
		}, []string{"from", "to"}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time taken to write a registry snapshot",
			Buckets:   prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last startup recovery in seconds",
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current number of jobs by status",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.tasksCreated,
		c.tasksFinished,
		c.skipped,
		c.taskDuration,
		c.splitsDiscovered,
		c.discoveryFailures,
		c.binlogCutovers,
		c.transitions,
		c.snapshotDuration,
		c.recoveryTime,
		c.jobs,
	)
	return c
}

// ============================================================================
// Job 事件（cdcjob.Observer）
// ============================================================================

// SplitsDiscovered 記錄新發現的 split
func (c *Collector) SplitsDiscovered(_ types.JobID, n int) {
	c.splitsDiscovered.Add(float64(n))
}

// DiscoveryFailed 記錄 discovery 失敗
func (c *Collector) DiscoveryFailed(types.JobID) {
	c.discoveryFailures.Inc()
}

// BinlogCutover 記錄切換到 binlog 階段
func (c *Collector) BinlogCutover(types.JobID) {
	c.binlogCutovers.Inc()
}

// StatusChanged 記錄狀態轉換
func (c *Collector) StatusChanged(_ types.JobID, from, to types.JobStatus) {
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ============================================================================
// Task 與排程
// ============================================================================

// RecordTaskCreated 記錄 task 建立
func (c *Collector) RecordTaskCreated(taskType types.TaskType) {
	c.tasksCreated.WithLabelValues(string(taskType)).Inc()
}

// RecordTaskFinished 記錄 task 終止狀態與耗時
func (c *Collector) RecordTaskFinished(status types.TaskStatus, d time.Duration) {
	c.tasksFinished.WithLabelValues(string(status)).Inc()
	c.taskDuration.Observe(d.Seconds())
}

// RecordScheduleSkipped 記錄一次沒有產生 task 的排程
func (c *Collector) RecordScheduleSkipped(reason string) {
	c.skipped.WithLabelValues(reason).Inc()
}

// ObserveSnapshot 記錄寫快照耗時
func (c *Collector) ObserveSnapshot(d time.Duration) {
	c.snapshotDuration.Observe(d.Seconds())
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// UpdateJobStats 更新各狀態 job 數
func (c *Collector) UpdateJobStats(stats map[types.JobStatus]int) {
	for status, n := range stats {
		c.jobs.WithLabelValues(string(status)).Set(float64(n))
	}
}

// Handler 回傳暴露 g 中指標的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
