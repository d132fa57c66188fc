package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	c, reg := newTestCollector(t)
	assert.NotNil(t, c.tasksCreated)
	assert.NotNil(t, c.jobs)

	// registering twice on the same registry is a programming error
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestObserverEvents(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SplitsDiscovered(1, 3)
	c.SplitsDiscovered(2, 2)
	c.DiscoveryFailed(1)
	c.BinlogCutover(1)
	c.StatusChanged(1, types.JobRunning, types.JobPaused)
	c.StatusChanged(1, types.JobPaused, types.JobRunning)
	c.StatusChanged(2, types.JobRunning, types.JobPaused)

	assert.Equal(t, 5.0, testutil.ToFloat64(c.splitsDiscovered))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.discoveryFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.binlogCutovers))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("RUNNING", "PAUSED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("PAUSED", "RUNNING")))
}

func TestTaskMetrics(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordTaskCreated(types.TaskScheduled)
	c.RecordTaskCreated(types.TaskScheduled)
	c.RecordTaskCreated(types.TaskManual)
	c.RecordTaskFinished(types.TaskFinished, 20*time.Millisecond)
	c.RecordTaskFinished(types.TaskFailed, time.Second)
	c.RecordScheduleSkipped(SkipNoWorker)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tasksCreated.WithLabelValues("SCHEDULED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksCreated.WithLabelValues("MANUAL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksFinished.WithLabelValues("FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.skipped.WithLabelValues(SkipNoWorker)))
	assert.Equal(t, 1, testutil.CollectAndCount(c.taskDuration))
}

func TestJobStatsAndRecovery(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdateJobStats(map[types.JobStatus]int{types.JobRunning: 3, types.JobPaused: 1})
	c.UpdateJobStats(map[types.JobStatus]int{types.JobRunning: 2})
	c.SetRecoveryTime(1500 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobs.WithLabelValues("RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobs.WithLabelValues("PAUSED")))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))
}

func TestHandler(t *testing.T) {
	c, reg := newTestCollector(t)
	c.BinlogCutover(1)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "cdc_binlog_cutovers_total 1"))
}
