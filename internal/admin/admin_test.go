package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cdc-scheduler/internal/controller"
	"github.com/ChuLiYu/cdc-scheduler/internal/metrics"
	"github.com/ChuLiYu/cdc-scheduler/internal/source"
	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

var testWorker = worker.Handle{ID: 1, Host: "127.0.0.1", Port: 9070}

// newTestServer starts a controller over the simulator and serves its admin
// API from an httptest server.
func newTestServer(t *testing.T, token string) (*controller.Controller, *Client) {
	t.Helper()
	dir := t.TempDir()
	reg := prometheus.NewRegistry()

	c, err := controller.NewController(controller.Config{
		WorkerCount:      2,
		TaskTimeout:      2 * time.Second,
		ScheduleInterval: 10 * time.Millisecond,
		SnapshotInterval: time.Hour,
		HistoryRetention: 5,
		Backend:          controller.BackendWAL,
		WALPath:          filepath.Join(dir, "cdc.wal"),
		SnapshotPath:     filepath.Join(dir, "cdc.snapshot"),
	}, controller.Deps{
		Reader:  source.NewLocalReader(source.NewSimulator()),
		Workers: worker.NewDirectory(testWorker),
		Metrics: metrics.NewCollector(reg),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)

	srv := httptest.NewServer(NewRouter(c, reg, token))
	t.Cleanup(srv.Close)
	return c, NewClient(srv.URL, token)
}

func spec(name string, tables ...string) controller.JobSpec {
	return controller.JobSpec{
		Name:   name,
		Owner:  "root",
		Tables: tables,
		Config: map[string]string{
			types.ConfigHost:         "127.0.0.1",
			types.ConfigPort:         "3306",
			types.ConfigUsername:     "root",
			types.ConfigDatabaseName: "shop",
			source.SimChunksPerTable: "2",
		},
	}
}

func statusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// ============================================================================
// Job Lifecycle Tests
// ============================================================================

func TestJobLifecycle(t *testing.T) {
	_, client := newTestServer(t, "")
	ctx := context.Background()

	info, err := client.CreateJob(ctx, spec("orders", "orders", "items"))
	require.NoError(t, err)
	assert.Equal(t, "orders", info.Name)
	assert.Equal(t, string(types.JobRunning), info.Status)
	assert.Equal(t, "root", info.Definer)

	jobs, err := client.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, info.ID, jobs[0].ID)

	require.Eventually(t, func() bool {
		d, err := client.GetJob(ctx, info.ID)
		return err == nil && d.Stats.BinlogAssigned && d.Stats.FinishedSplits == 4
	}, 5*time.Second, 20*time.Millisecond)

	tasks, err := client.JobTasks(ctx, info.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, tasks)
	for _, tk := range tasks {
		assert.Equal(t, info.ID, tk.JobID)
		assert.Equal(t, "orders", tk.JobName)
	}

	paused, err := client.PauseJob(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobPaused), paused.Status)

	resumed, err := client.ResumeJob(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobRunning), resumed.Status)

	stopped, err := client.StopJob(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStopped), stopped.Status)

	_, err = client.ResumeJob(ctx, info.ID)
	assert.Equal(t, http.StatusConflict, statusCode(err))

	require.NoError(t, client.DropJob(ctx, info.ID))
	_, err = client.GetJob(ctx, info.ID)
	assert.Equal(t, http.StatusNotFound, statusCode(err))
}

func TestCreateJobErrors(t *testing.T) {
	_, client := newTestServer(t, "")
	ctx := context.Background()

	_, err := client.CreateJob(ctx, spec("orders", "orders"))
	require.NoError(t, err)

	noHost := spec("nohost", "t")
	delete(noHost.Config, types.ConfigHost)

	tests := []struct {
		name string
		spec controller.JobSpec
		want int
	}{
		{"duplicate name", spec("orders", "orders"), http.StatusConflict},
		{"missing name", spec("", "t"), http.StatusBadRequest},
		{"missing host", noHost, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.CreateJob(ctx, tt.spec)
			require.Error(t, err)
			assert.Equal(t, tt.want, statusCode(err))
		})
	}
}

func TestMalformedRequests(t *testing.T) {
	_, client := newTestServer(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad job id", http.MethodGet, "/jobs/abc", "", http.StatusBadRequest},
		{"zero job id", http.MethodPost, "/jobs/0/pause", "", http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/jobs/42/tasks", "", http.StatusNotFound},
		{"unknown field", http.MethodPost, "/jobs", `{"name":"x","bogus":1}`, http.StatusBadRequest},
		{"not json", http.MethodPost, "/jobs", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, client.base+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}
}

// ============================================================================
// Introspection Tests
// ============================================================================

func TestStatusAndWorkers(t *testing.T) {
	_, client := newTestServer(t, "")
	ctx := context.Background()

	_, err := client.CreateJob(ctx, spec("orders", "orders"))
	require.NoError(t, err)

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, controller.BackendWAL, st.Backend)
	assert.Equal(t, 1, st.Jobs[types.JobRunning])
	assert.Equal(t, 1, st.Workers)

	ws, err := client.Workers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []worker.Handle{testWorker}, ws)

	require.NoError(t, client.Snapshot(ctx))
}

func TestMetricsEndpoint(t *testing.T) {
	_, client := newTestServer(t, "secret")

	_, err := client.CreateJob(context.Background(), spec("orders", "orders"))
	require.NoError(t, err)

	// metrics 不需要 token
	resp, err := http.Get(client.base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// ============================================================================
// Auth Tests
// ============================================================================

func TestAuthMiddleware(t *testing.T) {
	_, client := newTestServer(t, "secret")

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"no header", "", "", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer secret", http.StatusOK},
		{"wrong scheme", "Authorization", "Basic secret", http.StatusUnauthorized},
		{"token header", TokenHeader, "secret", http.StatusOK},
		{"wrong token", TokenHeader, "nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, client.base+"/status", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	_, err := client.Status(context.Background())
	assert.NoError(t, err)

	_, err = NewClient(client.base, "nope").Status(context.Background())
	assert.Equal(t, http.StatusUnauthorized, statusCode(err))
}

func TestNewClientAddress(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", NewClient(":8080", "").base)
	assert.Equal(t, "http://host:8080", NewClient("host:8080", "").base)
	assert.Equal(t, "https://host", NewClient("https://host/", "").base)
}
