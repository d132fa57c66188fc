package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/cdc-scheduler/internal/cdcjob"
	"github.com/ChuLiYu/cdc-scheduler/internal/controller"
	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// APIError is a non-2xx answer of the admin API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api: %d %s", e.StatusCode, e.Message)
}

// Client talks to a running scheduler's admin API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient returns a client for the admin API at addr. addr may omit the
// scheme; a bare ":8080" means localhost.
func NewClient(addr, token string) *Client {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base:  strings.TrimRight(addr, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = resp.Status
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(&envelope{Data: out})
}

func jobPath(id types.JobID, action string) string {
	p := fmt.Sprintf("/jobs/%d", id)
	if action != "" {
		p += "/" + action
	}
	return p
}

// Status returns the scheduler summary.
func (c *Client) Status(ctx context.Context) (controller.Status, error) {
	var st controller.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Workers returns the registered scanner workers.
func (c *Client) Workers(ctx context.Context) ([]worker.Handle, error) {
	var ws []worker.Handle
	err := c.do(ctx, http.MethodGet, "/workers", nil, &ws)
	return ws, err
}

// ListJobs returns the rows of all jobs.
func (c *Client) ListJobs(ctx context.Context) ([]cdcjob.Info, error) {
	var jobs []cdcjob.Info
	err := c.do(ctx, http.MethodGet, "/jobs", nil, &jobs)
	return jobs, err
}

// CreateJob submits a new job.
func (c *Client) CreateJob(ctx context.Context, spec controller.JobSpec) (cdcjob.Info, error) {
	var info cdcjob.Info
	err := c.do(ctx, http.MethodPost, "/jobs", spec, &info)
	return info, err
}

// GetJob returns a job's row and counters.
func (c *Client) GetJob(ctx context.Context, id types.JobID) (JobDetail, error) {
	var d JobDetail
	err := c.do(ctx, http.MethodGet, jobPath(id, ""), nil, &d)
	return d, err
}

// JobTasks returns the task rows of a job.
func (c *Client) JobTasks(ctx context.Context, id types.JobID) ([]cdcjob.TaskInfo, error) {
	var tasks []cdcjob.TaskInfo
	err := c.do(ctx, http.MethodGet, jobPath(id, "tasks"), nil, &tasks)
	return tasks, err
}

func (c *Client) transition(ctx context.Context, id types.JobID, action string) (cdcjob.Info, error) {
	var info cdcjob.Info
	err := c.do(ctx, http.MethodPost, jobPath(id, action), nil, &info)
	return info, err
}

// PauseJob pauses a job.
func (c *Client) PauseJob(ctx context.Context, id types.JobID) (cdcjob.Info, error) {
	return c.transition(ctx, id, "pause")
}

// ResumeJob resumes a paused job.
func (c *Client) ResumeJob(ctx context.Context, id types.JobID) (cdcjob.Info, error) {
	return c.transition(ctx, id, "resume")
}

// StopJob stops a job.
func (c *Client) StopJob(ctx context.Context, id types.JobID) (cdcjob.Info, error) {
	return c.transition(ctx, id, "stop")
}

// DropJob removes a job.
func (c *Client) DropJob(ctx context.Context, id types.JobID) error {
	return c.do(ctx, http.MethodDelete, jobPath(id, ""), nil, nil)
}

// Snapshot forces a registry snapshot.
func (c *Client) Snapshot(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/snapshot", nil, nil)
}
