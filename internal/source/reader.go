// Package source defines the boundary between the scheduler and the scanner
// that actually reads change data.
//
// The scheduler side talks to a Reader, which addresses a specific worker.
// The worker side implements Scanner. LocalReader adapts an in-process Scanner
// to the Reader interface, and the rpc package provides the remote one.
package source

import (
	"context"
	"errors"

	"github.com/ChuLiYu/cdc-scheduler/internal/split"
	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

var (
	// ErrScannerClosed is reported when closing a job that holds no scanner
	// resources. Callers treat it as success.
	ErrScannerClosed = errors.New("scanner already closed")

	// ErrScannerNotStarted is reported by a scanner that was never armed.
	ErrScannerNotStarted = errors.New("scanner not started")

	// ErrEmptySplits is reported when a reader returns no split for a table.
	ErrEmptySplits = errors.New("split is empty")
)

// DiscoverRequest asks for the splits of the table named in
// Config[types.KeySnapshotTable] (initial mode) or for the binlog split.
type DiscoverRequest struct {
	JobID    types.JobID       `json:"jobId"`
	Config   map[string]string `json:"config"`
	ScanMode string            `json:"scanMode"`
}

// FetchRequest reads one split starting at Offset.
type FetchRequest struct {
	JobID  types.JobID       `json:"jobId"`
	Offset types.Offset      `json:"offset"`
	Config map[string]string `json:"config"`
}

// FetchResult carries the offset to resume from after the records that were read.
type FetchResult struct {
	Records int64        `json:"records"`
	Offset  types.Offset `json:"offset"`
}

// Reader is what the job and its tasks use to reach a scanner worker.
// Implementations must be idempotent for the same (jobID, offset) pair.
type Reader interface {
	// Arm makes sure the capture endpoint on w is running.
	Arm(ctx context.Context, w worker.Handle) error
	DiscoverSplits(ctx context.Context, w worker.Handle, req DiscoverRequest) ([]split.Split, error)
	FetchRecords(ctx context.Context, w worker.Handle, req FetchRequest) (*FetchResult, error)
	// Close releases everything the scanner holds for jobID.
	Close(ctx context.Context, w worker.Handle, jobID types.JobID) error
}

// Scanner is the worker-side capture endpoint.
type Scanner interface {
	Start(ctx context.Context) error
	FetchSplits(ctx context.Context, req DiscoverRequest) ([]split.Split, error)
	FetchRecords(ctx context.Context, req FetchRequest) (*FetchResult, error)
	Close(ctx context.Context, jobID types.JobID) error
}

// LocalReader serves every worker handle from one in-process scanner.
type LocalReader struct {
	Scanner Scanner
}

// NewLocalReader wraps s.
func NewLocalReader(s Scanner) *LocalReader {
	return &LocalReader{Scanner: s}
}

func (r *LocalReader) Arm(ctx context.Context, _ worker.Handle) error {
	return r.Scanner.Start(ctx)
}

func (r *LocalReader) DiscoverSplits(ctx context.Context, _ worker.Handle, req DiscoverRequest) ([]split.Split, error) {
	return r.Scanner.FetchSplits(ctx, req)
}

func (r *LocalReader) FetchRecords(ctx context.Context, _ worker.Handle, req FetchRequest) (*FetchResult, error) {
	return r.Scanner.FetchRecords(ctx, req)
}

func (r *LocalReader) Close(ctx context.Context, _ worker.Handle, jobID types.JobID) error {
	return r.Scanner.Close(ctx, jobID)
}
