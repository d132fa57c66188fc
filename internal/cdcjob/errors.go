package cdcjob

// ============================================================================
// CDC Job Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/cdc-scheduler/internal/source"
	"github.com/ChuLiYu/cdc-scheduler/internal/txn"
	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

var (
	// ErrDiscovery wraps reader failures while computing splits.
	// The discovery loop absorbs it into lastError and pauses the job.
	ErrDiscovery = errors.New("DISCOVERY_ERROR")

	// ErrInvariantViolation marks inconsistent split bookkeeping. It is never
	// swallowed.
	ErrInvariantViolation = errors.New("INVARIANT_VIOLATION")

	// ErrMissingSplit is raised by CreateTasks when nothing is pending, no
	// table remains, and some assigned split has not finished.
	ErrMissingSplit = fmt.Errorf("%w: MISSING_SPLIT", ErrInvariantViolation)

	// ErrTaskOutstanding is returned when a task of the job has not reached
	// a terminal state yet.
	ErrTaskOutstanding = errors.New("job already has an outstanding task")

	// ErrJobStopped rejects transitions out of STOPPED.
	ErrJobStopped = errors.New("job is stopped")

	// ErrIncompatibleSnapshot is returned by Restore for unknown record versions.
	ErrIncompatibleSnapshot = errors.New("job snapshot version is incompatible")
)

// Re-exported so callers can match the whole taxonomy from one package.
var (
	ErrNoWorkerAvailable   = worker.ErrNoWorkerAvailable
	ErrTransactionRejected = txn.ErrTransactionRejected
)

// ConfigError is a job configuration that can never run.
type ConfigError = source.ConfigError

// RemoteExecutionError is a failed task RPC. The task is FAILED, the job keeps
// running and no offset moves.
type RemoteExecutionError struct {
	JobID  types.JobID
	TaskID int64
	Op     string
	Err    error
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("job %d task %d: %s: %v", e.JobID, e.TaskID, e.Op, e.Err)
}

func (e *RemoteExecutionError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
