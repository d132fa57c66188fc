// ============================================================================
// cdc-scheduler Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs scheduled CDC tasks, each Worker in its own goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the task unit, bounded by its timeout when one is set
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// A task unit owns its own state transitions (success/failure bookkeeping on
// the owning job); the Result is only reported for metrics and logging.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		err := w.execute(task)

		result := Result{
			TaskID:   task.Unit.TaskID(),
			JobID:    task.Unit.JobID(),
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		default:
			log.Warn().
				Int("worker", w.id).
				Int64("task_id", result.TaskID).
				Msg("Result channel full, dropping task result")
		}
	}
}

// execute runs one unit and converts a panic into an error so one bad task
// cannot take the worker goroutine down.
func (w *Worker) execute(task Task) (err error) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Int("worker", w.id).
				Int64("task_id", task.Unit.TaskID()).
				Interface("panic", r).
				Msg("Task panicked")
			err = fmt.Errorf("task %d panicked: %v", task.Unit.TaskID(), r)
		}
	}()

	return task.Unit.Run(ctx)
}
