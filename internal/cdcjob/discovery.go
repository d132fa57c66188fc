package cdcjob

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/cdc-scheduler/internal/source"
	"github.com/ChuLiYu/cdc-scheduler/internal/split"
	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// ============================================================================
// Split Discovery（背景 goroutine，每個 job 最多一個）
// ============================================================================

// startDiscovery launches the discovery loop unless one is already running.
func (j *Job) startDiscovery(w worker.Handle) {
	j.discMu.Lock()
	defer j.discMu.Unlock()

	if j.discDone != nil {
		select {
		case <-j.discDone:
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	j.discCancel = cancel
	j.discDone = done

	tables := j.RemainingTables()
	log.Info().
		Int64("job_id", int64(j.id)).
		Strs("tables", tables).
		Str("worker", w.String()).
		Msg("Split discovery started")

	go j.discover(ctx, w, tables, done)
}

// stopDiscovery cancels the loop. With wait set it blocks until the loop has
// exited; it must not wait when called from the loop itself.
func (j *Job) stopDiscovery(wait bool) {
	j.discMu.Lock()
	cancel, done := j.discCancel, j.discDone
	j.discMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wait && done != nil {
		<-done
	}
}

// StopDiscovery cancels the discovery loop and waits for it to exit. Status
// and remote scanner state are left alone, so a restarted scheduler resumes
// where this one stopped.
func (j *Job) StopDiscovery() {
	j.stopDiscovery(true)
}

// DiscoveryRunning reports whether the discovery loop is active.
func (j *Job) DiscoveryRunning() bool {
	j.discMu.Lock()
	defer j.discMu.Unlock()
	if j.discDone == nil {
		return false
	}
	select {
	case <-j.discDone:
		return false
	default:
		return true
	}
}

// WaitDiscovery blocks until the current discovery loop exits or ctx ends.
func (j *Job) WaitDiscovery(ctx context.Context) error {
	j.discMu.Lock()
	done := j.discDone
	j.discMu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) discover(ctx context.Context, w worker.Handle, tables []string, done chan struct{}) {
	defer close(done)

	j.SetLastError("")
	for _, table := range tables {
		// 只在 table 之間檢查取消
		if ctx.Err() != nil {
			log.Info().Int64("job_id", int64(j.id)).Msg("Split discovery stopped")
			return
		}
		if err := j.splitTable(ctx, w, table); err != nil {
			if ctx.Err() != nil {
				log.Info().Int64("job_id", int64(j.id)).Err(err).Msg("Split discovery interrupted")
				return
			}
			j.failDiscovery(err)
			return
		}
		if j.binlogAssigned.Load() {
			break
		}
	}
	log.Info().Int64("job_id", int64(j.id)).Msg("Split discovery finished")
}

// splitTable asks the reader for the splits of one table and records them.
func (j *Job) splitTable(ctx context.Context, w worker.Handle, table string) error {
	cfg := j.Config()
	mode := source.ScanMode(cfg)
	if mode == types.ScanInitial {
		cfg[types.KeySnapshotTable] = table
	}

	splits, err := j.deps.Reader.DiscoverSplits(ctx, w, source.DiscoverRequest{
		JobID:    j.id,
		Config:   cfg,
		ScanMode: mode,
	})
	if err != nil {
		return fmt.Errorf("%w: table %s: %w", ErrDiscovery, table, err)
	}
	if len(splits) == 0 {
		return fmt.Errorf("%w: table %s: %w", ErrDiscovery, table, source.ErrEmptySplits)
	}

	added := 0
	for _, s := range splits {
		switch v := s.(type) {
		case *split.BinlogSplit:
			if err := j.assignBinlogSplit(v); err != nil {
				return fmt.Errorf("%w: table %s: %w", ErrDiscovery, table, err)
			}
			return nil
		case *split.SnapshotSplit:
			if j.appendPending(v) {
				added++
				if err := j.checkpoint("split appended"); err != nil {
					return fmt.Errorf("%w: table %s: %w", ErrDiscovery, table, err)
				}
			}
		default:
			return fmt.Errorf("%w: table %s: unexpected split %T", ErrDiscovery, table, s)
		}
	}

	j.removeRemainingTable(table)
	if err := j.checkpoint("table split"); err != nil {
		return fmt.Errorf("%w: table %s: %w", ErrDiscovery, table, err)
	}

	if j.deps.Observer != nil {
		j.deps.Observer.SplitsDiscovered(j.id, added)
	}
	log.Info().
		Int64("job_id", int64(j.id)).
		Str("table", table).
		Int("splits", added).
		Msg("Table split")
	return nil
}

// assignBinlogSplit records the binlog split. It supersedes every table that
// has not been split yet.
func (j *Job) assignBinlogSplit(s *split.BinlogSplit) error {
	if n := j.pendingLen(); n > 0 {
		log.Warn().Int64("job_id", int64(j.id)).Int("pending", n).Msg("Binlog split discovered while snapshot splits are pending")
	}
	if len(s.Offset) > 0 {
		o := s.Offset.Clone()
		j.currentBinlogOffset.Store(&o)
	}
	j.binlogAssigned.Store(true)
	j.clearRemainingTables()
	if err := j.checkpoint("binlog split discovered"); err != nil {
		return err
	}

	if j.deps.Observer != nil {
		j.deps.Observer.SplitsDiscovered(j.id, 1)
		j.deps.Observer.BinlogCutover(j.id)
	}
	log.Info().Int64("job_id", int64(j.id)).Msg("Binlog split assigned by discovery")
	return nil
}

func (j *Job) failDiscovery(err error) {
	j.SetLastError(err.Error())
	if j.deps.Observer != nil {
		j.deps.Observer.DiscoveryFailed(j.id)
	}
	log.Error().Err(err).Int64("job_id", int64(j.id)).Msg("Split discovery failed, pausing job")

	if uerr := j.UpdateStatus(context.Background(), types.JobPaused); uerr != nil && !errors.Is(uerr, ErrJobStopped) {
		log.Error().Err(uerr).Int64("job_id", int64(j.id)).Msg("Failed to pause job after discovery error")
	}
}
