package cdcjob

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/cdc-scheduler/internal/split"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// ApplyOffset folds a task's finish offset into the job.
//
// A binlog offset replaces the current one unless it is behind it. A snapshot
// offset finishes its split, which must have been assigned; applying the same
// snapshot offset twice leaves the job unchanged.
func (j *Job) ApplyOffset(offset types.Offset) error {
	if len(offset) == 0 {
		return nil
	}
	id := offset.SplitID()
	if id == "" {
		log.Warn().Int64("job_id", int64(j.id)).Msg("Offset without split id ignored")
		return nil
	}

	o := offset.Clone()
	if raw, ok := o[types.KeyPureBinlogPhase]; ok {
		delete(o, types.KeyPureBinlogPhase)
		if pure, err := strconv.ParseBool(raw); err == nil && (!pure || j.binlogAssigned.Load()) {
			j.pureBinlogPhase.Store(pure)
		}
	}

	if split.IsBinlogID(id) {
		j.applyBinlogOffset(o)
	} else if err := j.applySnapshotOffset(id, o); err != nil {
		return err
	}

	return j.checkpoint("offset applied")
}

func (j *Job) applyBinlogOffset(o types.Offset) {
	if cur := j.currentBinlogOffset.Load(); cur != nil {
		curPos, ok1 := split.ParsePosition(*cur)
		nextPos, ok2 := split.ParsePosition(o)
		if ok1 && ok2 && nextPos.Compare(curPos) < 0 {
			log.Warn().
				Int64("job_id", int64(j.id)).
				Str("current", curPos.String()).
				Str("stale", nextPos.String()).
				Msg("Stale binlog offset ignored")
			return
		}
	}
	j.currentBinlogOffset.Store(&o)
}

func (j *Job) applySnapshotOffset(id string, o types.Offset) error {
	assigned, ok := j.assignedSplits.Load(id)
	if !ok {
		return fmt.Errorf("%w: job %d finished split %s that was never assigned", ErrInvariantViolation, j.id, id)
	}

	// finish before pop: a concurrent checkpoint may see the split both
	// pending and finished, never neither
	j.finishedOffsets.Store(id, o)
	if assigned.HighWatermark == nil {
		done := *assigned
		done.HighWatermark = o.Clone()
		j.assignedSplits.Store(id, &done)
	}
	j.popPendingIf(id)
	return nil
}
