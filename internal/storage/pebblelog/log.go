// Package pebblelog keeps the latest persisted state of every job in a Pebble
// database. It is the key-value alternative to the append-only WAL: instead
// of replaying a history of records, recovery reads one record per job.
package pebblelog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// Key layout
const (
	prefixJob  = "/job/"    // /job/{20-digit-zero-padded-id} -> zstd(job record)
	keyNextJob = "/nextjob" // /nextjob -> uint64, smallest id never handed out
)

// Pebble tuning. Job records are small and rewritten often, so the memtable
// stays modest.
const (
	memTableSize             = 16 << 20
	l0CompactionThreshold    = 2
	l0StopWritesThreshold    = 12
	maxConcurrentCompactions = 2
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("pebblelog: closed")

// Log is a Pebble-backed job state store. It satisfies cdcjob.Persister.
type Log struct {
	db   *pebble.DB
	path string
	sync bool

	enc *zstd.Encoder
	dec *zstd.Decoder

	// serializes next-job bookkeeping; record writes themselves are independent
	metaMu  sync.Mutex
	nextJob types.JobID

	closed atomic.Bool
}

// Open creates or opens the store under dir. With syncWrites every write is
// fsynced before returning.
func Open(dir string, syncWrites bool) (*Log, error) {
	opts := &pebble.Options{
		MemTableSize:             memTableSize,
		L0CompactionThreshold:    l0CompactionThreshold,
		L0StopWritesThreshold:    l0StopWritesThreshold,
		MaxConcurrentCompactions: func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open job log at %s: %w", dir, err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, err
	}

	l := &Log{db: db, path: dir, sync: syncWrites, enc: enc, dec: dec, nextJob: 1}
	if err := l.loadNextJob(); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to load next job id: %w", err)
	}
	return l, nil
}

func (l *Log) writeOpts() *pebble.WriteOptions {
	if l.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (l *Log) loadNextJob() error {
	val, closer, err := l.db.Get([]byte(keyNextJob))
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid next job value length: %d", len(val))
	}
	l.nextJob = types.JobID(binary.LittleEndian.Uint64(val))
	return nil
}

// AppendJobSnapshot replaces the stored state of jobID.
func (l *Log) AppendJobSnapshot(jobID types.JobID, data []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(jobKey(jobID), l.enc.EncodeAll(data, nil), nil); err != nil {
		return fmt.Errorf("failed to write job %d: %w", jobID, err)
	}

	l.metaMu.Lock()
	defer l.metaMu.Unlock()
	if err := l.bumpNextJob(batch, jobID); err != nil {
		return err
	}
	if err := batch.Commit(l.writeOpts()); err != nil {
		return fmt.Errorf("failed to commit job %d: %w", jobID, err)
	}
	return nil
}

// AppendJobDrop removes jobID. Its id is never handed out again.
func (l *Log) AppendJobDrop(jobID types.JobID) error {
	if l.closed.Load() {
		return ErrClosed
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	if err := batch.Delete(jobKey(jobID), nil); err != nil {
		return fmt.Errorf("failed to delete job %d: %w", jobID, err)
	}

	l.metaMu.Lock()
	defer l.metaMu.Unlock()
	if err := l.bumpNextJob(batch, jobID); err != nil {
		return err
	}
	if err := batch.Commit(l.writeOpts()); err != nil {
		return fmt.Errorf("failed to commit drop of job %d: %w", jobID, err)
	}
	log.Debug().Int64("job_id", int64(jobID)).Msg("Job removed from pebble log")
	return nil
}

// bumpNextJob stages a next-job update when id is beyond it. Caller holds metaMu.
func (l *Log) bumpNextJob(batch *pebble.Batch, id types.JobID) error {
	if id < l.nextJob {
		return nil
	}
	l.nextJob = id + 1
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(l.nextJob))
	return batch.Set([]byte(keyNextJob), buf, nil)
}

// Get returns the stored state of one job.
func (l *Log) Get(jobID types.JobID) ([]byte, bool, error) {
	if l.closed.Load() {
		return nil, false, ErrClosed
	}

	val, closer, err := l.db.Get(jobKey(jobID))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	data, err := l.dec.DecodeAll(val, nil)
	if err != nil {
		return nil, false, fmt.Errorf("job %d: %w", jobID, err)
	}
	return data, true, nil
}

// Iterate calls fn for every stored job in ascending id order.
func (l *Log) Iterate(fn func(jobID types.JobID, data []byte) error) error {
	if l.closed.Load() {
		return ErrClosed
	}

	prefix := []byte(prefixJob)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		id, err := parseJobKey(iter.Key())
		if err != nil {
			return err
		}
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		data, err := l.dec.DecodeAll(val, nil)
		if err != nil {
			return fmt.Errorf("job %d: %w", id, err)
		}
		if err := fn(id, data); err != nil {
			return err
		}
	}
	return iter.Error()
}

// NextJobID returns the smallest job id that was never written or dropped.
func (l *Log) NextJobID() types.JobID {
	l.metaMu.Lock()
	defer l.metaMu.Unlock()
	return l.nextJob
}

// Path returns the database directory.
func (l *Log) Path() string {
	return l.path
}

// Close flushes and closes the database. Closing twice is a no-op.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.enc.Close()
	l.dec.Close()
	return l.db.Close()
}

func jobKey(id types.JobID) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixJob, int64(id)))
}

func parseJobKey(key []byte) (types.JobID, error) {
	s := strings.TrimPrefix(string(key), prefixJob)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pebblelog: bad job key %q", key)
	}
	return types.JobID(n), nil
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
