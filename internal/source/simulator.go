package source

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/cdc-scheduler/internal/split"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// Simulator config keys. They ride along in the job config like any other
// reader option.
const (
	SimChunksPerTable = "simulate.chunks_per_table"
	SimRowsPerChunk   = "simulate.rows_per_chunk"
	SimEventsPerFetch = "simulate.events_per_fetch"
)

const (
	simBinlogFile = "mysql-bin.000001"
	simFirstPos   = 4
)

// Simulator is a deterministic Scanner used for dry runs and by the demo
// worker. It chunks each table into a fixed number of key ranges and models
// the binlog of every source server as a single growing file, so jobs reading
// the same server see the same positions.
type Simulator struct {
	mu      sync.Mutex
	started bool
	jobs    map[types.JobID]*simBinlog
	servers map[string]*simBinlog // key: source address
}

type simBinlog struct {
	head int64 // next binlog position
}

// NewSimulator returns an unarmed simulator.
func NewSimulator() *Simulator {
	return &Simulator{
		jobs:    make(map[types.JobID]*simBinlog),
		servers: make(map[string]*simBinlog),
	}
}

// Start arms the simulator. Calling it again is a no-op.
func (s *Simulator) Start(context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

// job returns the binlog of the job's source server. A config without a
// usable source is served by a shared local server.
func (s *Simulator) job(id types.JobID, cfg map[string]string) *simBinlog {
	if b, ok := s.jobs[id]; ok {
		return b
	}
	addr := "local"
	if mc, err := SourceConfig(cfg); err == nil {
		addr = mc.Addr
	}
	b, ok := s.servers[addr]
	if !ok {
		b = &simBinlog{head: simFirstPos}
		s.servers[addr] = b
	}
	s.jobs[id] = b
	return b
}

// FetchSplits returns the chunks of the requested table in initial mode and
// the binlog split otherwise.
func (s *Simulator) FetchSplits(_ context.Context, req DiscoverRequest) ([]split.Split, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, ErrScannerNotStarted
	}
	j := s.job(req.JobID, req.Config)

	mode := req.ScanMode
	if mode == "" {
		mode = ScanMode(req.Config)
	}
	if mode != types.ScanInitial {
		pos := j.head
		if mode == types.ScanEarliest {
			pos = simFirstPos
		}
		off := split.BinlogPosition{File: simBinlogFile, Pos: pos}.Offset()
		return []split.Split{split.NewBinlogSplit(off)}, nil
	}

	table := req.Config[types.KeySnapshotTable]
	if table == "" {
		return nil, fmt.Errorf("simulator: %s is required in initial mode", types.KeySnapshotTable)
	}
	chunks := intOption(req.Config, SimChunksPerTable, 2)
	rows := intOption(req.Config, SimRowsPerChunk, 100)

	out := make([]split.Split, 0, chunks)
	for i := int64(0); i < chunks; i++ {
		ss := &split.SnapshotSplit{
			SplitID:  fmt.Sprintf("%s:%d", table, i),
			TableID:  table,
			SplitKey: "id",
		}
		if i > 0 {
			ss.SplitStart = fmt.Sprintf("[%d]", i*rows)
		}
		if i < chunks-1 {
			ss.SplitEnd = fmt.Sprintf("[%d]", (i+1)*rows)
		}
		out = append(out, ss)
	}
	return out, nil
}

// FetchRecords reads one split.
//
// A snapshot split finishes at the current binlog head (its high watermark).
// The binlog split starts from the offset it carries, or from the lowest
// finished high watermark on the first read; the job stays out of the pure
// binlog phase until that start reaches the highest watermark.
func (s *Simulator) FetchRecords(_ context.Context, req FetchRequest) (*FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, ErrScannerNotStarted
	}
	j := s.job(req.JobID, req.Config)

	id := req.Offset.SplitID()
	if id == "" {
		return nil, fmt.Errorf("simulator: offset has no %s", types.KeySplitID)
	}

	if !split.IsBinlogID(id) {
		hw := split.BinlogPosition{File: simBinlogFile, Pos: j.head}.Offset()
		hw[types.KeySplitID] = id
		return &FetchResult{
			Records: intOption(req.Config, SimRowsPerChunk, 100),
			Offset:  hw,
		}, nil
	}

	finished, err := split.DecodeFinished(req.Offset[types.KeyFinishSplits])
	if err != nil {
		return nil, err
	}
	var low, high *split.BinlogPosition
	for _, o := range finished {
		p, ok := split.ParsePosition(o)
		if !ok {
			continue
		}
		if low == nil || p.Compare(*low) < 0 {
			pp := p
			low = &pp
		}
		if high == nil || p.Compare(*high) > 0 {
			pp := p
			high = &pp
		}
	}

	start := split.BinlogPosition{File: simBinlogFile, Pos: j.head}
	if low != nil {
		start = *low
	}
	if p, ok := split.ParsePosition(req.Offset); ok {
		start = p
	}
	pure := high == nil || start.Compare(*high) >= 0

	events := intOption(req.Config, SimEventsPerFetch, 10)
	next := split.BinlogPosition{File: start.File, Pos: start.Pos + events}
	if next.Pos > j.head {
		j.head = next.Pos
	}

	out := next.Offset()
	out[types.KeySplitID] = types.BinlogSplitID
	out[types.KeyPureBinlogPhase] = strconv.FormatBool(pure)

	log.Debug().
		Int64("job_id", int64(req.JobID)).
		Str("start", start.String()).
		Str("next", next.String()).
		Bool("pure_binlog", pure).
		Msg("Simulated binlog read")

	return &FetchResult{Records: events, Offset: out}, nil
}

// Close drops the job's state. The server binlog stays. Closing an unknown
// job reports ErrScannerClosed.
func (s *Simulator) Close(_ context.Context, jobID types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return ErrScannerClosed
	}
	delete(s.jobs, jobID)
	return nil
}

func intOption(cfg map[string]string, key string, def int64) int64 {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
