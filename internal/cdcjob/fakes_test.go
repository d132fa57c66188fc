package cdcjob

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/ChuLiYu/cdc-scheduler/internal/source"
	"github.com/ChuLiYu/cdc-scheduler/internal/split"
	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

var testWorker = worker.Handle{ID: 7, Host: "10.0.0.7", Port: 9070}

// fakeReader serves scripted splits per table and echoes fetches.
type fakeReader struct {
	mu          sync.Mutex
	splits      map[string][]split.Split // key: table, "" for non-initial modes
	discoverErr map[string]error
	gate        map[string]chan struct{} // blocks discovery of a table until closed
	fetchErr    error
	closeErr    error

	discovered []string
	fetches    []source.FetchRequest
	arms       int
	closes     int
	binlogPos  int64
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		splits:      make(map[string][]split.Split),
		discoverErr: make(map[string]error),
		gate:        make(map[string]chan struct{}),
		binlogPos:   100,
	}
}

func (r *fakeReader) Arm(context.Context, worker.Handle) error {
	r.mu.Lock()
	r.arms++
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) DiscoverSplits(ctx context.Context, _ worker.Handle, req source.DiscoverRequest) ([]split.Split, error) {
	table := req.Config[types.KeySnapshotTable]

	r.mu.Lock()
	gate := r.gate[table]
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered = append(r.discovered, table)
	if err := r.discoverErr[table]; err != nil {
		return nil, err
	}
	if req.ScanMode != types.ScanInitial {
		return []split.Split{split.NewBinlogSplit(types.Offset{split.KeyFile: "mysql-bin.000003", split.KeyPos: "4"})}, nil
	}
	return r.splits[table], nil
}

func (r *fakeReader) FetchRecords(_ context.Context, _ worker.Handle, req source.FetchRequest) (*source.FetchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches = append(r.fetches, req)
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}

	id := req.Offset.SplitID()
	if split.IsBinlogID(id) {
		r.binlogPos += 10
		return &source.FetchResult{Records: 10, Offset: types.Offset{
			types.KeySplitID:         types.BinlogSplitID,
			split.KeyFile:            "mysql-bin.000001",
			split.KeyPos:             strconv.FormatInt(r.binlogPos, 10),
			types.KeyPureBinlogPhase: "true",
		}}, nil
	}
	return &source.FetchResult{Records: 100, Offset: types.Offset{
		types.KeySplitID: id,
		split.KeyFile:    "mysql-bin.000001",
		split.KeyPos:     "50",
	}}, nil
}

func (r *fakeReader) Close(context.Context, worker.Handle, types.JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return r.closeErr
}

func (r *fakeReader) discoveredTables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.discovered...)
}

type fakeSelector struct {
	err error
}

func (s fakeSelector) Select(types.JobID) (worker.Handle, error) {
	if s.err != nil {
		return worker.Handle{}, s.err
	}
	return testWorker, nil
}

type fakePersister struct {
	mu      sync.Mutex
	records [][]byte
	err     error
}

func (p *fakePersister) AppendJobSnapshot(_ types.JobID, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.records = append(p.records, data)
	return nil
}

func (p *fakePersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func (p *fakePersister) last() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.records) == 0 {
		return nil
	}
	return p.records[len(p.records)-1]
}

func snapshotSplits(table string, n int) []split.Split {
	out := make([]split.Split, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &split.SnapshotSplit{
			SplitID:  table + ":" + strconv.Itoa(i),
			TableID:  table,
			SplitKey: "id",
		})
	}
	return out
}

func testConfig(mode string) map[string]string {
	cfg := map[string]string{
		types.ConfigHost:         "127.0.0.1",
		types.ConfigPort:         "3306",
		types.ConfigUsername:     "cdc",
		types.ConfigPassword:     "cdc",
		types.ConfigDatabaseName: "shop",
	}
	if mode != "" {
		cfg[types.ConfigScanStartupMode] = mode
	}
	return cfg
}

var errBoom = errors.New("boom")
