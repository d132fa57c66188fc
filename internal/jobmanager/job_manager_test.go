package jobmanager

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ChuLiYu/cdc-scheduler/internal/cdcjob"
	"github.com/ChuLiYu/cdc-scheduler/internal/source"
	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func testDeps() cdcjob.Deps {
	sim := source.NewSimulator()
	dir := worker.NewDirectory(worker.Handle{ID: 1, Host: "127.0.0.1", Port: 9070})
	return cdcjob.Deps{Reader: source.NewLocalReader(sim), Workers: dir}
}

// newTestJob creates a test Job
func newTestJob(t *testing.T, id types.JobID, name string) *cdcjob.Job {
	t.Helper()
	j, err := cdcjob.New(cdcjob.Spec{
		ID:     id,
		Name:   name,
		Tables: []string{"shop.orders"},
		Config: map[string]string{
			types.ConfigHost:         "127.0.0.1",
			types.ConfigPort:         "3306",
			types.ConfigUsername:     "root",
			types.ConfigDatabaseName: "shop",
		},
		HistoryRetention: 5,
	}, testDeps())
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return j
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewJobManager(t *testing.T) {
	jm := NewJobManager()

	if jm.jobs == nil || jm.names == nil {
		t.Fatal("maps not initialized")
	}
	if jm.Len() != 0 {
		t.Errorf("Len: got %d, want 0", jm.Len())
	}
	if id := jm.NextID(); id != 1 {
		t.Errorf("first id: got %d, want 1", id)
	}
	if id := jm.NextID(); id != 2 {
		t.Errorf("second id: got %d, want 2", id)
	}
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*testing.T, *JobManager)
		id      types.JobID
		jobName string
		wantErr error
	}{
		{
			name:    "Normal register",
			setup:   func(*testing.T, *JobManager) {},
			id:      1,
			jobName: "a",
		},
		{
			name:    "Register second job",
			setup:   func(t *testing.T, jm *JobManager) { jm.Register(newTestJob(t, 1, "a")) },
			id:      2,
			jobName: "b",
		},
		{
			name:    "Duplicate id",
			setup:   func(t *testing.T, jm *JobManager) { jm.Register(newTestJob(t, 1, "a")) },
			id:      1,
			jobName: "b",
			wantErr: ErrDuplicateJob,
		},
		{
			name:    "Duplicate name",
			setup:   func(t *testing.T, jm *JobManager) { jm.Register(newTestJob(t, 1, "a")) },
			id:      2,
			jobName: "a",
			wantErr: ErrDuplicateJob,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := NewJobManager()
			tt.setup(t, jm)

			err := jm.Register(newTestJob(t, tt.id, tt.jobName))
			if tt.wantErr != nil {
				assertError(t, err, tt.wantErr)
				return
			}
			assertNoError(t, err)
			if _, err := jm.Get(tt.id); err != nil {
				t.Errorf("job %d not registered: %v", tt.id, err)
			}
			if j, err := jm.GetByName(tt.jobName); err != nil || j.ID() != tt.id {
				t.Errorf("name index broken for %q", tt.jobName)
			}
		})
	}
}

func TestRegisterAdvancesNextID(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.Register(newTestJob(t, 10, "a")))
	if id := jm.NextID(); id != 11 {
		t.Errorf("NextID after explicit id 10: got %d, want 11", id)
	}
}

func TestAdvanceNextID(t *testing.T) {
	jm := NewJobManager()
	jm.AdvanceNextID(7)
	jm.AdvanceNextID(3) // never moves backwards
	if id := jm.NextID(); id != 7 {
		t.Errorf("NextID after AdvanceNextID(7): got %d, want 7", id)
	}
}

func TestUnregister(t *testing.T) {
	jm := NewJobManager()
	j := newTestJob(t, 1, "a")
	assertNoError(t, jm.Register(j))

	got, err := jm.Unregister(context.Background(), 1)
	assertNoError(t, err)
	if got != j {
		t.Error("Unregister returned a different job")
	}
	if got.Status() != types.JobStopped {
		t.Errorf("status after unregister: got %s, want STOPPED", got.Status())
	}

	_, err = jm.Get(1)
	assertError(t, err, ErrJobNotFound)
	_, err = jm.GetByName("a")
	assertError(t, err, ErrJobNotFound)

	_, err = jm.Unregister(context.Background(), 1)
	assertError(t, err, ErrJobNotFound)

	// the name is free again
	assertNoError(t, jm.Register(newTestJob(t, 2, "a")))
}

func TestListSortedAndStats(t *testing.T) {
	jm := NewJobManager()
	for _, id := range []types.JobID{3, 1, 2} {
		assertNoError(t, jm.Register(newTestJob(t, id, "job-"+id.String())))
	}
	j2, _ := jm.Get(2)
	assertNoError(t, j2.UpdateStatus(context.Background(), types.JobPaused))

	list := jm.List()
	for i, want := range []types.JobID{1, 2, 3} {
		if list[i].ID() != want {
			t.Errorf("List[%d]: got %d, want %d", i, list[i].ID(), want)
		}
	}

	stats := jm.Stats()
	if stats[types.JobRunning] != 2 || stats[types.JobPaused] != 1 || stats[types.JobStopped] != 0 {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func TestReadyJobs(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.Register(newTestJob(t, 1, "a")))

	// nothing discovered yet
	if n := len(jm.ReadyJobs()); n != 0 {
		t.Errorf("ReadyJobs before discovery: got %d, want 0", n)
	}
}

func TestSnapshotRestore(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.Register(newTestJob(t, 1, "a")))
	assertNoError(t, jm.Register(newTestJob(t, 5, "b")))
	j, _ := jm.Get(5)
	assertNoError(t, j.UpdateStatus(context.Background(), types.JobPaused))

	data, err := jm.Snapshot()
	assertNoError(t, err)
	if data.SchemaVer != SchemaVersion || len(data.Jobs) != 2 || data.NextJobID != 6 {
		t.Fatalf("unexpected snapshot header: ver=%d jobs=%d next=%d", data.SchemaVer, len(data.Jobs), data.NextJobID)
	}

	restored := NewJobManager()
	assertNoError(t, restored.Restore(data, testDeps()))
	if restored.Len() != 2 {
		t.Fatalf("restored Len: got %d, want 2", restored.Len())
	}
	rb, err := restored.GetByName("b")
	assertNoError(t, err)
	if rb.Status() != types.JobPaused {
		t.Errorf("restored status: got %s, want PAUSED", rb.Status())
	}
	if id := restored.NextID(); id != 6 {
		t.Errorf("restored NextID: got %d, want 6", id)
	}

	bad := data
	bad.SchemaVer = 99
	assertError(t, restored.Restore(bad, testDeps()), ErrIncompatibleVersion)
}

func TestApplyRecordAndForget(t *testing.T) {
	jm := NewJobManager()
	src := newTestJob(t, 3, "a")
	rec, err := src.Snapshot()
	assertNoError(t, err)

	assertNoError(t, jm.ApplyRecord(3, rec, testDeps()))
	assertNoError(t, jm.ApplyRecord(3, rec, testDeps()))
	if jm.Len() != 1 {
		t.Errorf("Len after replaying twice: got %d, want 1", jm.Len())
	}
	if err := jm.ApplyRecord(4, rec, testDeps()); err == nil {
		t.Error("expected id mismatch error")
	}

	jm.Forget(3)
	_, err = jm.Get(3)
	assertError(t, err, ErrJobNotFound)
	if id := jm.NextID(); id != 4 {
		t.Errorf("NextID after forget: got %d, want 4", id)
	}
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentRegister(t *testing.T) {
	jm := NewJobManager()
	const n = 50

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := jm.NextID()
			j, err := cdcjob.New(cdcjob.Spec{
				ID:     id,
				Name:   "job-" + id.String(),
				Tables: []string{"t"},
				Config: map[string]string{
					types.ConfigHost:         "h",
					types.ConfigPort:         "3306",
					types.ConfigUsername:     "u",
					types.ConfigDatabaseName: "d",
				},
			}, testDeps())
			if err != nil {
				errs <- err
				return
			}
			errs <- jm.Register(j)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assertNoError(t, err)
	}
	if jm.Len() != n {
		t.Errorf("Len: got %d, want %d", jm.Len(), n)
	}
}
