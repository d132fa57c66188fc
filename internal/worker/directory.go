package worker

import (
	"errors"
	"sort"
	"sync"

	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// ErrNoWorkerAvailable is returned by Select when the candidate pool is empty.
var ErrNoWorkerAvailable = errors.New("NO_WORKER_AVAILABLE: no scanner worker is registered")

// Directory holds the candidate scanner workers.
// Selection is deterministic: the same candidate set and job id always give
// the same worker.
type Directory struct {
	mu         sync.RWMutex
	candidates []Handle // sorted by ID
}

// NewDirectory creates a directory seeded with handles.
func NewDirectory(handles ...Handle) *Directory {
	d := &Directory{}
	d.Set(handles)
	return d
}

// Set replaces the candidate set.
func (d *Directory) Set(handles []Handle) {
	cp := make([]Handle, len(handles))
	copy(cp, handles)
	sort.Slice(cp, func(i, j int) bool { return cp[i].ID < cp[j].ID })

	d.mu.Lock()
	d.candidates = cp
	d.mu.Unlock()
}

// Add registers a handle, replacing any handle with the same ID.
func (d *Directory) Add(h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := make([]Handle, 0, len(d.candidates)+1)
	for _, c := range d.candidates {
		if c.ID != h.ID {
			next = append(next, c)
		}
	}
	next = append(next, h)
	sort.Slice(next, func(i, j int) bool { return next[i].ID < next[j].ID })
	d.candidates = next
}

// Remove drops the handle with the given ID.
func (d *Directory) Remove(id types.WorkerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, c := range d.candidates {
		if c.ID == id {
			d.candidates = append(d.candidates[:i:i], d.candidates[i+1:]...)
			return
		}
	}
}

// Select picks candidates[jobID mod n].
func (d *Directory) Select(jobID types.JobID) (Handle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := int64(len(d.candidates))
	if n == 0 {
		return Handle{}, ErrNoWorkerAvailable
	}
	idx := int64(jobID) % n
	if idx < 0 {
		idx += n
	}
	return d.candidates[idx], nil
}

// List returns a copy of the candidates in selection order.
func (d *Directory) List() []Handle {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Handle, len(d.candidates))
	copy(out, d.candidates)
	return out
}

// Len returns the number of candidates.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.candidates)
}
