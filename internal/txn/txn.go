// Package txn is a small in-process transaction coordinator. Participants
// register a Listener when a transaction begins and receive the commit and
// abort callbacks in order.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

var (
	// ErrTransactionRejected is returned by Commit when a listener refused it.
	ErrTransactionRejected = errors.New("TRANSACTION_REJECTED")
	// ErrUnknownTransaction is returned for ids that were never begun or
	// were already finished and forgotten.
	ErrUnknownTransaction = errors.New("unknown transaction")
	// ErrNotPrepared is returned when committing or aborting a finished transaction.
	ErrNotPrepared = errors.New("transaction is not in PREPARE state")
)

// Status of a transaction.
type Status string

const (
	StatusPrepare   Status = "PREPARE"
	StatusCommitted Status = "COMMITTED"
	StatusAborted   Status = "ABORTED"
)

// State is the view of a transaction handed to listeners.
type State struct {
	ID         int64
	DBID       int64
	Label      string
	Status     Status
	Reason     string
	BeginTime  time.Time
	FinishTime time.Time
}

// Listener receives transaction state changes. Before* hooks may veto by
// returning an error; After* and replay hooks only observe.
type Listener interface {
	BeforeCommit(state *State) error
	AfterCommit(state *State, committed bool) error
	BeforeAbort(state *State) error
	AfterAbort(state *State, aborted bool, reason string) error
	ReplayOnCommitted(state *State)
	ReplayOnAborted(state *State)
}

type entry struct {
	mu       sync.Mutex
	state    State
	listener Listener
	done     atomic.Bool
}

func (e *entry) snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *entry) finish(status Status, reason string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Status = status
	e.state.Reason = reason
	e.state.FinishTime = time.Now()
	return e.state
}

// Manager coordinates transactions.
type Manager struct {
	nextID atomic.Int64
	txns   *xsync.MapOf[int64, *entry]
	labels *xsync.MapOf[string, int64]
}

// NewManager creates an empty coordinator.
func NewManager() *Manager {
	return &Manager{
		txns:   xsync.NewMapOf[int64, *entry](),
		labels: xsync.NewMapOf[string, int64](),
	}
}

// Begin opens a transaction in PREPARE state. Labels are unique among
// transactions the manager still tracks.
func (m *Manager) Begin(dbID int64, label string, l Listener) (int64, error) {
	if l == nil {
		return 0, errors.New("txn: nil listener")
	}
	id := m.nextID.Add(1)
	if prev, loaded := m.labels.LoadOrStore(label, id); loaded {
		return 0, fmt.Errorf("txn: label %q already used by transaction %d", label, prev)
	}
	m.txns.Store(id, &entry{
		state: State{
			ID:        id,
			DBID:      dbID,
			Label:     label,
			Status:    StatusPrepare,
			BeginTime: time.Now(),
		},
		listener: l,
	})
	log.Debug().Int64("txn_id", id).Str("label", label).Msg("Transaction begun")
	return id, nil
}

// Commit runs BeforeCommit, marks the transaction COMMITTED and runs
// AfterCommit. A BeforeCommit error aborts the transaction and is returned
// wrapped in ErrTransactionRejected.
func (m *Manager) Commit(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, ok := m.txns.Load(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTransaction, id)
	}
	if !e.done.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %d is %s", ErrNotPrepared, id, e.snapshot().Status)
	}

	state := e.snapshot()
	if err := e.listener.BeforeCommit(&state); err != nil {
		m.finishAbort(e, "commit rejected: "+err.Error())
		return fmt.Errorf("%w: txn %d: %w", ErrTransactionRejected, id, err)
	}

	state = e.finish(StatusCommitted, "")
	if err := e.listener.AfterCommit(&state, true); err != nil {
		// the commit is durable at this point; the listener failing is its own problem
		log.Error().Err(err).Int64("txn_id", id).Msg("AfterCommit failed")
		return fmt.Errorf("txn %d after commit: %w", id, err)
	}
	return nil
}

// Abort runs BeforeAbort, marks the transaction ABORTED and runs AfterAbort.
func (m *Manager) Abort(id int64, reason string) error {
	e, ok := m.txns.Load(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTransaction, id)
	}
	if !e.done.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %d is %s", ErrNotPrepared, id, e.snapshot().Status)
	}
	state := e.snapshot()
	if err := e.listener.BeforeAbort(&state); err != nil {
		log.Warn().Err(err).Int64("txn_id", id).Msg("BeforeAbort failed, aborting anyway")
	}
	m.finishAbort(e, reason)
	return nil
}

func (m *Manager) finishAbort(e *entry, reason string) {
	state := e.finish(StatusAborted, reason)
	if err := e.listener.AfterAbort(&state, true, reason); err != nil {
		log.Warn().Err(err).Int64("txn_id", state.ID).Msg("AfterAbort failed")
	}
}

// Replay re-delivers the terminal state of a finished transaction to its
// listener, as happens when the edit log is replayed on restart.
func (m *Manager) Replay(id int64) error {
	e, ok := m.txns.Load(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTransaction, id)
	}
	state := e.snapshot()
	switch state.Status {
	case StatusCommitted:
		e.listener.ReplayOnCommitted(&state)
	case StatusAborted:
		e.listener.ReplayOnAborted(&state)
	default:
		return fmt.Errorf("%w: %d", ErrNotPrepared, id)
	}
	return nil
}

// Get returns a copy of the transaction state.
func (m *Manager) Get(id int64) (State, bool) {
	e, ok := m.txns.Load(id)
	if !ok {
		return State{}, false
	}
	return e.snapshot(), true
}

// Forget drops a finished transaction so its label can be reused.
func (m *Manager) Forget(id int64) {
	e, ok := m.txns.Load(id)
	if !ok || !e.done.Load() {
		return
	}
	m.txns.Delete(id)
	m.labels.Delete(e.snapshot().Label)
}

// Len returns the number of tracked transactions.
func (m *Manager) Len() int {
	return m.txns.Size()
}
