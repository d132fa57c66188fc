package txn

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu        sync.Mutex
	calls     []string
	rejectErr error
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) BeforeCommit(*State) error {
	r.add("beforeCommit")
	return r.rejectErr
}
func (r *recorder) AfterCommit(s *State, _ bool) error {
	r.add("afterCommit:" + string(s.Status))
	return nil
}
func (r *recorder) BeforeAbort(*State) error { r.add("beforeAbort"); return nil }
func (r *recorder) AfterAbort(s *State, _ bool, _ string) error {
	r.add("afterAbort:" + string(s.Status))
	return nil
}
func (r *recorder) ReplayOnCommitted(*State) { r.add("replayCommitted") }
func (r *recorder) ReplayOnAborted(*State)   { r.add("replayAborted") }

func TestCommitOrder(t *testing.T) {
	m := NewManager()
	rec := &recorder{}

	id, err := m.Begin(1, "label-1", rec)
	require.NoError(t, err)

	require.NoError(t, m.Commit(context.Background(), id))
	assert.Equal(t, []string{"beforeCommit", "afterCommit:COMMITTED"}, rec.calls)

	st, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusCommitted, st.Status)

	err = m.Commit(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotPrepared)
}

func TestCommitRejected(t *testing.T) {
	m := NewManager()
	veto := errors.New("task failed")
	rec := &recorder{rejectErr: veto}

	id, err := m.Begin(1, "label-1", rec)
	require.NoError(t, err)

	err = m.Commit(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransactionRejected)
	assert.ErrorIs(t, err, veto)
	assert.Equal(t, []string{"beforeCommit", "afterAbort:ABORTED"}, rec.calls)

	st, _ := m.Get(id)
	assert.Equal(t, StatusAborted, st.Status)
}

func TestAbortAndReplay(t *testing.T) {
	m := NewManager()
	rec := &recorder{}

	id, err := m.Begin(1, "label-1", rec)
	require.NoError(t, err)
	require.NoError(t, m.Abort(id, "user cancel"))
	require.NoError(t, m.Replay(id))

	assert.Equal(t, []string{"beforeAbort", "afterAbort:ABORTED", "replayAborted"}, rec.calls)
	st, _ := m.Get(id)
	assert.Equal(t, "user cancel", st.Reason)
}

func TestLabelsAndForget(t *testing.T) {
	m := NewManager()
	id, err := m.Begin(1, "dup", &recorder{})
	require.NoError(t, err)

	_, err = m.Begin(1, "dup", &recorder{})
	assert.Error(t, err)

	// still in PREPARE, cannot forget
	m.Forget(id)
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.Commit(context.Background(), id))
	m.Forget(id)
	assert.Equal(t, 0, m.Len())

	_, err = m.Begin(1, "dup", &recorder{})
	assert.NoError(t, err)
}

func TestUnknownTransaction(t *testing.T) {
	m := NewManager()
	assert.ErrorIs(t, m.Commit(context.Background(), 404), ErrUnknownTransaction)
	assert.ErrorIs(t, m.Abort(404, ""), ErrUnknownTransaction)
	assert.ErrorIs(t, m.Replay(404), ErrUnknownTransaction)

	_, err := m.Begin(1, "x", nil)
	assert.Error(t, err)
}
