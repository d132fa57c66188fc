package pebblelog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "jobs")
	l, err := Open(dir, false)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, dir
}

func TestSnapshotReplacesPreviousState(t *testing.T) {
	l, _ := openTestLog(t)

	require.NoError(t, l.AppendJobSnapshot(1, []byte("v1")))
	require.NoError(t, l.AppendJobSnapshot(1, []byte("v2")))

	data, ok, err := l.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), data)

	_, ok, err = l.Get(2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIterateInIDOrder(t *testing.T) {
	l, _ := openTestLog(t)
	for _, id := range []types.JobID{12, 3, 100} {
		require.NoError(t, l.AppendJobSnapshot(id, []byte("job-"+id.String())))
	}

	var ids []types.JobID
	require.NoError(t, l.Iterate(func(id types.JobID, data []byte) error {
		ids = append(ids, id)
		assert.Equal(t, "job-"+id.String(), string(data))
		return nil
	}))
	assert.Equal(t, []types.JobID{3, 12, 100}, ids)
}

func TestDropKeepsIDReserved(t *testing.T) {
	l, dir := openTestLog(t)
	require.NoError(t, l.AppendJobSnapshot(1, []byte("a")))
	require.NoError(t, l.AppendJobSnapshot(5, []byte("b")))
	require.NoError(t, l.AppendJobDrop(5))
	assert.Equal(t, types.JobID(6), l.NextJobID())

	_, ok, err := l.Get(5)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Close())

	reopened, err := Open(dir, true)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, types.JobID(6), reopened.NextJobID())

	n := 0
	require.NoError(t, reopened.Iterate(func(types.JobID, []byte) error { n++; return nil }))
	assert.Equal(t, 1, n)
}

func TestClosedLog(t *testing.T) {
	l, _ := openTestLog(t)
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.AppendJobSnapshot(1, nil), ErrClosed)
	assert.ErrorIs(t, l.AppendJobDrop(1), ErrClosed)
	assert.NoError(t, l.Close())
}

func TestJobKeyRoundTrip(t *testing.T) {
	for _, id := range []types.JobID{0, 1, 1 << 40} {
		got, err := parseJobKey(jobKey(id))
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
	_, err := parseJobKey([]byte("/job/x"))
	assert.Error(t, err)
}
