package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

func sampleData() types.SnapshotData {
	return types.SnapshotData{
		LastSeq:   100,
		NextJobID: 4,
		Jobs: map[types.JobID][]byte{
			1: []byte("job-1-state"),
			3: []byte("job-3-state"),
		},
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.bin")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.bin", manager.GetPath())
	assert.False(t, manager.Exists())
}

func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "nested", "snapshot.bin")
	manager := NewManager(snapshotPath)

	original := sampleData()
	require.NoError(t, manager.Write(original))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, original.LastSeq, loaded.LastSeq)
	assert.Equal(t, original.NextJobID, loaded.NextJobID)
	assert.Equal(t, original.Jobs, loaded.Jobs)

	// 臨時檔案不應殘留
	_, err = os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissingFile(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "none.bin"))

	data, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), data.LastSeq)
	assert.Equal(t, types.JobID(1), data.NextJobID)
	assert.NotNil(t, data.Jobs)
	assert.Empty(t, data.Jobs)
}

func TestWriteEmptyJobs(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.bin"))
	require.NoError(t, manager.Write(types.SnapshotData{LastSeq: 7}))

	data, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), data.LastSeq)
	assert.NotNil(t, data.Jobs)
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

func TestLoadCorruptedSnapshot(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{"wrong header", []byte("not a snapshot")},
		{"truncated body", append([]byte("CDCS"), 0x28, 0xb5)},
		{"empty", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "snapshot.bin")
			require.NoError(t, os.WriteFile(path, tt.content, 0o644))

			_, err := NewManager(path).Load()
			assert.ErrorIs(t, err, ErrCorruptedSnapshot)
		})
	}
}

func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.bin")

	raw, err := msgpack.Marshal(&types.SnapshotData{SchemaVer: 99})
	require.NoError(t, err)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	content := append([]byte("CDCS"), enc.EncodeAll(raw, nil)...)
	enc.Close()
	require.NoError(t, os.WriteFile(path, content, 0o644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// ============================================================================
// 備份與並發測試
// ============================================================================

func TestWriteWithBackupPrunesOldCopies(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.bin"))

	for i := 0; i < 4; i++ {
		data := sampleData()
		data.LastSeq = uint64(i)
		require.NoError(t, manager.WriteWithBackup(data, 2))
		time.Sleep(2 * time.Millisecond)
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	data, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), data.LastSeq)
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.bin"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			data := sampleData()
			data.LastSeq = seq
			assert.NoError(t, manager.Write(data))
		}(uint64(i))
	}
	wg.Wait()

	data, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, data.Jobs, 2)
}
