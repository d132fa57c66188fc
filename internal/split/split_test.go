package split

import (
	"testing"

	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		input    map[string]any
		wantKind Kind
		wantErr  bool
	}{
		{
			name:     "snapshot split",
			input:    map[string]any{"splitId": "db.t1:0", "tableId": "db.t1", "splitKey": "id", "splitEnd": []any{100}},
			wantKind: KindSnapshot,
		},
		{
			name:     "binlog split",
			input:    map[string]any{"splitId": types.BinlogSplitID, "offset": map[string]any{"file": "mysql-bin.000001", "pos": 4}},
			wantKind: KindBinlog,
		},
		{
			name:    "missing split id",
			input:   map[string]any{"tableId": "db.t1"},
			wantErr: true,
		},
		{
			name:    "snapshot without table",
			input:   map[string]any{"splitId": "x"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Decode(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, s.Kind())
		})
	}
}

func TestDecodeNonStringFields(t *testing.T) {
	s, err := Decode(map[string]any{
		"splitId":  "db.t1:1",
		"tableId":  "db.t1",
		"splitEnd": []any{float64(200)},
	})
	require.NoError(t, err)

	ss, ok := s.(*SnapshotSplit)
	require.True(t, ok)
	assert.Equal(t, "[200]", ss.SplitEnd)

	b, err := Decode(map[string]any{
		"splitId": types.BinlogSplitID,
		"offset":  map[string]any{"file": "mysql-bin.000002", "pos": float64(154)},
	})
	require.NoError(t, err)
	assert.Equal(t, "154", b.(*BinlogSplit).Offset["pos"])
}

func TestEncodeDecodeList(t *testing.T) {
	in := []Split{
		&SnapshotSplit{SplitID: "db.t1:0", TableID: "db.t1", SplitKey: "id", SplitEnd: "[10]"},
		&SnapshotSplit{SplitID: "db.t1:1", TableID: "db.t1", SplitKey: "id", SplitStart: "[10]"},
	}
	data, err := EncodeList(in)
	require.NoError(t, err)

	out, err := DecodeList(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSnapshotSplitToOffset(t *testing.T) {
	s := &SnapshotSplit{SplitID: "db.t1:0", TableID: "db.t1", SplitKey: "id", SplitEnd: "[10]"}
	o := s.ToOffset()

	assert.Equal(t, "db.t1:0", o.SplitID())
	assert.Equal(t, "db.t1", o["tableId"])
	assert.Equal(t, "[10]", o["splitEnd"])
	_, hasStart := o["splitStart"]
	assert.False(t, hasStart, "open lower bound must be omitted")
}

func TestPositionCompare(t *testing.T) {
	tests := []struct {
		a, b BinlogPosition
		want int
	}{
		{BinlogPosition{"mysql-bin.000001", 4}, BinlogPosition{"mysql-bin.000001", 4}, 0},
		{BinlogPosition{"mysql-bin.000001", 4}, BinlogPosition{"mysql-bin.000001", 120}, -1},
		{BinlogPosition{"mysql-bin.000002", 4}, BinlogPosition{"mysql-bin.000001", 900}, 1},
		{BinlogPosition{"mysql-bin.000009", 4}, BinlogPosition{"mysql-bin.000010", 4}, -1},
		{BinlogPosition{"a", 1}, BinlogPosition{"b", 1}, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.a.Compare(tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestParsePosition(t *testing.T) {
	p, ok := ParsePosition(types.Offset{"file": "mysql-bin.000003", "pos": "77"})
	require.True(t, ok)
	assert.Equal(t, BinlogPosition{File: "mysql-bin.000003", Pos: 77}, p)
	assert.Equal(t, types.Offset{"file": "mysql-bin.000003", "pos": "77"}, p.Offset())

	_, ok = ParsePosition(types.Offset{"file": "mysql-bin.000003"})
	assert.False(t, ok)
	_, ok = ParsePosition(types.Offset{"file": "f", "pos": "abc"})
	assert.False(t, ok)
}

func TestBookkeepingCodec(t *testing.T) {
	assigned := map[string]*SnapshotSplit{
		"db.t1:0": {SplitID: "db.t1:0", TableID: "db.t1"},
	}
	s, err := EncodeAssigned(assigned)
	require.NoError(t, err)
	back, err := DecodeAssigned(s)
	require.NoError(t, err)
	assert.Equal(t, assigned, back)

	finished := map[string]types.Offset{"db.t1:0": {"file": "mysql-bin.000001", "pos": "10"}}
	f, err := EncodeFinished(finished)
	require.NoError(t, err)
	fb, err := DecodeFinished(f)
	require.NoError(t, err)
	assert.Equal(t, finished, fb)

	empty, err := DecodeFinished("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
