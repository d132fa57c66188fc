package split

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// Offset keys of a binlog position.
const (
	KeyFile = "file"
	KeyPos  = "pos"
)

// BinlogPosition is the ordered part of a binlog offset.
type BinlogPosition struct {
	File string
	Pos  int64
}

// ParsePosition extracts the file/pos pair from an offset.
// ok is false when either key is missing or pos is not a number.
func ParsePosition(o types.Offset) (BinlogPosition, bool) {
	file, okFile := o[KeyFile]
	raw, okPos := o[KeyPos]
	if !okFile || !okPos || file == "" {
		return BinlogPosition{}, false
	}
	pos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return BinlogPosition{}, false
	}
	return BinlogPosition{File: file, Pos: pos}, true
}

// Offset renders the position back into offset keys.
func (p BinlogPosition) Offset() types.Offset {
	return types.Offset{KeyFile: p.File, KeyPos: strconv.FormatInt(p.Pos, 10)}
}

func (p BinlogPosition) String() string {
	return fmt.Sprintf("%s:%d", p.File, p.Pos)
}

// Compare orders positions by file sequence number, then by pos.
// Files are compared on their numeric suffix ("mysql-bin.000012") when both
// have one, lexically otherwise.
func (p BinlogPosition) Compare(other BinlogPosition) int {
	if c := compareFile(p.File, other.File); c != 0 {
		return c
	}
	switch {
	case p.Pos < other.Pos:
		return -1
	case p.Pos > other.Pos:
		return 1
	}
	return 0
}

func compareFile(a, b string) int {
	if a == b {
		return 0
	}
	na, okA := fileSeq(a)
	nb, okB := fileSeq(b)
	if okA && okB {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

func fileSeq(name string) (int64, bool) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return 0, false
	}
	n, err := strconv.ParseInt(name[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ============================================================================
// 快照階段簿記（assigned / finished）的序列化
// ============================================================================

// EncodeAssigned serializes the assigned split table for a binlog resume offset.
func EncodeAssigned(assigned map[string]*SnapshotSplit) (string, error) {
	b, err := json.Marshal(assigned)
	if err != nil {
		return "", fmt.Errorf("split: encode assigned: %w", err)
	}
	return string(b), nil
}

// DecodeAssigned is the inverse of EncodeAssigned.
func DecodeAssigned(s string) (map[string]*SnapshotSplit, error) {
	out := make(map[string]*SnapshotSplit)
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("split: decode assigned: %w", err)
	}
	return out, nil
}

// EncodeFinished serializes the finished offsets for a binlog resume offset.
func EncodeFinished(finished map[string]types.Offset) (string, error) {
	b, err := json.Marshal(finished)
	if err != nil {
		return "", fmt.Errorf("split: encode finished: %w", err)
	}
	return string(b), nil
}

// DecodeFinished is the inverse of EncodeFinished.
func DecodeFinished(s string) (map[string]types.Offset, error) {
	out := make(map[string]types.Offset)
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("split: decode finished: %w", err)
	}
	return out, nil
}
