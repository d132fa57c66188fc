// Package split models the units of change-capture work handed out by a CDC job.
//
// A Split is either a *SnapshotSplit (a bounded key range of one table) or a
// *BinlogSplit (the single unbounded tail of the change stream). The set of
// variants is closed: consumers switch over the concrete type and treat any
// other value as a programming error.
package split

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// Kind tags the split variant.
type Kind uint8

const (
	KindSnapshot Kind = iota + 1
	KindBinlog
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindBinlog:
		return "binlog"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Split is implemented by *SnapshotSplit and *BinlogSplit only.
type Split interface {
	ID() string
	Kind() Kind
	sealed()
}

// SnapshotSplit is a bounded key range of one table.
// Everything but HighWatermark is fixed at discovery time.
type SnapshotSplit struct {
	SplitID       string       `json:"splitId" msgpack:"split_id"`
	TableID       string       `json:"tableId" msgpack:"table_id"`
	SplitKey      string       `json:"splitKey,omitempty" msgpack:"split_key,omitempty"`
	SplitStart    string       `json:"splitStart,omitempty" msgpack:"split_start,omitempty"`
	SplitEnd      string       `json:"splitEnd,omitempty" msgpack:"split_end,omitempty"`
	HighWatermark types.Offset `json:"highWatermark,omitempty" msgpack:"high_watermark,omitempty"`
}

func (s *SnapshotSplit) ID() string { return s.SplitID }
func (s *SnapshotSplit) Kind() Kind { return KindSnapshot }
func (s *SnapshotSplit) sealed()    {}

// ToOffset builds the resume offset of a task reading this split.
// Absent bounds are left out so the reader sees an open range.
func (s *SnapshotSplit) ToOffset() types.Offset {
	o := types.Offset{
		types.KeySplitID: s.SplitID,
		"tableId":        s.TableID,
	}
	if s.SplitKey != "" {
		o["splitKey"] = s.SplitKey
	}
	if s.SplitStart != "" {
		o["splitStart"] = s.SplitStart
	}
	if s.SplitEnd != "" {
		o["splitEnd"] = s.SplitEnd
	}
	return o
}

// BinlogSplit is the stream tail. SplitID is always types.BinlogSplitID.
type BinlogSplit struct {
	SplitID string       `json:"splitId" msgpack:"split_id"`
	Offset  types.Offset `json:"offset,omitempty" msgpack:"offset,omitempty"`
}

// NewBinlogSplit returns the binlog split positioned at offset.
func NewBinlogSplit(offset types.Offset) *BinlogSplit {
	return &BinlogSplit{SplitID: types.BinlogSplitID, Offset: offset.Clone()}
}

func (s *BinlogSplit) ID() string { return s.SplitID }
func (s *BinlogSplit) Kind() Kind { return KindBinlog }
func (s *BinlogSplit) sealed()    {}

// IsBinlogID reports whether id is the reserved binlog split id.
func IsBinlogID(id string) bool {
	return id == types.BinlogSplitID
}

// ============================================================================
// 與 reader 之間的 JSON 表示
// ============================================================================

// Decode builds a split from one element of a reader's fetchSplits response.
// The splitId field decides the variant.
func Decode(m map[string]any) (Split, error) {
	id, _ := m[types.KeySplitID].(string)
	if id == "" {
		return nil, fmt.Errorf("split: missing %s", types.KeySplitID)
	}
	if IsBinlogID(id) {
		bs := &BinlogSplit{SplitID: id}
		if raw, ok := m["offset"].(map[string]any); ok {
			bs.Offset = stringMap(raw)
		}
		return bs, nil
	}
	ss := &SnapshotSplit{
		SplitID:    id,
		TableID:    stringify(m["tableId"]),
		SplitKey:   stringify(m["splitKey"]),
		SplitStart: stringify(m["splitStart"]),
		SplitEnd:   stringify(m["splitEnd"]),
	}
	if ss.TableID == "" {
		return nil, fmt.Errorf("split %s: missing tableId", id)
	}
	if raw, ok := m["highWatermark"].(map[string]any); ok {
		ss.HighWatermark = stringMap(raw)
	}
	return ss, nil
}

// DecodeList decodes a JSON array of splits.
func DecodeList(data []byte) ([]Split, error) {
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("split: decode list: %w", err)
	}
	out := make([]Split, 0, len(raw))
	for _, m := range raw {
		s, err := Decode(m)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// EncodeList is the inverse of DecodeList.
func EncodeList(splits []Split) ([]byte, error) {
	raw := make([]any, 0, len(splits))
	for _, s := range splits {
		switch v := s.(type) {
		case *SnapshotSplit:
			raw = append(raw, v)
		case *BinlogSplit:
			raw = append(raw, v)
		default:
			return nil, fmt.Errorf("split: unknown variant %T", s)
		}
	}
	return json.Marshal(raw)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func stringMap(raw map[string]any) types.Offset {
	out := make(types.Offset, len(raw))
	for k, v := range raw {
		out[k] = stringify(v)
	}
	return out
}
