package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 xxhash64 校驗和
// ============================================================================

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// CalculateChecksum 計算事件的校驗和
//
// 涵蓋 Type + JobID + Seq + Payload
// 不包含 Timestamp
func CalculateChecksum(eventType EventType, jobID types.JobID, seq uint64, payload []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(string(eventType))

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(jobID))
	binary.BigEndian.PutUint64(buf[8:], seq)
	_, _ = d.Write(buf[:])
	_, _ = d.Write(payload)
	return d.Sum64()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Type, event.JobID, event.Seq, event.Payload)
}
