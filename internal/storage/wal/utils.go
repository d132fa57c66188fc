package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（讀取、驗證、修復、傾印）
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// scanEvents 逐行解析事件
//
// 最後一行若沒有換行且無法解析，視為寫到一半（torn write）並回傳 torn=true；
// 中間的壞行回傳 CorruptionError。end 是最後一個完整紀錄結束的位元組位置。
func scanEvents(r io.Reader, fn func(Event) error) (torn bool, end int64, err error) {
	br := bufio.NewReader(r)
	var offset int64
	var lastSeq uint64

	for {
		line, rerr := br.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var event Event
			if err := json.Unmarshal(trimmed, &event); err != nil {
				if rerr == io.EOF {
					return true, offset, nil
				}
				return false, offset, &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
			}
			if err := fn(event); err != nil {
				return false, offset, err
			}
			lastSeq = event.Seq
		}
		offset += int64(len(line))

		if rerr == io.EOF {
			return false, offset, nil
		}
		if rerr != nil {
			return false, offset, rerr
		}
	}
}

// openEvents 開啟 WAL 或旋轉出的備份檔（.zst 會自動解壓）
func openEvents(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".zst") {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &zstdFile{Decoder: dec, f: f}, nil
}

type zstdFile struct {
	*zstd.Decoder
	f *os.File
}

func (z *zstdFile) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}

func scanPath(path string, fn func(Event) error) (bool, error) {
	rc, err := openEvents(path)
	if err != nil {
		return false, err
	}
	defer rc.Close()
	torn, _, err := scanEvents(rc, fn)
	return torn, err
}

// recoverTail 回傳最後一個完整事件的 seq，並截掉檔尾寫到一半的紀錄
func recoverTail(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	var lastSeq uint64
	torn, end, err := scanEvents(f, func(e Event) error {
		lastSeq = e.Seq
		return nil
	})
	f.Close()
	if err != nil {
		return 0, err
	}
	if torn {
		log.Warn().Str("path", path).Int64("offset", end).Msg("Truncating partial WAL record")
		if err := os.Truncate(path, end); err != nil {
			return 0, err
		}
	}
	return lastSeq, nil
}

// ============================================================================
// 檔案操作輔助
// ============================================================================

// GetLastEvent 從 WAL 檔案讀取最後一個完整事件
//
// 回傳：
//
//	最後一個事件，檔案沒有任何完整事件時回傳 ErrEmptyWAL
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	_, err := scanPath(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	n := 0
	_, err := scanPath(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 嚴格遞增（旋轉後可能不從 1 開始）
func ValidateWAL(path string) error {
	var lastSeq uint64
	torn, err := scanPath(path, func(e Event) error {
		if !VerifyChecksum(e) {
			return &ChecksumError{
				Seq:      e.Seq,
				Expected: CalculateChecksum(e.Type, e.JobID, e.Seq, e.Payload),
				Actual:   e.Checksum,
			}
		}
		if e.Seq <= lastSeq {
			return fmt.Errorf("%w: seq %d after %d", ErrCorruptedWAL, e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		return nil
	})
	if err != nil {
		return err
	}
	if torn {
		return fmt.Errorf("%w: partial record after seq %d", ErrCorruptedWAL, lastSeq)
	}
	return nil
}

// ============================================================================
// WAL 修復工具
// ============================================================================

// RepairWAL 將 srcPath 中校驗通過的事件寫入 dstPath
//
// 與 ValidateWAL 不同，遇到壞行會跳過而不是停止；seq 保持原值。
// 回傳被丟棄的紀錄數。
func RepairWAL(srcPath, dstPath string) (int, error) {
	rc, err := openEvents(srcPath)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(dst)

	dropped := 0
	var lastSeq uint64
	br := bufio.NewReader(rc)
	for {
		line, rerr := br.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var e Event
			if json.Unmarshal(trimmed, &e) != nil || !VerifyChecksum(e) || e.Seq <= lastSeq {
				dropped++
			} else {
				if err := enc.Encode(e); err != nil {
					dst.Close()
					return dropped, err
				}
				lastSeq = e.Seq
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			dst.Close()
			return dropped, rerr
		}
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return dropped, err
	}
	return dropped, dst.Close()
}

// ============================================================================
// 除錯與診斷工具
// ============================================================================

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] JOB_SNAPSHOT job=3 at 2024-01-01T00:00:00Z payload=812B (checksum:0x12345678) OK
func DumpWAL(path string, w io.Writer) error {
	_, err := scanPath(path, func(e Event) error {
		state := "OK"
		if !VerifyChecksum(e) {
			state = "BAD-CHECKSUM"
		}
		_, err := fmt.Fprintf(w, "[Seq:%d] %s job=%d at %s payload=%dB (checksum:%#x) %s\n",
			e.Seq, e.Type, e.JobID,
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339),
			len(e.Payload), e.Checksum, state)
		return err
	})
	return err
}

// ============================================================================
// 統計與分析
// ============================================================================

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents    int               // 總事件數
	EventTypes     map[EventType]int // 各類型事件計數
	Jobs           int               // 出現過的 job 數
	FirstSeq       uint64            // 第一個事件的 seq
	LastSeq        uint64            // 最後一個事件的 seq
	TimeRange      [2]int64          // 時間範圍 [最早, 最晚]
	CorruptedCount int               // 校驗失敗事件數
	PayloadBytes   int64             // payload 總大小
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	jobs := make(map[int64]struct{})

	_, err := scanPath(path, func(e Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
			stats.TimeRange[0] = e.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		stats.TimeRange[1] = e.Timestamp
		stats.PayloadBytes += int64(len(e.Payload))
		jobs[int64(e.JobID)] = struct{}{}
		if !VerifyChecksum(e) {
			stats.CorruptedCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.Jobs = len(jobs)
	return stats, nil
}
