package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加 job 快照事件到日誌檔案（append-only, JSON lines）
// 2. 提供重放功能以恢復系統狀態
// 3. 支援日誌旋轉（快照後只保留尚未被快照涵蓋的事件）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號，旋轉後仍持續遞增
	syncOnAppend bool          // flush 後是否 fsync
	closed       bool

	buffer          []Event // 批次寫入事件緩衝區
	bufferSize      int
	lastFlushTime   time.Time
	flushInterval   time.Duration
	compressBackups bool // 旋轉出的備份檔以 zstd 壓縮
	keepBackups     int  // 保留的備份數，0 表示全部保留
}

// renameFile 可在測試中替換
var renameFile = os.Rename

// Option 調整 WAL 行為
type Option func(*WAL)

// WithBufferSize 設定緩衝事件數上限
func WithBufferSize(n int) Option {
	return func(w *WAL) {
		if n > 0 {
			w.bufferSize = n
		}
	}
}

// WithFlushInterval 設定非強制寫入的最長等待時間
func WithFlushInterval(d time.Duration) Option {
	return func(w *WAL) { w.flushInterval = d }
}

// WithCompressedBackups 旋轉時將備份檔壓縮為 .zst
func WithCompressedBackups(on bool) Option {
	return func(w *WAL) { w.compressBackups = on }
}

// WithKeepBackups 旋轉後只保留最近 n 份備份，n <= 0 表示全部保留
func WithKeepBackups(n int) Option {
	return func(w *WAL) { w.keepBackups = n }
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool, opts ...Option) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	var seq uint64
	if stat, err := os.Stat(path); err == nil && stat.Size() > 0 {
		if seq, err = recoverTail(path); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 64),
		bufferSize:    64,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 先寫入 buffer，強制、buffer 滿或超時才 flush
func (w *WAL) Append(eventType EventType, jobID types.JobID, payload []byte, isForceFlush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     jobID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
	event.Checksum = CalculateChecksum(eventType, jobID, w.seq, payload)
	w.buffer = append(w.buffer, event)

	if isForceFlush || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval {
		return w.flushLocked()
	}
	return nil
}

// AppendJobSnapshot 寫入一個 job 的完整狀態，立即 flush
func (w *WAL) AppendJobSnapshot(jobID types.JobID, data []byte) error {
	return w.Append(EventJobSnapshot, jobID, data, true)
}

// AppendJobDrop 記錄 job 已被移除
func (w *WAL) AppendJobDrop(jobID types.JobID) error {
	return w.Append(EventJobDrop, jobID, nil, true)
}

// Replay 重放所有 WAL 事件
func (w *WAL) Replay(handler EventHandler) error {
	return w.ReplayFrom(0, handler)
}

// ReplayFrom 重放 seq 大於 afterSeq 的事件
//
// 行為：
// - 先 flush buffer，再從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件，遇到錯誤立即停止
// - 檔尾寫到一半的紀錄視為未寫入
func (w *WAL) ReplayFrom(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	torn, _, err := scanEvents(file, func(event Event) error {
		if !VerifyChecksum(event) {
			return &ChecksumError{
				Seq:      event.Seq,
				Expected: CalculateChecksum(event.Type, event.JobID, event.Seq, event.Payload),
				Actual:   event.Checksum,
			}
		}
		if event.Seq <= afterSeq {
			return nil
		}
		return handler(event)
	})
	if torn {
		log.Warn().Str("path", w.path).Msg("WAL ends with a partial record, ignoring it")
	}
	return err
}

// Rotate 旋轉日誌檔案
//
// 目前檔案改名為帶時間戳的備份，新檔案只保留 seq > upTo 的事件，
// 也就是尚未被快照涵蓋的部分。seq 不歸零。
// 失敗時原檔案會被還原並重新開啟，WAL 仍可繼續追加。
func (w *WAL) Rotate(upTo uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000")
	if err := renameFile(w.path, backupPath); err != nil {
		return w.reopenAfter(err)
	}

	kept, err := w.rewriteTail(backupPath, upTo)
	if err != nil {
		if rerr := renameFile(backupPath, w.path); rerr != nil {
			log.Error().Err(rerr).Str("backup", backupPath).Msg("Failed to restore WAL from backup")
		}
		return w.reopenAfter(err)
	}

	if err := w.reopenAfter(nil); err != nil {
		return err
	}

	if w.compressBackups {
		if err := compressFile(backupPath, backupPath+".zst"); err != nil {
			log.Warn().Err(err).Str("backup", backupPath).Msg("Failed to compress WAL backup")
		} else if err := os.Remove(backupPath); err != nil {
			log.Warn().Err(err).Str("backup", backupPath).Msg("Failed to remove uncompressed WAL backup")
		}
	}
	if err := w.pruneBackups(); err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Failed to prune WAL backups")
	}

	log.Info().
		Str("path", w.path).
		Uint64("up_to", upTo).
		Int("kept", kept).
		Msg("WAL rotated")
	return nil
}

// reopenAfter 重新開啟 w.path 作為追加目標，回傳 cause 或開檔錯誤
func (w *WAL) reopenAfter(cause error) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		// 無法寫入的 WAL 不能再接受事件
		w.closed = true
		log.Error().Err(err).Str("path", w.path).Msg("Failed to reopen WAL, closing it")
		if cause != nil {
			return fmt.Errorf("%w (reopen: %v)", cause, err)
		}
		return err
	}
	w.file = f
	w.encoder = json.NewEncoder(f)
	w.lastFlushTime = time.Now()
	return cause
}

// Backups 依時間由舊到新列出旋轉出的備份檔（含 .zst）
func (w *WAL) Backups() ([]string, error) {
	matches, err := filepath.Glob(w.path + ".2*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (w *WAL) pruneBackups() error {
	if w.keepBackups <= 0 {
		return nil
	}
	backups, err := w.Backups()
	if err != nil {
		return err
	}
	for len(backups) > w.keepBackups {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return err
		}
		backups = backups[1:]
	}
	return nil
}

// rewriteTail 將備份中 seq > upTo 的事件寫入新的 WAL 檔案
func (w *WAL) rewriteTail(backupPath string, upTo uint64) (int, error) {
	src, err := os.Open(backupPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmp := w.path + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(dst)

	kept := 0
	_, _, err = scanEvents(src, func(event Event) error {
		if event.Seq <= upTo {
			return nil
		}
		kept++
		return enc.Encode(event)
	})
	if err == nil {
		err = dst.Sync()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := renameFile(tmp, w.path); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return kept, nil
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入，必要時同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return fmt.Errorf("wal: write seq=%d: %w", event.Seq, err)
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync: %w", err)
		}
	}
	return nil
}

// compressFile 以 zstd 壓縮檔案
func compressFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close()
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		dst.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
