package checkpoint

// ============================================================================
// Checkpoint 寫入器
// 職責：
// 1. 每個 checkpoint 結束後把結果列追加到結果表、把計時列追加到 log 表
// 2. 全新執行的第一個 checkpoint 建立檔案並寫入表頭（覆蓋舊檔）
// 3. 每次寫入後 flush + fsync，並回報兩個檔案已提交的位元組數
// 4. 續跑時把兩個檔案截斷回上次提交的位置
// ============================================================================

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/contact-order/pkg/types"
)

// 表頭欄位
var (
	ResultsHeader = []string{"file", "contact_order", "error"}
	LogHeader     = []string{"start_idx", "end_idx", "start_time", "end_time", "checkpoint_duration", "global_duration"}
)

var (
	ErrClosed         = errors.New("checkpoint writer is closed")
	ErrOffsetMismatch = errors.New("output table is shorter than the recorded offset")
)

// Offsets 兩個表已提交（已 fsync）的位元組數
type Offsets struct {
	Results int64 `json:"results"`
	Log     int64 `json:"log"`
}

// table 一個 append-only 的 CSV 檔
type table struct {
	path   string
	header []string
	file   *os.File
	csv    *csv.Writer
}

func (t *table) create() error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	t.file = f
	t.csv = csv.NewWriter(f)
	return t.csv.Write(t.header)
}

// reopen 截斷至 offset 並以追加模式開啟
func (t *table) reopen(offset int64) error {
	st, err := os.Stat(t.path)
	if err != nil {
		return err
	}
	if st.Size() < offset {
		return fmt.Errorf("%w: %s has %d bytes, marker says %d", ErrOffsetMismatch, t.path, st.Size(), offset)
	}
	if err := os.Truncate(t.path, offset); err != nil {
		return err
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	t.file = f
	t.csv = csv.NewWriter(f)
	return nil
}

// commit flush + fsync，回傳目前檔案大小
func (t *table) commit() (int64, error) {
	t.csv.Flush()
	if err := t.csv.Error(); err != nil {
		return 0, err
	}
	if err := t.file.Sync(); err != nil {
		return 0, err
	}
	st, err := t.file.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (t *table) close() error {
	if t.file == nil {
		return nil
	}
	t.csv.Flush()
	err := t.csv.Error()
	if cerr := t.file.Close(); err == nil {
		err = cerr
	}
	t.file = nil
	return err
}

// Writer 結果表與 log 表的寫入器
//
// 檔案在第一次 WriteCheckpoint 時才建立，因此沒有任何輸入的執行不會產生輸出檔。
type Writer struct {
	mu      sync.Mutex
	results *table
	log     *table
	opened  bool
	closed  bool
	offsets Offsets
}

// NewWriter 建立寫入器（尚未開檔）
func NewWriter(resultsPath, logPath string) *Writer {
	return &Writer{
		results: &table{path: resultsPath, header: ResultsHeader},
		log:     &table{path: logPath, header: LogHeader},
	}
}

// Resume 將兩個表截斷回 offsets 並改為追加模式
func (w *Writer) Resume(offsets Offsets) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.opened {
		return fmt.Errorf("checkpoint writer already opened")
	}
	if err := w.results.reopen(offsets.Results); err != nil {
		return fmt.Errorf("resume results table: %w", err)
	}
	if err := w.log.reopen(offsets.Log); err != nil {
		_ = w.results.close()
		return fmt.Errorf("resume log table: %w", err)
	}
	w.opened = true
	w.offsets = offsets
	return nil
}

// WriteCheckpoint 追加一個 checkpoint 的所有結果列與一列計時資料
//
// 回傳時兩個檔案都已 fsync；任何 I/O 錯誤都應視為致命。
func (w *Writer) WriteCheckpoint(results []types.ContactOrderResult, entry types.CheckpointLogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if !w.opened {
		if err := w.results.create(); err != nil {
			return fmt.Errorf("create results table: %w", err)
		}
		if err := w.log.create(); err != nil {
			return fmt.Errorf("create log table: %w", err)
		}
		w.opened = true
	}

	for _, r := range results {
		if err := w.results.csv.Write(ResultRecord(r)); err != nil {
			return fmt.Errorf("write result row: %w", err)
		}
	}
	if err := w.log.csv.Write(LogRecord(entry)); err != nil {
		return fmt.Errorf("write log row: %w", err)
	}

	resultsSize, err := w.results.commit()
	if err != nil {
		return fmt.Errorf("commit results table: %w", err)
	}
	logSize, err := w.log.commit()
	if err != nil {
		return fmt.Errorf("commit log table: %w", err)
	}
	w.offsets = Offsets{Results: resultsSize, Log: logSize}
	return nil
}

// Offsets 最近一次提交後的檔案大小
func (w *Writer) Offsets() Offsets {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offsets
}

// Close 關閉兩個檔案，可重複呼叫
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return errors.Join(w.results.close(), w.log.close())
}

// ResultRecord 結果表的一列；缺值寫成空欄位
func ResultRecord(r types.ContactOrderResult) []string {
	if v, ok := r.Value(); ok {
		return []string{r.File, strconv.FormatFloat(v, 'f', -1, 64), ""}
	}
	return []string{r.File, "", r.Err.Message}
}

// LogRecord log 表的一列；時間為 epoch 秒，期間為秒
func LogRecord(e types.CheckpointLogEntry) []string {
	return []string{
		strconv.Itoa(e.StartIdx),
		strconv.Itoa(e.EndIdx),
		epochSeconds(e.StartTime),
		epochSeconds(e.EndTime),
		strconv.FormatFloat(e.CheckpointDuration.Seconds(), 'f', 6, 64),
		strconv.FormatFloat(e.GlobalDuration.Seconds(), 'f', 6, 64),
	}
}

func epochSeconds(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}
