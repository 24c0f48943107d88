// Package types 定義了 contact-order 批次系統中使用的核心領域模型
package types

import (
	"path"
	"time"
)

// InputReference 代表一個待處理的結構檔（本地路徑或遠端 URI）
type InputReference struct {
	ID     string        `json:"id"`               // 本地路徑或完整 URI，用作結果表的 file 欄位
	Remote *RemoteObject `json:"remote,omitempty"` // 遠端物件（僅下載模式）
}

// IsRemote 判斷是否需要先下載
func (r InputReference) IsRemote() bool {
	return r.Remote != nil
}

// RemoteObject 遠端物件位置 scheme://bucket/key
type RemoteObject struct {
	Scheme string `json:"scheme"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Filename 回傳 key 的最後一段，作為本地檔名
func (o RemoteObject) Filename() string {
	return path.Base(o.Key)
}

// String 回傳原始 URI 形式
func (o RemoteObject) String() string {
	return o.Scheme + "://" + o.Bucket + "/" + o.Key
}

// ResidueCoordinate 一個殘基的 alpha-carbon 座標
type ResidueCoordinate struct {
	Index int     // 在整個結構中的順序（跨 model/chain 連續編號）
	X     float64 // 座標
	Y     float64
	Z     float64
}

// ErrorKind 單一檔案處理失敗的分類
type ErrorKind string

// 定義錯誤分類常數
const (
	KindEmptyFile         ErrorKind = "EmptyFile"         // 檔案大小為 0
	KindNoResidues        ErrorKind = "NoResidues"        // 沒有任何含 CA 的殘基
	KindTooFewResidues    ErrorKind = "TooFewResidues"    // 殘基少於 2 個
	KindParseFailure      ErrorKind = "ParseFailure"      // 解析器錯誤
	KindUnexpectedFailure ErrorKind = "UnexpectedFailure" // 其他未預期錯誤（含 panic）
	KindFetchFailure      ErrorKind = "FetchFailure"      // 下載失敗
	KindTimeout           ErrorKind = "Timeout"           // 單一任務超時
	KindCancelled         ErrorKind = "Cancelled"         // 呼叫端取消（不寫入結果表）
)

// 固定錯誤訊息（寫入結果表 error 欄位）
const (
	MsgEmptyFile      = "File is empty"
	MsgNoResidues     = "No residues found in the file"
	MsgTooFewResidues = "Too few residues to calculate contact order"
)

// ProcessingError 帶分類的單檔錯誤
type ProcessingError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ProcessingError) Error() string {
	return e.Message
}

// NewError 建立帶分類的錯誤
func NewError(kind ErrorKind, message string) *ProcessingError {
	return &ProcessingError{Kind: kind, Message: message}
}

// ContactOrderResult 單一檔案的計算結果，也是結果表的一列
//
// 只能透過 Success / Failure 建立，保證分數與錯誤不會同時存在。
type ContactOrderResult struct {
	File         string
	ContactOrder float64          // 僅在 Err == nil 時有效
	Err          *ProcessingError // nil 代表成功
}

// Success 建立成功結果
func Success(file string, contactOrder float64) ContactOrderResult {
	return ContactOrderResult{File: file, ContactOrder: contactOrder}
}

// Failure 建立失敗結果
func Failure(file string, err *ProcessingError) ContactOrderResult {
	if err == nil {
		err = NewError(KindUnexpectedFailure, "unknown error")
	}
	return ContactOrderResult{File: file, Err: err}
}

// Transient 是否為超時或取消造成的失敗，這類結果不代表檔案本身
func (r ContactOrderResult) Transient() bool {
	return r.Err != nil && (r.Err.Kind == KindTimeout || r.Err.Kind == KindCancelled)
}

// OK 是否成功
func (r ContactOrderResult) OK() bool {
	return r.Err == nil
}

// Value 取得分數（失敗時 ok=false）
func (r ContactOrderResult) Value() (float64, bool) {
	if r.Err != nil {
		return 0, false
	}
	return r.ContactOrder, true
}

// Checkpoint 輸入清單中的一段連續區間 [Start, End)
type Checkpoint struct {
	Index int `json:"index"`
	Start int `json:"start_idx"`
	End   int `json:"end_idx"`
}

// Len 區間大小
func (c Checkpoint) Len() int {
	return c.End - c.Start
}

// CheckpointLogEntry 每個 checkpoint 寫入 log 表的一列
type CheckpointLogEntry struct {
	StartIdx           int
	EndIdx             int
	StartTime          time.Time
	EndTime            time.Time
	CheckpointDuration time.Duration
	GlobalDuration     time.Duration
}

// ProgressMarker 續跑用的進度標記，於每個 checkpoint 寫完後原子更新
type ProgressMarker struct {
	SchemaVer            int       `json:"schema_ver"`            // 資料結構版本號
	Total                int       `json:"total"`                 // 輸入總數
	NumCheckpoints       int       `json:"num_checkpoints"`       // checkpoint 總數
	InputDigest          string    `json:"input_digest"`          // 輸入清單的 SHA-256
	LastCompleted        int       `json:"last_completed"`        // 最後完成的 checkpoint index（-1 表示尚無）
	ResultsOffset        int64     `json:"results_offset"`        // 結果表已提交的位元組數
	LogOffset            int64     `json:"log_offset"`            // log 表已提交的位元組數
	GlobalElapsedSeconds float64   `json:"global_elapsed_seconds"` // 累計執行時間
	Files                int       `json:"files"`                 // 已寫入的結果列數
	Failures             int       `json:"failures"`              // 其中失敗的列數
	UpdatedAt            time.Time `json:"updated_at"`
}
