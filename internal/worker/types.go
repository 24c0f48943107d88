package worker

import (
	"context"
	"time"
)

// Task 代表要執行的任務（零參數閉包 + 識別資訊）
type Task[T any] struct {
	ID      string                             // 任務識別碼（輸入檔案或 URI）
	Index   int                                // 在批次中的位置，用於對應結果
	Timeout time.Duration                      // 執行超時時間（0 表示不限制）
	Run     func(ctx context.Context) (T, error) // 實際工作
}

// Result 代表任務執行結果
type Result[T any] struct {
	ID       string        // 任務 ID
	Index    int           // 對應 Task.Index
	Value    T             // 回傳值
	Err      error         // 錯誤訊息（含超時與 panic）
	Duration time.Duration // 實際執行時間
}

// Executor 平行執行器能力介面：提交一批閉包，依提交順序回傳結果
//
// 可由本地 goroutine pool、遠端 worker 等實作，排程器邏輯不需改變。
type Executor[T any] interface {
	Execute(ctx context.Context, tasks []Task[T]) ([]Result[T], error)
}
