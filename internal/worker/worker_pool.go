// ============================================================================
// Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行（max_parallel_workers）
//   2. 通過共享的任務 channel 分發任務
//   3. 通過結果 channel 收集執行結果
//   4. Execute() 提供「提交一批閉包 → 依提交順序取回結果」的能力
//
// 架構組件:
//   ┌─────────────┐
//   │ Scheduler   │ --Execute()--> taskCh
//   └─────────────┘
//         ↑
//   results (submission order)
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Execute(ctx, tasks) / Submit + ReceiveResult
//   4. Stop() - 關閉 taskCh，等待所有 Worker 完成
//
// 並發控制:
//   - sendMu: Submit 持有讀鎖送出任務，Stop 持有寫鎖才關閉 taskCh，
//     因此不會向已關閉的 channel 發送
//   - execMu: 同一時間只允許一個 Execute，避免結果互相混雜
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrInvalidWorkerCount 表示 Worker 數量不合法
	ErrInvalidWorkerCount = errors.New("worker count must be positive")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool[T any] struct {
	workers  []*Worker[T]       // 所有啟動的 Worker 實例
	taskCh   chan Task[T]       // 任務通道
	resultCh chan Result[T]     // 結果通道
	stopCh   chan struct{}      // 停止訊號
	ctx      context.Context    // Pool 生命週期 context
	cancel   context.CancelFunc // Stop 時取消所有執行中任務
	wg       sync.WaitGroup     // 等待所有 Worker 完成
	started  bool
	stopped  bool
	mu       sync.Mutex   // 保護 started / stopped
	sendMu   sync.RWMutex // 保護 taskCh 的發送與關閉
	execMu   sync.Mutex   // 序列化 Execute
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool[T any](bufferSize int) *Pool[T] {
	if bufferSize < 0 {
		bufferSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T]{
		workers:  make([]*Worker[T], 0),
		taskCh:   make(chan Task[T], bufferSize),
		resultCh: make(chan Result[T], bufferSize),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool[T]) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if workerCount <= 0 {
		return ErrInvalidWorkerCount
	}
	if p.started {
		return errors.New("pool already started") // 防止重複啟動
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker[T](i, p.ctx, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker[T]) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool（阻塞直到有空間或 Pool 停止）
func (p *Pool[T]) Submit(task Task[T]) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool[T]) ReceiveResult() (Result[T], error) {
	select {
	case result := <-p.resultCh:
		return result, nil
	case <-p.stopCh:
		return Result[T]{}, ErrPoolClosed
	}
}

// Execute 提交一批任務並等待全部完成，結果依提交順序排列
//
// 每個結果的 Index 為呼叫者原本設定的 Task.Index。
// ctx 取消時，尚未開始的任務立即以 ctx.Err() 結束，執行中的任務收到取消訊號。
func (p *Pool[T]) Execute(ctx context.Context, tasks []Task[T]) ([]Result[T], error) {
	p.execMu.Lock()
	defer p.execMu.Unlock()

	if !p.IsStarted() {
		return nil, ErrPoolNotStarted
	}

	out := make([]Result[T], len(tasks))
	if len(tasks) == 0 {
		return out, nil
	}

	submitErr := make(chan error, 1)
	go func() {
		for i, task := range tasks {
			if err := p.Submit(bindContext(ctx, i, task)); err != nil {
				submitErr <- err
				return
			}
		}
		submitErr <- nil
	}()

	for received := 0; received < len(tasks); received++ {
		res, err := p.ReceiveResult()
		if err != nil {
			return nil, err
		}
		pos := res.Index
		res.Index = tasks[pos].Index
		out[pos] = res
	}

	if err := <-submitErr; err != nil {
		return nil, err
	}
	return out, nil
}

// bindContext 讓任務同時受 Execute 的 ctx 控制，並以批次內位置作為 Index
func bindContext[T any](ctx context.Context, pos int, task Task[T]) Task[T] {
	run := task.Run
	task.Index = pos
	task.Run = func(tctx context.Context) (T, error) {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}
		tctx, cancel := context.WithCancel(tctx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		return run(tctx)
	}
	return task
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，喚醒所有阻塞中的 Submit / ReceiveResult
//  3. 取得 sendMu 寫鎖後關閉 taskCh，結束 Worker 的 range 循環
//  4. 取消執行中任務並等待所有 Worker 退出
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool[T]) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動且尚未停止
func (p *Pool[T]) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}
