// ============================================================================
// BatchScheduler - 批次調度器
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 將輸入清單切成 checkpoint，逐一執行並把結果持久化
//
// 執行流程:
//   1. Partition() 切分 [0, total)
//   2. 全新執行：刪除舊的進度標記；續跑：載入標記、驗證計畫、截斷輸出表
//   3. 每個 checkpoint（依序）：
//      a. 下載模式：把本段的遠端物件平行下載到 tmp/checkpoint-NNNNN/<pos>/
//      b. 平行執行 Processor，結果依提交順序組回
//      c. 寫入結果表與 log 表（fsync），再原子更新進度標記
//      d. 刪除本段的下載目錄，輸出進度報告
//
// 錯誤處理:
//   - 單檔錯誤（含下載失敗、超時、panic）一律變成結果列，不中止批次
//   - 輸出表或標記寫入失敗為致命錯誤，直接回傳
//   - ctx 取消時丟棄進行中的 checkpoint，回傳 ctx.Err()
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/contact-order/internal/checkpoint"
	"github.com/ChuLiYu/contact-order/internal/fetch"
	"github.com/ChuLiYu/contact-order/internal/metrics"
	"github.com/ChuLiYu/contact-order/internal/snapshot"
	"github.com/ChuLiYu/contact-order/internal/task"
	"github.com/ChuLiYu/contact-order/internal/worker"
	"github.com/ChuLiYu/contact-order/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNoInputs 輸入清單為空
	ErrNoInputs = errors.New("no input files found")
	// ErrPlanMismatch 進度標記與目前的輸入或切分方式不一致，無法續跑
	ErrPlanMismatch = errors.New("progress marker does not match the current plan")
	// ErrNoFetcher 輸入含遠端參照但沒有設定 Fetcher
	ErrNoFetcher = errors.New("remote inputs require a fetcher")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 調度器配置
type Config struct {
	NumCheckpoints int           // checkpoint 數（CheckpointSize 為 0 時使用）
	CheckpointSize int           // 每個 checkpoint 的檔案數，> 0 時優先
	TaskTimeout    time.Duration // 單檔處理超時，0 表示不限
	TempDir        string        // 下載模式的暫存根目錄
	Resume         bool          // 是否從進度標記續跑
	Logger         *slog.Logger
}

// Deps 調度器依賴的元件
type Deps struct {
	Processor task.Processor                            // 必填
	Compute   worker.Executor[types.ContactOrderResult] // 必填
	Writer    *checkpoint.Writer                        // 必填
	Marker    *snapshot.Manager                         // 選填，nil 時不支援續跑
	Fetcher   fetch.Fetcher                             // 下載模式必填
	Download  worker.Executor[string]                   // 下載模式必填
	Metrics   *metrics.Collector                        // 選填
}

// Summary 一次執行的統計
type Summary struct {
	Total       int           // 輸入總數
	Checkpoints int           // 計畫的 checkpoint 數
	Completed   int           // 已完成的 checkpoint 數（含續跑前）
	ResumedFrom int           // 本次執行的第一個 checkpoint
	Files       int           // 已寫入的結果列數（含續跑前）
	Failures    int           // 其中失敗的列數
	Elapsed     time.Duration // 累計執行時間（含續跑前）
}

// Scheduler 批次調度器
type Scheduler struct {
	config Config
	deps   Deps
	log    *slog.Logger
	now    func() time.Time
}

// progress 執行中的累計狀態
type progress struct {
	total       int
	planned     int
	digest      string
	globalStart time.Time
	completed   int
	files       int
	failures    int
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立調度器
func New(config Config, deps Deps) (*Scheduler, error) {
	if deps.Processor == nil {
		return nil, fmt.Errorf("scheduler: processor is required")
	}
	if deps.Compute == nil {
		return nil, fmt.Errorf("scheduler: compute executor is required")
	}
	if deps.Writer == nil {
		return nil, fmt.Errorf("scheduler: checkpoint writer is required")
	}
	if config.Resume && deps.Marker == nil {
		return nil, fmt.Errorf("scheduler: resume requires a progress marker")
	}
	if config.TempDir == "" {
		config.TempDir = "./tmp"
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		config: config,
		deps:   deps,
		log:    logger.With("component", "scheduler"),
		now:    time.Now,
	}, nil
}

// Run 執行整個批次
func (s *Scheduler) Run(ctx context.Context, inputs []types.InputReference) (Summary, error) {
	total := len(inputs)
	if total == 0 {
		return Summary{}, ErrNoInputs
	}
	if s.deps.Fetcher == nil || s.deps.Download == nil {
		for _, in := range inputs {
			if in.IsRemote() {
				return Summary{}, ErrNoFetcher
			}
		}
	}

	plan := Partition(total, s.config.NumCheckpoints, s.config.CheckpointSize)
	digest := Digest(inputs)

	summary := Summary{Total: total, Checkpoints: len(plan)}
	state := progress{total: total, planned: len(plan), digest: digest, globalStart: s.now()}

	first, err := s.prepare(&state)
	if err != nil {
		return summary, err
	}
	summary.ResumedFrom = first
	s.deps.Metrics.SetProgress(state.completed, len(plan))

	s.log.Info("Batch started",
		"files", total,
		"checkpoints", len(plan),
		"first_checkpoint", first)

	for _, cp := range plan[first:] {
		if err := ctx.Err(); err != nil {
			return s.fill(summary, state), err
		}

		if err := s.runCheckpoint(ctx, cp, inputs[cp.Start:cp.End], &state); err != nil {
			return s.fill(summary, state), err
		}
	}

	summary = s.fill(summary, state)
	s.log.Info("Batch finished",
		"files", summary.Files,
		"failures", summary.Failures,
		"elapsed", summary.Elapsed)
	return summary, nil
}

// prepare 依模式初始化輸出並回傳第一個要執行的 checkpoint index
func (s *Scheduler) prepare(state *progress) (int, error) {
	if !s.config.Resume {
		if s.deps.Marker != nil {
			if err := s.deps.Marker.Remove(); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}

	marker, err := s.deps.Marker.Load()
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		s.log.Warn("No progress marker found, starting from the first checkpoint",
			"marker", s.deps.Marker.GetPath())
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load progress marker: %w", err)
	}

	switch {
	case marker.Total != state.total:
		return 0, fmt.Errorf("%w: marker has %d inputs, current list has %d", ErrPlanMismatch, marker.Total, state.total)
	case marker.NumCheckpoints != state.planned:
		return 0, fmt.Errorf("%w: marker has %d checkpoints, current plan has %d", ErrPlanMismatch, marker.NumCheckpoints, state.planned)
	case marker.InputDigest != state.digest:
		return 0, fmt.Errorf("%w: input list changed", ErrPlanMismatch)
	case marker.LastCompleted < 0 || marker.LastCompleted >= state.planned:
		return 0, fmt.Errorf("%w: last completed checkpoint %d out of range", ErrPlanMismatch, marker.LastCompleted)
	}

	if err := s.deps.Writer.Resume(checkpoint.Offsets{Results: marker.ResultsOffset, Log: marker.LogOffset}); err != nil {
		return 0, err
	}

	elapsed := time.Duration(marker.GlobalElapsedSeconds * float64(time.Second))
	state.globalStart = s.now().Add(-elapsed)
	state.completed = marker.LastCompleted + 1
	state.files = marker.Files
	state.failures = marker.Failures

	s.log.Info("Resuming batch",
		"last_completed", marker.LastCompleted,
		"files", marker.Files,
		"failures", marker.Failures,
		"previous_elapsed", elapsed)

	return marker.LastCompleted + 1, nil
}

func (s *Scheduler) fill(summary Summary, state progress) Summary {
	summary.Completed = state.completed
	summary.Files = state.files
	summary.Failures = state.failures
	summary.Elapsed = s.now().Sub(state.globalStart)
	return summary
}

// runCheckpoint 執行並持久化一個 checkpoint
func (s *Scheduler) runCheckpoint(ctx context.Context, cp types.Checkpoint, slice []types.InputReference, state *progress) error {
	start := s.now()
	if hasRemote(slice) {
		// 結果與 log 寫入之後才清除下載目錄
		defer s.cleanup(cp)
	}

	results, err := s.process(ctx, cp, slice)
	if err != nil {
		s.log.Warn("Checkpoint discarded", "checkpoint", cp.Index, "error", err)
		return err
	}

	end := s.now()
	entry := types.CheckpointLogEntry{
		StartIdx:           cp.Start,
		EndIdx:             cp.End,
		StartTime:          start,
		EndTime:            end,
		CheckpointDuration: end.Sub(start),
		GlobalDuration:     end.Sub(state.globalStart),
	}

	if err := s.deps.Writer.WriteCheckpoint(results, entry); err != nil {
		return fmt.Errorf("write checkpoint %d: %w", cp.Index, err)
	}

	failures := 0
	for _, r := range results {
		if !r.OK() {
			failures++
		}
	}
	state.completed++
	state.files += len(results)
	state.failures += failures

	if s.deps.Marker != nil {
		offsets := s.deps.Writer.Offsets()
		if err := s.deps.Marker.Write(types.ProgressMarker{
			Total:                state.total,
			NumCheckpoints:       state.planned,
			InputDigest:          state.digest,
			LastCompleted:        cp.Index,
			ResultsOffset:        offsets.Results,
			LogOffset:            offsets.Log,
			GlobalElapsedSeconds: entry.GlobalDuration.Seconds(),
			Files:                state.files,
			Failures:             state.failures,
		}); err != nil {
			return fmt.Errorf("write progress marker: %w", err)
		}
	}

	s.deps.Metrics.RecordCheckpoint(entry.CheckpointDuration, state.completed, state.planned)

	s.log.Info("Checkpoint completed",
		"checkpoint", fmt.Sprintf("%d/%d", cp.Index+1, state.planned),
		"start_idx", cp.Start,
		"end_idx", cp.End,
		"duration", entry.CheckpointDuration,
		"global_duration", entry.GlobalDuration,
		"processed", len(results),
		"failures", failures,
		"total_processed", state.files,
		"total_failures", state.failures)

	return nil
}
