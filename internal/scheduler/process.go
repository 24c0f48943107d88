package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ChuLiYu/contact-order/internal/task"
	"github.com/ChuLiYu/contact-order/internal/worker"
	"github.com/ChuLiYu/contact-order/pkg/types"
)

// process 取得本段所有輸入的結果，順序與 slice 相同
//
// 只有 ctx 取消會回傳錯誤；其他失敗都會變成結果列。
func (s *Scheduler) process(ctx context.Context, cp types.Checkpoint, slice []types.InputReference) ([]types.ContactOrderResult, error) {
	results := make([]types.ContactOrderResult, len(slice))
	done := make([]bool, len(slice))
	local := make([]string, len(slice))

	for pos, in := range slice {
		if !in.IsRemote() {
			local[pos] = in.ID
		}
	}

	if hasRemote(slice) {
		if err := s.download(ctx, s.checkpointDir(cp), slice, local, results, done); err != nil {
			return nil, err
		}
	}

	var tasks []worker.Task[types.ContactOrderResult]
	for pos, in := range slice {
		if done[pos] {
			continue
		}
		path, id := local[pos], in.ID
		tasks = append(tasks, worker.Task[types.ContactOrderResult]{
			ID:      id,
			Index:   pos,
			Timeout: s.config.TaskTimeout,
			Run: func(ctx context.Context) (types.ContactOrderResult, error) {
				r := s.deps.Processor.Process(ctx, path)
				r.File = id
				return r, nil
			},
		})
	}

	out, err := s.deps.Compute.Execute(ctx, tasks)
	if err != nil {
		return nil, fmt.Errorf("execute checkpoint %d: %w", cp.Index, err)
	}
	for _, res := range out {
		if res.Err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			results[res.Index] = types.Failure(res.ID, task.Classify(res.Err))
		} else {
			results[res.Index] = res.Value
		}
		s.deps.Metrics.RecordFile(results[res.Index], res.Duration)
	}

	// 結果寫入前再確認一次，避免把被取消後的結果當成完成
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// download 平行下載本段的遠端物件；失敗的項目直接填入 FetchFailure 結果
func (s *Scheduler) download(ctx context.Context, dir string, slice []types.InputReference, local []string, results []types.ContactOrderResult, done []bool) error {
	var tasks []worker.Task[string]
	for pos, in := range slice {
		if !in.IsRemote() {
			continue
		}
		obj, target := *in.Remote, filepath.Join(dir, strconv.Itoa(pos))
		tasks = append(tasks, worker.Task[string]{
			ID:      in.ID,
			Index:   pos,
			Timeout: s.config.TaskTimeout,
			Run: func(ctx context.Context) (string, error) {
				return s.deps.Fetcher.Fetch(ctx, obj, target)
			},
		})
	}

	out, err := s.deps.Download.Execute(ctx, tasks)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	for _, res := range out {
		s.deps.Metrics.RecordFetch(res.Err)
		if res.Err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("Fetch failed", "uri", res.ID, "error", res.Err)
			results[res.Index] = types.Failure(res.ID, types.NewError(types.KindFetchFailure, res.Err.Error()))
			s.deps.Metrics.RecordFile(results[res.Index], res.Duration)
			done[res.Index] = true
			continue
		}
		local[res.Index] = res.Value
	}
	return nil
}

func (s *Scheduler) checkpointDir(cp types.Checkpoint) string {
	return filepath.Join(s.config.TempDir, fmt.Sprintf("checkpoint-%05d", cp.Index))
}

// cleanup 移除本段的下載目錄
func (s *Scheduler) cleanup(cp types.Checkpoint) {
	dir := s.checkpointDir(cp)
	if err := os.RemoveAll(dir); err != nil {
		s.log.Warn("Failed to remove download directory", "dir", dir, "error", err)
	}
}

func hasRemote(slice []types.InputReference) bool {
	for _, in := range slice {
		if in.IsRemote() {
			return true
		}
	}
	return false
}
