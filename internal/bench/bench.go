// ============================================================================
// Download Benchmark - 下載吞吐量測試
// ============================================================================
//
// Package: internal/bench
// 文件: bench.go
// 功能: 以不同的 worker 數重複下載清單前 N 個物件，記錄完成進度與失敗清單
//
// 輸出（每個 worker 數一個資料夾 <out>/results_<N>_workers/）:
//   - download_progress.csv: time,num_file,rel_time
//     每完成 interval 個檔案記一列，最後一個檔案完成時再記一列
//   - download_error.txt: 表頭 file，之後每列一個下載失敗的 URI
//
// 每輪結束後刪除下載目錄，下一輪從空目錄開始。
//
// ============================================================================

package bench

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ChuLiYu/contact-order/internal/fetch"
	"github.com/ChuLiYu/contact-order/internal/worker"
	"github.com/ChuLiYu/contact-order/pkg/types"
)

// 輸出檔名
const (
	ProgressFile = "download_progress.csv"
	ErrorFile    = "download_error.txt"
)

// Config 測試配置
type Config struct {
	WorkerCounts []int  // 依序測試的 worker 數
	Limit        int    // 只下載清單前 Limit 個，0 表示全部
	Interval     int    // 每完成幾個檔案記錄一次進度
	OutDir       string // 結果根目錄
	DownloadDir  string // 下載暫存目錄（每輪結束後刪除）
	Logger       *slog.Logger
}

// Round 一輪測試的統計
type Round struct {
	Workers  int
	Files    int
	Failures int
	Elapsed  time.Duration
	Dir      string
}

// Runner 下載測試執行器
type Runner struct {
	config  Config
	fetcher fetch.Fetcher
	log     *slog.Logger
	now     func() time.Time
}

// NewRunner 建立執行器
func NewRunner(config Config, fetcher fetch.Fetcher) (*Runner, error) {
	if fetcher == nil {
		return nil, errors.New("bench: fetcher is required")
	}
	if len(config.WorkerCounts) == 0 {
		return nil, errors.New("bench: at least one worker count is required")
	}
	for _, n := range config.WorkerCounts {
		if n <= 0 {
			return nil, fmt.Errorf("bench: invalid worker count %d", n)
		}
	}
	if config.Interval <= 0 {
		config.Interval = 100
	}
	if config.DownloadDir == "" {
		config.DownloadDir = "./tmp"
	}
	if config.OutDir == "" {
		config.OutDir = "."
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{config: config, fetcher: fetcher, log: logger.With("component", "bench"), now: time.Now}, nil
}

// Run 依序對每個 worker 數執行一輪
func (r *Runner) Run(ctx context.Context, inputs []types.InputReference) ([]Round, error) {
	if r.config.Limit > 0 && len(inputs) > r.config.Limit {
		inputs = inputs[:r.config.Limit]
	}
	if len(inputs) == 0 {
		return nil, errors.New("bench: manifest has no remote objects")
	}

	rounds := make([]Round, 0, len(r.config.WorkerCounts))
	for _, n := range r.config.WorkerCounts {
		round, err := r.runRound(ctx, n, inputs)
		if rmErr := os.RemoveAll(r.config.DownloadDir); rmErr != nil {
			r.log.Warn("Failed to remove download directory", "dir", r.config.DownloadDir, "error", rmErr)
		}
		if err != nil {
			return rounds, err
		}
		rounds = append(rounds, round)

		r.log.Info("Download round finished",
			"workers", n,
			"files", round.Files,
			"failures", round.Failures,
			"elapsed", round.Elapsed)
	}
	return rounds, nil
}

func (r *Runner) runRound(ctx context.Context, workers int, inputs []types.InputReference) (Round, error) {
	dir := filepath.Join(r.config.OutDir, fmt.Sprintf("results_%d_workers", workers))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Round{}, err
	}
	if err := os.MkdirAll(r.config.DownloadDir, 0o755); err != nil {
		return Round{}, err
	}

	progress, err := newTable(filepath.Join(dir, ProgressFile), []string{"time", "num_file", "rel_time"})
	if err != nil {
		return Round{}, err
	}
	defer progress.close()
	failures, err := newTable(filepath.Join(dir, ErrorFile), []string{"file"})
	if err != nil {
		return Round{}, err
	}
	defer failures.close()

	pool := worker.NewPool[string](workers)
	if err := pool.Start(workers); err != nil {
		return Round{}, err
	}
	defer pool.Stop()

	start := r.now()
	go func() {
		for pos, in := range inputs {
			in := in
			obj, target := in.Remote, filepath.Join(r.config.DownloadDir, strconv.Itoa(pos))
			err := pool.Submit(worker.Task[string]{
				ID:    in.ID,
				Index: pos,
				Run: func(tctx context.Context) (string, error) {
					if obj == nil {
						return "", fmt.Errorf("%s is not a remote object", in.ID)
					}
					return r.fetcher.Fetch(tctx, *obj, target)
				},
			})
			if err != nil {
				return
			}
		}
	}()

	round := Round{Workers: workers, Dir: dir}
	total := len(inputs)
	for done := 1; done <= total; done++ {
		res, err := pool.ReceiveResult()
		if err != nil {
			return round, err
		}
		if res.Err != nil {
			round.Failures++
			r.log.Warn("Download failed", "uri", res.ID, "error", res.Err)
			if err := failures.write([]string{res.ID}); err != nil {
				return round, err
			}
		}

		if done%r.config.Interval == 0 || done == total {
			now := r.now()
			elapsed := now.Sub(start)
			if err := progress.write([]string{now.Format("2006-01-02 15:04:05.000000"), strconv.Itoa(done), clock(elapsed)}); err != nil {
				return round, err
			}
			r.log.Info("Download progress", "workers", workers, "files", done, "of", total, "elapsed", clock(elapsed))
		}
		if err := ctx.Err(); err != nil {
			return round, err
		}
	}

	round.Files = total
	round.Elapsed = r.now().Sub(start)
	return round, nil
}

// clock 以 HH:MM:SS 表示經過時間
func clock(d time.Duration) string {
	s := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}

// table 邊寫邊 flush 的小型 CSV
type table struct {
	file *os.File
	csv  *csv.Writer
}

func newTable(path string, header []string) (*table, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	t := &table{file: f, csv: csv.NewWriter(f)}
	if err := t.write(header); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func (t *table) write(record []string) error {
	if err := t.csv.Write(record); err != nil {
		return err
	}
	t.csv.Flush()
	return t.csv.Error()
}

func (t *table) close() error {
	t.csv.Flush()
	return t.file.Close()
}
