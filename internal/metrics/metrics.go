// ============================================================================
// Contact-order Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集批次執行的進度與錯誤分佈，透過 /metrics 暴露給 Prometheus
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - contactorder_files_processed_total{outcome}: 已處理檔案數（ok / error）
//      - contactorder_file_errors_total{kind}: 依錯誤分類統計的失敗數
//      - contactorder_fetch_total{outcome}: 下載次數（ok / error）
//
//   2. 分佈 (Histogram)：
//      - contactorder_task_duration_seconds: 單檔處理時間
//      - contactorder_checkpoint_duration_seconds: 單一 checkpoint 時間（含下載）
//
//   3. 狀態 (Gauge)：
//      - contactorder_checkpoints_completed: 已完成的 checkpoint 數
//      - contactorder_progress_ratio: 已完成 checkpoint / 總數
//
// Prometheus 查詢示例:
//
//   # 各錯誤分類的比例
//   sum by (kind) (contactorder_file_errors_total) / ignoring(kind) group_left sum(contactorder_files_processed_total)
//
//   # 95 分位單檔處理時間
//   histogram_quantile(0.95, rate(contactorder_task_duration_seconds_bucket[5m]))
//
// 所有方法在 *Collector 為 nil 時都是 no-op，未啟用監控時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/contact-order/pkg/types"
)

const namespace = "contactorder"

// Collector Prometheus 指標收集器
type Collector struct {
	filesProcessed *prometheus.CounterVec
	fileErrors     *prometheus.CounterVec
	fetches        *prometheus.CounterVec

	taskDuration       prometheus.Histogram
	checkpointDuration prometheus.Histogram

	checkpointsCompleted prometheus.Gauge
	progress             prometheus.Gauge
}

// NewCollector 建立收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		filesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_processed_total",
			Help:      "Total number of structure files processed, by outcome",
		}, []string{"outcome"}),
		fileErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_errors_total",
			Help:      "Total number of per-file failures, by error kind",
		}, []string{"kind"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Total number of remote object downloads, by outcome",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Per-file processing time in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		checkpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Checkpoint wall time in seconds, downloads included",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		checkpointsCompleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoints_completed",
			Help:      "Number of checkpoints durably written",
		}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_ratio",
			Help:      "Completed checkpoints divided by planned checkpoints",
		}),
	}

	for _, m := range []prometheus.Collector{
		c.filesProcessed, c.fileErrors, c.fetches,
		c.taskDuration, c.checkpointDuration,
		c.checkpointsCompleted, c.progress,
	} {
		if err := reg.Register(m); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return c, nil
}

// RecordFile 記錄一筆檔案結果
func (c *Collector) RecordFile(result types.ContactOrderResult, d time.Duration) {
	if c == nil {
		return
	}
	if result.OK() {
		c.filesProcessed.WithLabelValues("ok").Inc()
	} else {
		c.filesProcessed.WithLabelValues("error").Inc()
		c.fileErrors.WithLabelValues(string(result.Err.Kind)).Inc()
	}
	if d > 0 {
		c.taskDuration.Observe(d.Seconds())
	}
}

// RecordFetch 記錄一次下載
func (c *Collector) RecordFetch(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.fetches.WithLabelValues("error").Inc()
		return
	}
	c.fetches.WithLabelValues("ok").Inc()
}

// RecordCheckpoint 記錄 checkpoint 完成
func (c *Collector) RecordCheckpoint(d time.Duration, completed, total int) {
	if c == nil {
		return
	}
	c.checkpointDuration.Observe(d.Seconds())
	c.SetProgress(completed, total)
}

// SetProgress 設定進度（續跑時以已完成數初始化）
func (c *Collector) SetProgress(completed, total int) {
	if c == nil {
		return
	}
	c.checkpointsCompleted.Set(float64(completed))
	if total > 0 {
		c.progress.Set(float64(completed) / float64(total))
	}
}

// NewServer 建立暴露 /metrics 的 HTTP 伺服器（呼叫端負責 ListenAndServe 與 Shutdown）
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
