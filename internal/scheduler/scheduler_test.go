package scheduler

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/contact-order/internal/checkpoint"
	"github.com/ChuLiYu/contact-order/internal/contactorder"
	"github.com/ChuLiYu/contact-order/internal/fetch"
	"github.com/ChuLiYu/contact-order/internal/snapshot"
	"github.com/ChuLiYu/contact-order/internal/task"
	"github.com/ChuLiYu/contact-order/internal/worker"
	"github.com/ChuLiYu/contact-order/pkg/types"
)

// ============================================================================
// 測試替身
// ============================================================================

// funcProcessor 以函式實作 task.Processor
type funcProcessor func(ctx context.Context, path string) types.ContactOrderResult

func (f funcProcessor) Process(ctx context.Context, path string) types.ContactOrderResult {
	return f(ctx, path)
}

// scoreByName 以檔名在清單中的位置產生可預期的分數
func scoreByName(ctx context.Context, path string) types.ContactOrderResult {
	var n int
	_, _ = fmt.Sscanf(filepath.Base(path), "in-%d.cif", &n)
	return types.Success(path, float64(n)/1000)
}

// dirFetcher 從本地目錄 <root>/<bucket>/<key> 複製物件
type dirFetcher struct {
	root string

	mu   sync.Mutex
	dirs []string
}

func (f *dirFetcher) Fetch(ctx context.Context, obj types.RemoteObject, dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(f.root, obj.Bucket, obj.Key))
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", obj, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.dirs = append(f.dirs, dir)
	f.mu.Unlock()

	local := filepath.Join(dir, obj.Filename())
	return local, os.WriteFile(local, data, 0o644)
}

// stallFetcher 模擬卡住的下載，直到 ctx 結束
type stallFetcher struct{}

func (stallFetcher) Fetch(ctx context.Context, obj types.RemoteObject, dir string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// hookHandler 在指定訊息被記錄時呼叫 fn（與呼叫端同步）
type hookHandler struct {
	msg string
	fn  func()
}

func (h hookHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h hookHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == h.msg {
		h.fn()
	}
	return nil
}

func (h hookHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h hookHandler) WithGroup(string) slog.Handler      { return h }

type harness struct {
	dir         string
	resultsPath string
	logPath     string
	markerPath  string
	compute     *worker.Pool[types.ContactOrderResult]
	download    *worker.Pool[string]
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		dir:         dir,
		resultsPath: filepath.Join(dir, "out", "contact_order_results.csv"),
		logPath:     filepath.Join(dir, "out", "logs.csv"),
		markerPath:  filepath.Join(dir, "out", "progress.json"),
		compute:     worker.NewPool[types.ContactOrderResult](workers),
		download:    worker.NewPool[string](workers),
	}
	require.NoError(t, h.compute.Start(workers))
	require.NoError(t, h.download.Start(workers))
	t.Cleanup(func() {
		h.compute.Stop()
		h.download.Stop()
	})
	return h
}

func (h *harness) scheduler(t *testing.T, cfg Config, proc task.Processor, fetcher fetch.Fetcher) (*Scheduler, *checkpoint.Writer) {
	t.Helper()
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(h.dir, "tmp")
	}
	w := checkpoint.NewWriter(h.resultsPath, h.logPath)
	t.Cleanup(func() { _ = w.Close() })

	deps := Deps{
		Processor: proc,
		Compute:   h.compute,
		Writer:    w,
		Marker:    snapshot.NewManager(h.markerPath),
	}
	if fetcher != nil {
		deps.Fetcher = fetcher
		deps.Download = h.download
	}
	s, err := New(cfg, deps)
	require.NoError(t, err)
	return s, w
}

func localInputs(n int) []types.InputReference {
	refs := make([]types.InputReference, n)
	for i := range refs {
		refs[i] = types.InputReference{ID: fmt.Sprintf("/data/in-%d.cif", i)}
	}
	return refs
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func writeCIF(t *testing.T, path string, points ...[3]float64) {
	t.Helper()
	var b strings.Builder
	b.WriteString("data_TEST\nloop_\n_atom_site.group_PDB\n_atom_site.label_atom_id\n_atom_site.auth_asym_id\n_atom_site.auth_seq_id\n_atom_site.Cartn_x\n_atom_site.Cartn_y\n_atom_site.Cartn_z\n")
	for i, p := range points {
		fmt.Fprintf(&b, "ATOM CA A %d %.3f %.3f %.3f\n", i+1, p[0], p[1], p[2])
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

// ============================================================================
// 基本流程
// ============================================================================

func TestNewValidatesDeps(t *testing.T) {
	h := newHarness(t, 1)
	w := checkpoint.NewWriter(h.resultsPath, h.logPath)

	_, err := New(Config{}, Deps{Compute: h.compute, Writer: w})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Processor: funcProcessor(scoreByName), Writer: w})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Processor: funcProcessor(scoreByName), Compute: h.compute})
	assert.Error(t, err)
	_, err = New(Config{Resume: true}, Deps{Processor: funcProcessor(scoreByName), Compute: h.compute, Writer: w})
	assert.Error(t, err)
}

func TestRunNoInputs(t *testing.T) {
	h := newHarness(t, 2)
	s, _ := h.scheduler(t, Config{NumCheckpoints: 100}, funcProcessor(scoreByName), nil)

	_, err := s.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoInputs)

	_, statErr := os.Stat(h.resultsPath)
	assert.True(t, os.IsNotExist(statErr), "no tables are created for an empty run")
}

func TestRunRemoteInputsWithoutFetcher(t *testing.T) {
	h := newHarness(t, 2)
	s, _ := h.scheduler(t, Config{}, funcProcessor(scoreByName), nil)

	obj := types.RemoteObject{Scheme: "gs", Bucket: "b", Key: "k.cif"}
	_, err := s.Run(context.Background(), []types.InputReference{{ID: obj.String(), Remote: &obj}})
	assert.ErrorIs(t, err, ErrNoFetcher)
}

func TestRun237FilesInto100Checkpoints(t *testing.T) {
	h := newHarness(t, 16)
	s, _ := h.scheduler(t, Config{NumCheckpoints: 100}, funcProcessor(scoreByName), nil)

	inputs := localInputs(237)
	summary, err := s.Run(context.Background(), inputs)
	require.NoError(t, err)

	assert.Equal(t, 237, summary.Total)
	assert.Equal(t, 100, summary.Checkpoints)
	assert.Equal(t, 100, summary.Completed)
	assert.Equal(t, 237, summary.Files)
	assert.Equal(t, 0, summary.Failures)

	rows := readCSV(t, h.resultsPath)
	require.Len(t, rows, 238)
	assert.Equal(t, checkpoint.ResultsHeader, rows[0])
	for i, row := range rows[1:] {
		assert.Equal(t, inputs[i].ID, row[0], "rows are emitted in submission order")
		assert.Equal(t, "", row[2])
	}
	assert.Equal(t, "0.236", rows[237][1])

	logs := readCSV(t, h.logPath)
	require.Len(t, logs, 101)
	assert.Equal(t, []string{"0", "2"}, logs[1][:2])
	assert.Equal(t, []string{"198", "237"}, logs[100][:2])

	marker, err := snapshot.NewManager(h.markerPath).Load()
	require.NoError(t, err)
	assert.Equal(t, 99, marker.LastCompleted)
	assert.Equal(t, 237, marker.Files)
}

func TestRunCorruptFileDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t, 4)
	dataDir := filepath.Join(h.dir, "data")
	writeCIF(t, filepath.Join(dataDir, "a.cif"), [3]float64{0, 0, 0}, [3]float64{3, 0, 0}, [3]float64{20, 0, 0})
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "b.cif"), []byte("data_X\nloop_\n_atom_site.id\n'unterminated\n"), 0o644))
	writeCIF(t, filepath.Join(dataDir, "c.cif"), [3]float64{0, 0, 0}, [3]float64{50, 0, 0})

	inputs, err := ListDirectory(dataDir, ".cif")
	require.NoError(t, err)

	s, _ := h.scheduler(t, Config{NumCheckpoints: 100}, task.NewFileTask(contactorder.DefaultCutoff), nil)
	summary, err := s.Run(context.Background(), inputs)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Files)
	assert.Equal(t, 1, summary.Failures)

	rows := readCSV(t, h.resultsPath)
	require.Len(t, rows, 4)
	assert.NotEmpty(t, rows[1][1])
	assert.Empty(t, rows[1][2])

	assert.Empty(t, rows[2][1], "a row never carries both score and error")
	assert.NotEmpty(t, rows[2][2])

	assert.Equal(t, "0", rows[3][1], "zero contacts score exactly 0")
	assert.Empty(t, rows[3][2])
}

func TestRunTaskTimeoutBecomesRow(t *testing.T) {
	h := newHarness(t, 2)
	proc := funcProcessor(func(ctx context.Context, path string) types.ContactOrderResult {
		if strings.Contains(path, "in-1.") {
			<-ctx.Done()
			return types.Failure(path, task.Classify(ctx.Err()))
		}
		return scoreByName(ctx, path)
	})
	s, _ := h.scheduler(t, Config{NumCheckpoints: 1, TaskTimeout: 20 * time.Millisecond}, proc, nil)

	summary, err := s.Run(context.Background(), localInputs(3))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failures)

	rows := readCSV(t, h.resultsPath)
	require.Len(t, rows, 4)
	assert.Equal(t, "/data/in-1.cif", rows[2][0])
	assert.Equal(t, "task timed out", rows[2][2])
}

// ============================================================================
// 下載模式
// ============================================================================

func TestRunDownloadVariant(t *testing.T) {
	h := newHarness(t, 4)
	store := filepath.Join(h.dir, "store")
	writeCIF(t, filepath.Join(store, "pdb", "x", "one.cif"), [3]float64{0, 0, 0}, [3]float64{3, 0, 0}, [3]float64{20, 0, 0})
	writeCIF(t, filepath.Join(store, "pdb", "y", "one.cif"), [3]float64{0, 0, 0}, [3]float64{50, 0, 0})

	manifest := filepath.Join(h.dir, "manifest.txt")
	require.NoError(t, os.WriteFile(manifest, []byte("gs://pdb/x/one.cif\ngs://pdb/missing.cif\ngs://pdb/y/one.cif\n"), 0o644))
	inputs, skipped, err := fetch.ReadManifest(manifest, "gs")
	require.NoError(t, err)
	require.Zero(t, skipped)

	fetcher := &dirFetcher{root: store}
	tmp := filepath.Join(h.dir, "tmp")
	s, _ := h.scheduler(t, Config{NumCheckpoints: 1, TempDir: tmp}, task.NewFileTask(contactorder.DefaultCutoff), fetcher)

	summary, err := s.Run(context.Background(), inputs)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Files)
	assert.Equal(t, 1, summary.Failures)

	rows := readCSV(t, h.resultsPath)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"gs://pdb/x/one.cif", "0.3333333333333333", ""}, rows[1])
	assert.Equal(t, "gs://pdb/missing.cif", rows[2][0])
	assert.Empty(t, rows[2][1])
	assert.Contains(t, rows[2][2], "gs://pdb/missing.cif")
	assert.Equal(t, []string{"gs://pdb/y/one.cif", "0", ""}, rows[3])

	// 同名物件下載到各自的子目錄
	require.Len(t, fetcher.dirs, 2)
	assert.NotEqual(t, fetcher.dirs[0], fetcher.dirs[1])
	for _, d := range fetcher.dirs {
		assert.True(t, strings.HasPrefix(d, filepath.Join(tmp, "checkpoint-00000")))
	}

	// 暫存目錄在 checkpoint 結束後移除
	_, statErr := os.Stat(filepath.Join(tmp, "checkpoint-00000"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunDownloadTimeoutBecomesRow(t *testing.T) {
	h := newHarness(t, 2)
	inputs := []types.InputReference{{
		ID:     "gs://pdb/slow.cif",
		Remote: &types.RemoteObject{Scheme: "gs", Bucket: "pdb", Key: "slow.cif"},
	}}

	cfg := Config{NumCheckpoints: 1, TaskTimeout: 50 * time.Millisecond}
	s, _ := h.scheduler(t, cfg, funcProcessor(scoreByName), stallFetcher{})

	done := make(chan struct{})
	var summary Summary
	var err error
	go func() {
		defer close(done)
		summary, err = s.Run(context.Background(), inputs)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stalled download was not bounded by the task timeout")
	}

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failures)
	rows := readCSV(t, h.resultsPath)
	require.Len(t, rows, 2)
	assert.Equal(t, "gs://pdb/slow.cif", rows[1][0])
	assert.Empty(t, rows[1][1])
	assert.Contains(t, rows[1][2], "deadline exceeded")
}

func TestDownloadDirRemovedAfterCheckpointWritten(t *testing.T) {
	h := newHarness(t, 2)
	store := filepath.Join(h.dir, "store")
	writeCIF(t, filepath.Join(store, "pdb", "a.cif"), [3]float64{0, 0, 0}, [3]float64{3, 0, 0})
	inputs := []types.InputReference{{
		ID:     "gs://pdb/a.cif",
		Remote: &types.RemoteObject{Scheme: "gs", Bucket: "pdb", Key: "a.cif"},
	}}

	tmp := filepath.Join(h.dir, "tmp")
	cpDir := filepath.Join(tmp, "checkpoint-00000")
	var dirAtReport bool
	var rowsAtReport int
	logger := slog.New(hookHandler{msg: "Checkpoint completed", fn: func() {
		_, err := os.Stat(cpDir)
		dirAtReport = err == nil
		rowsAtReport = len(readCSV(t, h.resultsPath))
	}})

	cfg := Config{NumCheckpoints: 1, TempDir: tmp, Logger: logger}
	s, _ := h.scheduler(t, cfg, task.NewFileTask(contactorder.DefaultCutoff), &dirFetcher{root: store})
	_, err := s.Run(context.Background(), inputs)
	require.NoError(t, err)

	assert.Equal(t, 2, rowsAtReport, "rows are on disk before cleanup")
	assert.True(t, dirAtReport, "download directory still present while the checkpoint is recorded")
	_, statErr := os.Stat(cpDir)
	assert.True(t, os.IsNotExist(statErr), "download directory removed once the checkpoint is written")
}

// ============================================================================
// 取消與續跑
// ============================================================================

func TestRunCancelDiscardsCheckpointAndResumes(t *testing.T) {
	h := newHarness(t, 1)
	inputs := localInputs(10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	crashing := funcProcessor(func(pctx context.Context, path string) types.ContactOrderResult {
		if strings.HasSuffix(path, "in-4.cif") {
			cancel()
		}
		return scoreByName(pctx, path)
	})

	s, w := h.scheduler(t, Config{NumCheckpoints: 5}, crashing, nil)
	summary, err := s.Run(ctx, inputs)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, summary.Completed)
	require.NoError(t, w.Close())

	// 第三個 checkpoint 被丟棄
	assert.Len(t, readCSV(t, h.resultsPath), 5)
	assert.Len(t, readCSV(t, h.logPath), 3)

	marker, err := snapshot.NewManager(h.markerPath).Load()
	require.NoError(t, err)
	assert.Equal(t, 1, marker.LastCompleted)

	// 模擬寫到一半就崩潰的殘留資料
	f, err := os.OpenFile(h.resultsPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("/data/in-4.cif,0.004,\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	resumed, _ := h.scheduler(t, Config{NumCheckpoints: 5, Resume: true}, funcProcessor(scoreByName), nil)
	summary, err = resumed.Run(context.Background(), inputs)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ResumedFrom)
	assert.Equal(t, 5, summary.Completed)
	assert.Equal(t, 10, summary.Files)

	rows := readCSV(t, h.resultsPath)
	require.Len(t, rows, 11)
	for i, row := range rows[1:] {
		assert.Equal(t, inputs[i].ID, row[0])
	}
	logs := readCSV(t, h.logPath)
	require.Len(t, logs, 6)
	assert.Equal(t, []string{"4", "6"}, logs[3][:2])
}

func TestResumeWithoutMarkerStartsFresh(t *testing.T) {
	h := newHarness(t, 2)
	s, _ := h.scheduler(t, Config{NumCheckpoints: 2, Resume: true}, funcProcessor(scoreByName), nil)

	summary, err := s.Run(context.Background(), localInputs(4))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ResumedFrom)
	assert.Len(t, readCSV(t, h.resultsPath), 5)
}

func TestResumeCompletedRunIsNoop(t *testing.T) {
	h := newHarness(t, 2)
	inputs := localInputs(4)

	s, w := h.scheduler(t, Config{NumCheckpoints: 2}, funcProcessor(scoreByName), nil)
	_, err := s.Run(context.Background(), inputs)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	calls := 0
	counting := funcProcessor(func(ctx context.Context, path string) types.ContactOrderResult {
		calls++
		return scoreByName(ctx, path)
	})
	resumed, _ := h.scheduler(t, Config{NumCheckpoints: 2, Resume: true}, counting, nil)
	summary, err := resumed.Run(context.Background(), inputs)
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.Equal(t, 2, summary.Completed)
	assert.Len(t, readCSV(t, h.resultsPath), 5)
}

func TestResumeRejectsChangedPlan(t *testing.T) {
	h := newHarness(t, 2)

	s, w := h.scheduler(t, Config{NumCheckpoints: 2}, funcProcessor(scoreByName), nil)
	_, err := s.Run(context.Background(), localInputs(4))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	tests := []struct {
		name   string
		cfg    Config
		inputs []types.InputReference
	}{
		{"more inputs", Config{NumCheckpoints: 2, Resume: true}, localInputs(5)},
		{"different checkpoints", Config{NumCheckpoints: 4, Resume: true}, localInputs(4)},
		{"reordered inputs", Config{NumCheckpoints: 2, Resume: true}, []types.InputReference{
			{ID: "/data/in-1.cif"}, {ID: "/data/in-0.cif"}, {ID: "/data/in-2.cif"}, {ID: "/data/in-3.cif"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resumed, _ := h.scheduler(t, tt.cfg, funcProcessor(scoreByName), nil)
			_, err := resumed.Run(context.Background(), tt.inputs)
			assert.ErrorIs(t, err, ErrPlanMismatch)
		})
	}
}

func TestFreshRunRemovesStaleMarker(t *testing.T) {
	h := newHarness(t, 2)
	m := snapshot.NewManager(h.markerPath)
	require.NoError(t, m.Write(types.ProgressMarker{Total: 99, LastCompleted: 50}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, _ := h.scheduler(t, Config{NumCheckpoints: 2}, funcProcessor(scoreByName), nil)
	_, err := s.Run(ctx, localInputs(4))
	require.True(t, errors.Is(err, context.Canceled))
	assert.False(t, m.Exists())
}
