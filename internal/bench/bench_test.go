package bench

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/contact-order/internal/fetch"
	"github.com/ChuLiYu/contact-order/pkg/types"
)

// stubFetcher 寫出一個小檔案；key 含 "bad" 時回傳錯誤
type stubFetcher struct {
	calls atomic.Int64
}

func (f *stubFetcher) Fetch(ctx context.Context, obj types.RemoteObject, dir string) (string, error) {
	f.calls.Add(1)
	if strings.Contains(obj.Key, "bad") {
		return "", errors.New("404 not found")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	local := filepath.Join(dir, obj.Filename())
	return local, os.WriteFile(local, []byte("data_x\n"), 0o644)
}

func manifestInputs(t *testing.T, n int, bad ...int) []types.InputReference {
	t.Helper()
	isBad := map[int]bool{}
	for _, b := range bad {
		isBad[b] = true
	}
	var lines []string
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("f%03d.cif", i)
		if isBad[i] {
			name = "bad-" + name
		}
		lines = append(lines, "gs://bucket/dir/"+name)
	}
	path := filepath.Join(t.TempDir(), "manifest.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644))
	refs, _, err := fetch.ReadManifest(path, "gs")
	require.NoError(t, err)
	return refs
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRunWritesProgressAndErrors(t *testing.T) {
	out := t.TempDir()
	download := filepath.Join(t.TempDir(), "tmp")
	fetcher := &stubFetcher{}

	runner, err := NewRunner(Config{
		WorkerCounts: []int{1, 4},
		Limit:        25,
		Interval:     10,
		OutDir:       out,
		DownloadDir:  download,
	}, fetcher)
	require.NoError(t, err)

	rounds, err := runner.Run(context.Background(), manifestInputs(t, 40, 3, 30))
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	assert.Equal(t, int64(50), fetcher.calls.Load(), "limit applies to each round")

	for _, round := range rounds {
		assert.Equal(t, 25, round.Files)
		assert.Equal(t, 1, round.Failures, "index 30 is beyond the limit")

		progress := readRows(t, filepath.Join(round.Dir, ProgressFile))
		require.Len(t, progress, 4)
		assert.Equal(t, []string{"time", "num_file", "rel_time"}, progress[0])
		assert.Equal(t, "10", progress[1][1])
		assert.Equal(t, "20", progress[2][1])
		assert.Equal(t, "25", progress[3][1])
		assert.Regexp(t, `^\d{2}:\d{2}:\d{2}$`, progress[3][2])

		errs := readRows(t, filepath.Join(round.Dir, ErrorFile))
		assert.Equal(t, [][]string{{"file"}, {"gs://bucket/dir/bad-f003.cif"}}, errs)
	}
	assert.DirExists(t, filepath.Join(out, "results_1_workers"))
	assert.DirExists(t, filepath.Join(out, "results_4_workers"))

	_, statErr := os.Stat(download)
	assert.True(t, os.IsNotExist(statErr), "download folder is wiped after each round")
}

func TestNewRunnerValidation(t *testing.T) {
	_, err := NewRunner(Config{WorkerCounts: []int{1}}, nil)
	assert.Error(t, err)
	_, err = NewRunner(Config{}, &stubFetcher{})
	assert.Error(t, err)
	_, err = NewRunner(Config{WorkerCounts: []int{0}}, &stubFetcher{})
	assert.Error(t, err)
}

func TestRunEmptyManifest(t *testing.T) {
	runner, err := NewRunner(Config{WorkerCounts: []int{2}, OutDir: t.TempDir()}, &stubFetcher{})
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), nil)
	assert.Error(t, err)
}

func TestClock(t *testing.T) {
	assert.Equal(t, "00:00:00", clock(0))
	assert.Equal(t, "01:01:05", clock(3665e9))
}
