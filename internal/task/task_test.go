package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/contact-order/internal/contactorder"
	"github.com/ChuLiYu/contact-order/internal/structure"
	"github.com/ChuLiYu/contact-order/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCIF writes a minimal mmCIF with one CA per point
func writeCIF(t *testing.T, dir, name string, points ...[3]float64) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("data_TEST\nloop_\n_atom_site.group_PDB\n_atom_site.label_atom_id\n_atom_site.auth_asym_id\n_atom_site.auth_seq_id\n_atom_site.Cartn_x\n_atom_site.Cartn_y\n_atom_site.Cartn_z\n")
	for i, p := range points {
		fmt.Fprintf(&b, "ATOM CA A %d %.3f %.3f %.3f\n", i+1, p[0], p[1], p[2])
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

func TestFileTaskSuccess(t *testing.T) {
	path := writeCIF(t, t.TempDir(), "ok.cif", [3]float64{0, 0, 0}, [3]float64{3, 0, 0}, [3]float64{20, 0, 0})

	res := NewFileTask(contactorder.DefaultCutoff).Process(context.Background(), path)
	require.True(t, res.OK())
	v, ok := res.Value()
	require.True(t, ok)
	assert.InDelta(t, 1.0/3.0, v, 1e-12)
	assert.Equal(t, path, res.File)
}

func TestFileTaskZeroContacts(t *testing.T) {
	path := writeCIF(t, t.TempDir(), "far.cif", [3]float64{0, 0, 0}, [3]float64{50, 0, 0})

	res := NewFileTask(contactorder.DefaultCutoff).Process(context.Background(), path)
	require.Nil(t, res.Err)
	assert.Equal(t, 0.0, res.ContactOrder)
}

func TestFileTaskEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.anything")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	res := NewFileTask(contactorder.DefaultCutoff).Process(context.Background(), path)
	require.NotNil(t, res.Err)
	assert.Equal(t, types.KindEmptyFile, res.Err.Kind)
	assert.Equal(t, "File is empty", res.Err.Error())
	_, ok := res.Value()
	assert.False(t, ok)
}

func TestFileTaskTooFewResidues(t *testing.T) {
	path := writeCIF(t, t.TempDir(), "one.cif", [3]float64{0, 0, 0})

	res := NewFileTask(contactorder.DefaultCutoff).Process(context.Background(), path)
	require.NotNil(t, res.Err)
	assert.Equal(t, types.KindTooFewResidues, res.Err.Kind)
	assert.Equal(t, types.MsgTooFewResidues, res.Err.Message)
}

func TestFileTaskCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.cif")
	require.NoError(t, os.WriteFile(path, []byte("this is not a cif file\n"), 0644))

	res := NewFileTask(contactorder.DefaultCutoff).Process(context.Background(), path)
	require.NotNil(t, res.Err)
	assert.Equal(t, types.KindParseFailure, res.Err.Kind)
	assert.NotEmpty(t, res.Err.Message)
}

func TestFileTaskMissingFile(t *testing.T) {
	res := NewFileTask(contactorder.DefaultCutoff).Process(context.Background(), filepath.Join(t.TempDir(), "missing.cif"))
	require.NotNil(t, res.Err)
	assert.Equal(t, types.KindUnexpectedFailure, res.Err.Kind)
}

func TestFileTaskInvalidCutoff(t *testing.T) {
	path := writeCIF(t, t.TempDir(), "ok.cif", [3]float64{0, 0, 0}, [3]float64{3, 0, 0})

	res := NewFileTask(-1).Process(context.Background(), path)
	require.NotNil(t, res.Err)
	assert.Equal(t, types.KindUnexpectedFailure, res.Err.Kind)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.Equal(t, types.KindEmptyFile, Classify(fmt.Errorf("wrap: %w", structure.ErrEmptyFile)).Kind)
	assert.Equal(t, types.KindNoResidues, Classify(structure.ErrNoResidues).Kind)
	assert.Equal(t, types.MsgNoResidues, Classify(structure.ErrNoResidues).Message)
	assert.Equal(t, types.KindTooFewResidues, Classify(contactorder.ErrTooFewResidues).Kind)
	assert.Equal(t, types.KindParseFailure, Classify(&structure.ParseError{Msg: "bad"}).Kind)
	assert.Equal(t, "bad", Classify(&structure.ParseError{Msg: "bad"}).Message)
	assert.Equal(t, types.KindTimeout, Classify(context.DeadlineExceeded).Kind)
	assert.Equal(t, types.KindCancelled, Classify(context.Canceled).Kind)
	assert.Equal(t, types.KindCancelled, Classify(fmt.Errorf("read: %w", context.Canceled)).Kind)
	assert.Equal(t, types.KindUnexpectedFailure, Classify(errors.New("boom")).Kind)

	pe := types.NewError(types.KindFetchFailure, "denied")
	assert.Same(t, pe, Classify(pe))
}

func TestRunTimeout(t *testing.T) {
	path := writeCIF(t, t.TempDir(), "ok.cif", [3]float64{0, 0, 0}, [3]float64{3, 0, 0})
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	res := Run(ctx, nil, path, contactorder.DefaultCutoff)
	require.NotNil(t, res.Err)
	assert.Equal(t, types.KindTimeout, res.Err.Kind)
}

func TestRunCancelled(t *testing.T) {
	path := writeCIF(t, t.TempDir(), "ok.cif", [3]float64{0, 0, 0}, [3]float64{3, 0, 0})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Run(ctx, nil, path, contactorder.DefaultCutoff)
	require.NotNil(t, res.Err)
	assert.Equal(t, types.KindCancelled, res.Err.Kind)
	assert.True(t, res.Transient())
}

func TestResultCache(t *testing.T) {
	dir := t.TempDir()
	path := writeCIF(t, dir, "ok.cif", [3]float64{0, 0, 0}, [3]float64{3, 0, 0})

	cache, err := NewResultCache(8)
	require.NoError(t, err)

	_, ok := cache.Lookup(path, 8)
	assert.False(t, ok)

	cache.Store(path, 8, types.Success(path, 0.5))
	got, ok := cache.Lookup(path, 8)
	require.True(t, ok)
	assert.Equal(t, 0.5, got.ContactOrder)

	// different cutoff is a different entry
	_, ok = cache.Lookup(path, 6)
	assert.False(t, ok)

	// timeouts are never cached
	cache.Store(path, 6, types.Failure(path, types.NewError(types.KindTimeout, "slow")))
	_, ok = cache.Lookup(path, 6)
	assert.False(t, ok)

	// neither are cancellations
	cache.Store(path, 6, types.Failure(path, types.NewError(types.KindCancelled, "task cancelled")))
	_, ok = cache.Lookup(path, 6)
	assert.False(t, ok)

	// rewriting the file invalidates the entry
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	_, ok = cache.Lookup(path, 8)
	assert.False(t, ok)
	assert.Equal(t, 1, cache.Len())
}

func TestNilResultCache(t *testing.T) {
	var cache *ResultCache
	_, ok := cache.Lookup("x", 8)
	assert.False(t, ok)
	cache.Store("x", 8, types.Success("x", 1))
	assert.Equal(t, 0, cache.Len())
}
