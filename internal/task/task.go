// ============================================================================
// FileTask - per-file unit of work
// ============================================================================
//
// Package: internal/task
// File: task.go
// Purpose: Wrap StructureReader + ContactOrderCalculator behind one call that
//          always yields a ContactOrderResult. Nothing raised here ever leaves
//          the function: every failure becomes a classified result row so one
//          bad input cannot abort a batch.
//
// Flow:
//   stat/empty check -> parse -> residue count >= 2 -> calculate
//
// ============================================================================

package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/contact-order/internal/contactorder"
	"github.com/ChuLiYu/contact-order/internal/structure"
	"github.com/ChuLiYu/contact-order/pkg/types"
)

var log = slog.Default()

// Processor computes the result for one local path. It never fails; errors are
// carried inside the result.
type Processor interface {
	Process(ctx context.Context, path string) types.ContactOrderResult
}

// FileTask is the local Processor
type FileTask struct {
	Reader *structure.Reader
	Cutoff float64
}

// NewFileTask creates a FileTask with a default reader
func NewFileTask(cutoff float64) *FileTask {
	return &FileTask{Reader: structure.NewReader(), Cutoff: cutoff}
}

// Process implements Processor
func (t *FileTask) Process(ctx context.Context, path string) types.ContactOrderResult {
	return Run(ctx, t.Reader, path, t.Cutoff)
}

// Run processes path with reader and cutoff
func Run(ctx context.Context, reader *structure.Reader, path string, cutoff float64) (result types.ContactOrderResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Recovered panic in file task", "file", path, "panic", r)
			result = types.Failure(path, types.NewError(types.KindUnexpectedFailure, fmt.Sprint(r)))
		}
	}()

	if reader == nil {
		reader = structure.NewReader()
	}

	coords, err := reader.ReadFile(ctx, path)
	if err != nil {
		return types.Failure(path, Classify(err))
	}
	if len(coords) < 2 {
		return types.Failure(path, types.NewError(types.KindTooFewResidues, types.MsgTooFewResidues))
	}

	co, err := contactorder.CalculateContext(ctx, coords, cutoff)
	if err != nil {
		return types.Failure(path, Classify(err))
	}
	return types.Success(path, co)
}

// Classify maps any error onto the per-file error taxonomy
func Classify(err error) *types.ProcessingError {
	var (
		pe    *types.ProcessingError
		parse *structure.ParseError
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &pe):
		return pe
	case errors.Is(err, structure.ErrEmptyFile):
		return types.NewError(types.KindEmptyFile, types.MsgEmptyFile)
	case errors.Is(err, structure.ErrNoResidues):
		return types.NewError(types.KindNoResidues, types.MsgNoResidues)
	case errors.Is(err, contactorder.ErrTooFewResidues):
		return types.NewError(types.KindTooFewResidues, types.MsgTooFewResidues)
	case errors.As(err, &parse):
		return types.NewError(types.KindParseFailure, parse.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewError(types.KindTimeout, "task timed out")
	case errors.Is(err, context.Canceled):
		return types.NewError(types.KindCancelled, "task cancelled")
	default:
		return types.NewError(types.KindUnexpectedFailure, err.Error())
	}
}
