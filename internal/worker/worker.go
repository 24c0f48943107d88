// ============================================================================
// Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that actually executes tasks, each Worker runs in an
//           independent goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Execute task with its own timeout Context
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// Timeout Control:
//   The task body runs in a child goroutine; the worker selects on the body's
//   completion and ctx.Done(). A hung task therefore releases its worker after
//   Timeout and is reported with context.DeadlineExceeded, while the body sees
//   a cancelled Context and is expected to stop on its own.
//
// Panics inside the task body are recovered and reported as errors.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker[T any] struct {
	id       int              // Worker unique identifier, used for logging and debugging
	parent   context.Context  // Pool lifetime context
	taskCh   <-chan Task[T]   // Task channel (read-only)
	resultCh chan<- Result[T] // Result channel (write-only)
	stopCh   <-chan struct{}  // Closed when the pool stops
}

// newWorker creates a new Worker instance
func newWorker[T any](id int, parent context.Context, taskCh <-chan Task[T], resultCh chan<- Result[T], stopCh <-chan struct{}) *Worker[T] {
	return &Worker[T]{
		id:       id,
		parent:   parent,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker
func (w *Worker[T]) Run() {
	for task := range w.taskCh {
		result := w.execute(task)

		// Nobody collects results once the pool is stopping
		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			return
		}
	}
}

type outcome[T any] struct {
	value T
	err   error
}

// execute runs one task under its timeout
func (w *Worker[T]) execute(task Task[T]) Result[T] {
	start := time.Now()

	ctx, cancel := context.WithCancel(w.parent)
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(w.parent, task.Timeout)
	}
	defer cancel() // Release resources

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		v, err := task.Run(ctx)
		done <- outcome[T]{value: v, err: err}
	}()

	result := Result[T]{ID: task.ID, Index: task.Index}
	select {
	case out := <-done:
		result.Value = out.value
		result.Err = out.err
	case <-ctx.Done():
		select {
		case out := <-done:
			result.Value = out.value
			result.Err = out.err
		default:
			result.Err = ctx.Err()
		}
	}
	result.Duration = time.Since(start)
	return result
}
