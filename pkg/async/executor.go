package async

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Task represents a unit of work that can be executed by an Executor.
type Task interface {
	// Execute runs the task with the given context.
	Execute(ctx context.Context) error
}

// TaskFunc is a function type that implements the Task interface.
type TaskFunc func(ctx context.Context) error

// Execute implements the Task interface for TaskFunc.
func (f TaskFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// Executor runs tasks asynchronously.
type Executor interface {
	// SubmitWithContext queues task for execution. The context bounds the
	// queuing and is handed to the task.
	SubmitWithContext(ctx context.Context, task Task) error
}

// GoroutineExecutor runs every task on a fresh goroutine.
type GoroutineExecutor struct{}

// SubmitWithContext starts task on a new goroutine.
func (GoroutineExecutor) SubmitWithContext(ctx context.Context, task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cannot submit task: context canceled: %w", err)
	}
	go func() {
		_ = task.Execute(ctx)
	}()
	return nil
}

// Go runs fn on exec and returns a future holding its outcome. A task that
// panics completes the future with an error.
func Go[T any](ctx context.Context, exec Executor, fn func(ctx context.Context) (T, error)) *Future[T] {
	if exec == nil {
		exec = GoroutineExecutor{}
	}
	p := NewPromise[T]()
	err := exec.SubmitWithContext(ctx, TaskFunc(func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v\nStack trace:\n%s", r, debug.Stack())
				p.Reject(err)
			}
		}()
		value, err := fn(ctx)
		p.Complete(value, err)
		return err
	}))
	if err != nil {
		p.Reject(err)
	}
	return p.Future()
}
