package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	bferrors "github.com/vnykmshr/bucketflow/pkg/common/errors"
	"github.com/vnykmshr/bucketflow/pkg/metrics"
)

// Config holds configuration options for creating a worker pool.
type Config struct {
	// Name labels the pool in metrics.
	Name string

	// WorkerCount is the number of workers in the pool.
	// Must be greater than 0.
	WorkerCount int

	// QueueSize is the maximum number of tasks that can be queued.
	// Zero hands each task directly to an idle worker.
	QueueSize int

	// TaskTimeout is the default timeout for individual task execution.
	// Zero means no timeout.
	TaskTimeout time.Duration

	// PanicHandler is called when a worker panics during task execution.
	// If nil, panics are recovered silently and the worker keeps running.
	PanicHandler func(task Task, recovered interface{})

	// Metrics receives pool gauges and task counters. Nil disables metrics.
	Metrics *metrics.Registry
}

// Pool is a fixed size worker pool implementing Executor.
type Pool struct {
	config Config

	taskQueue    chan taskWithContext
	shutdownCh   chan struct{}
	stopCh       chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	mu         sync.RWMutex
	isShutdown bool

	activeWorkers  atomic.Int32
	totalSubmitted atomic.Int64
	totalCompleted atomic.Int64

	workerWg sync.WaitGroup
}

type taskWithContext struct {
	task Task
	ctx  context.Context
}

// New creates a new worker pool with the specified number of workers and queue size.
func New(workerCount, queueSize int) *Pool {
	return NewWithConfig(Config{
		WorkerCount: workerCount,
		QueueSize:   queueSize,
	})
}

// NewWithConfig creates a new worker pool with the specified configuration.
func NewWithConfig(config Config) *Pool {
	if config.WorkerCount <= 0 {
		panic("worker count must be positive")
	}
	if config.QueueSize < 0 {
		panic("queue size must be >= 0")
	}
	if config.Name == "" {
		config.Name = "default"
	}

	pool := &Pool{
		config:     config,
		taskQueue:  make(chan taskWithContext, config.QueueSize),
		shutdownCh: make(chan struct{}),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}

	for i := 0; i < config.WorkerCount; i++ {
		pool.workerWg.Add(1)
		go pool.run()
	}
	return pool
}

// Submit adds a task to the pool for execution with context.Background().
func (p *Pool) Submit(task Task) error {
	return p.SubmitWithContext(context.Background(), task)
}

// SubmitWithContext adds a task to the pool for execution with the given context.
// If the pool has a TaskTimeout configured, the effective timeout is the minimum
// of the context deadline and TaskTimeout.
func (p *Pool) SubmitWithContext(ctx context.Context, task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	// the read lock is held until the task is queued so that Shutdown only
	// stops workers after every in-flight submission has settled
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.isShutdown {
		return fmt.Errorf("cannot submit task: %w", bferrors.ErrClosed)
	}

	// pre-canceled contexts never reach the queue
	select {
	case <-ctx.Done():
		return fmt.Errorf("cannot submit task: context canceled: %w", ctx.Err())
	default:
	}

	select {
	case p.taskQueue <- taskWithContext{task: task, ctx: ctx}:
		p.totalSubmitted.Add(1)
		p.updateQueueGauge()
		return nil
	case <-p.shutdownCh:
		return fmt.Errorf("cannot submit task: %w", bferrors.ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("cannot submit task: context canceled: %w", ctx.Err())
	}
}

// Shutdown stops accepting tasks. Queued tasks still run. The returned
// channel closes once every worker has exited.
func (p *Pool) Shutdown() <-chan struct{} {
	p.shutdownOnce.Do(func() {
		close(p.shutdownCh)

		p.mu.Lock()
		p.isShutdown = true
		p.mu.Unlock()

		close(p.stopCh)

		go func() {
			p.workerWg.Wait()
			close(p.done)
		}()
	})
	return p.done
}

// Size returns the number of workers in the pool.
func (p *Pool) Size() int {
	return p.config.WorkerCount
}

// QueueSize returns the current number of queued tasks waiting for execution.
func (p *Pool) QueueSize() int {
	return len(p.taskQueue)
}

// ActiveWorkers returns the number of workers currently executing tasks.
func (p *Pool) ActiveWorkers() int {
	return int(p.activeWorkers.Load())
}

// TotalSubmitted returns the total number of tasks accepted by the pool.
func (p *Pool) TotalSubmitted() int64 {
	return p.totalSubmitted.Load()
}

// TotalCompleted returns the total number of tasks executed by the pool.
func (p *Pool) TotalCompleted() int64 {
	return p.totalCompleted.Load()
}

func (p *Pool) run() {
	defer p.workerWg.Done()

	for {
		select {
		case twc := <-p.taskQueue:
			p.executeTask(twc)
		case <-p.stopCh:
			// drain what is already queued before exiting
			for {
				select {
				case twc := <-p.taskQueue:
					p.executeTask(twc)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) executeTask(twc taskWithContext) {
	p.activeWorkers.Add(1)
	p.updateQueueGauge()
	outcome := "success"

	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			if p.config.PanicHandler != nil {
				p.config.PanicHandler(twc.task, r)
			}
		}
		p.activeWorkers.Add(-1)
		p.totalCompleted.Add(1)
		if m := p.config.Metrics; m != nil {
			m.AsyncTasks.WithLabelValues(p.config.Name, outcome).Inc()
			m.AsyncWorkers.WithLabelValues(p.config.Name).Set(float64(p.activeWorkers.Load()))
		}
	}()

	if m := p.config.Metrics; m != nil {
		m.AsyncWorkers.WithLabelValues(p.config.Name).Set(float64(p.activeWorkers.Load()))
	}

	ctx := twc.ctx
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}

	if err := twc.task.Execute(ctx); err != nil {
		outcome = "error"
	}
}

func (p *Pool) updateQueueGauge() {
	if m := p.config.Metrics; m != nil {
		m.AsyncQueued.WithLabelValues(p.config.Name).Set(float64(len(p.taskQueue)))
	}
}
