// Package workerpool provides a bounded worker pool for controlled concurrency.
// The parse worker runs every consumed prescription through it.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned when submitting to a stopped pool
var ErrPoolClosed = errors.New("pool is shutting down")

// ErrQueueFull is returned when the task queue has no room
var ErrQueueFull = errors.New("task queue is full")

// job is a unit of work queued on the pool
type job[In, Out any] struct {
	id      string
	payload In
	ctx     context.Context
	reply   chan Result[Out]
}

// Result is the outcome of task processing
type Result[Out any] struct {
	TaskID   string
	Attempts int
	Value    Out
	Err      error
}

// Success reports whether the task produced a value
func (r Result[Out]) Success() bool { return r.Err == nil }

// WorkerFunc processes one task payload
type WorkerFunc[In, Out any] func(ctx context.Context, payload In) (Out, error)

// RetryPolicy decides whether a failed attempt is worth repeating
type RetryPolicy func(err error) bool

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries, multiplied by the attempt
	RetryDelay time.Duration
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for the parse worker
func DefaultConfig() Config {
	return Config{
		Workers:                 16,
		QueueSize:               1024,
		MaxRetries:              2,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool[In, Out any] struct {
	config Config
	fn     WorkerFunc[In, Out]
	retry  RetryPolicy
	logger *zap.Logger

	tasks chan *job[In, Out]
	wg    sync.WaitGroup

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	mu      sync.RWMutex

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
}

// New creates a new worker pool
func New[In, Out any](cfg Config, fn WorkerFunc[In, Out], logger *zap.Logger) (*Pool[In, Out], error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[In, Out]{
		config: cfg,
		fn:     fn,
		retry:  func(error) bool { return true },
		logger: logger,
		tasks:  make(chan *job[In, Out], cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// WithRetryPolicy limits retries to errors the policy accepts
func (p *Pool[In, Out]) WithRetryPolicy(policy RetryPolicy) *Pool[In, Out] {
	if policy != nil {
		p.retry = policy
	}
	return p
}

// Start launches all workers
func (p *Pool[In, Out]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task without waiting for it. The result is only counted
// and logged.
func (p *Pool[In, Out]) Submit(ctx context.Context, id string, payload In) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped.Load() {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- &job[In, Out]{id: id, payload: payload, ctx: ctx}:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Do runs payload on the pool and waits for its result. It blocks while the
// queue is full until ctx is done.
func (p *Pool[In, Out]) Do(ctx context.Context, id string, payload In) Result[Out] {
	reply := make(chan Result[Out], 1)
	task := &job[In, Out]{id: id, payload: payload, ctx: ctx, reply: reply}

	p.mu.RLock()
	if p.stopped.Load() {
		p.mu.RUnlock()
		return Result[Out]{TaskID: id, Err: ErrPoolClosed}
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return Result[Out]{TaskID: id, Err: ctx.Err()}
	}

	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return Result[Out]{TaskID: id, Err: ctx.Err()}
	}
}

// Stop gracefully shuts down the pool, letting queued tasks finish
func (p *Pool[In, Out]) Stop() error {
	p.mu.Lock()
	if p.stopped.Swap(true) {
		p.mu.Unlock()
		return nil
	}
	close(p.tasks)
	p.mu.Unlock()
	p.logger.Info("stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		p.cancel()
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool[In, Out]) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("worker started", zap.Int("worker_id", id))
	p.active.Add(1)
	defer p.active.Add(-1)

	for task := range p.tasks {
		p.process(id, task)
	}

	p.logger.Debug("worker stopped", zap.Int("worker_id", id))
}

// process runs a single task with linear backoff between retries
func (p *Pool[In, Out]) process(workerID int, task *job[In, Out]) {
	ctx := task.ctx
	if ctx == nil {
		ctx = p.ctx
	}

	var (
		value    Out
		err      error
		attempts int
	)
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			break
		}
		attempts++
		value, err = p.fn(ctx, task.payload)
		if err == nil || attempt == p.config.MaxRetries || !p.retry(err) {
			break
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.id),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if err == nil {
		p.completed.Add(1)
	} else {
		p.failed.Add(1)
		p.logger.Error("task failed",
			zap.String("task_id", task.id),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", attempts),
			zap.Error(err))
	}

	if task.reply != nil {
		task.reply <- Result[Out]{TaskID: task.id, Attempts: attempts, Value: value, Err: err}
	}
}

// Stats is a snapshot of pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool[In, Out]) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		ActiveWorkers:  p.active.Load(),
		QueueDepth:     len(p.tasks),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is not backing up
func (p *Pool[In, Out]) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
