// Package workerpool runs background jobs on a fixed set of goroutines with
// a bounded queue and linear-backoff retries.
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

// Task is one unit of work.
type Task struct {
	ID      string
	Payload any
	// Context bounds the task; nil uses the pool's context.
	Context context.Context
}

// Result is the outcome of a task after retries.
type Result struct {
	TaskID   string
	Attempts int
	Error    error
}

// WorkerFunc processes one attempt of a task.
type WorkerFunc func(ctx context.Context, task *Task) error

// Permanent wraps err so it is not retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize bounds the number of queued tasks
	QueueSize int
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration
	// ShutdownTimeout bounds Stop
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for email delivery
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       256,
		MaxRetries:      3,
		RetryDelay:      2 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// ErrQueueFull is returned by Submit when the queue is at capacity.
var ErrQueueFull = errors.New("task queue is full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("pool is shutting down")

// Pool runs tasks on a fixed set of workers.
type Pool struct {
	config Config
	fn     WorkerFunc
	logger *zap.Logger

	tasks   chan *Task
	results chan *Result
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:  cfg,
		fn:      fn,
		logger:  logger,
		tasks:   make(chan *Task, cfg.QueueSize),
		results: make(chan *Result, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task without blocking.
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Results delivers one Result per finished task. Results are dropped when
// nobody reads them.
func (p *Pool) Results() <-chan *Result {
	return p.results
}

// Stop drains the queue and waits for the workers up to ShutdownTimeout.
// In-flight tasks see their context cancelled after the timeout.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.config.ShutdownTimeout):
		p.cancel()
		<-done
		err = fmt.Errorf("worker pool shutdown timed out after %s", p.config.ShutdownTimeout)
		p.logger.Warn("worker pool shutdown timed out")
	}
	p.cancel()
	close(p.results)
	return err
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.active.Add(1)
		res := p.run(task)
		p.active.Add(-1)

		if res.Error == nil {
			p.completed.Add(1)
		} else {
			p.failed.Add(1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Error))
		}

		select {
		case p.results <- res:
		default:
		}
	}
}

// run executes task with retries.
func (p *Pool) run(task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}
	res := &Result{TaskID: task.ID}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Error = err
			return res
		}
		res.Attempts++
		err := p.fn(ctx, task)
		if err == nil {
			res.Error = nil
			return res
		}
		res.Error = err

		var perm *permanentError
		if errors.As(err, &perm) || attempt >= p.config.MaxRetries {
			return res
		}
		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			res.Error = ctx.Err()
			return res
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
}

// Stats is a snapshot of pool counters.
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
func (p *Pool) Stats() Stats {
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

// IsHealthy reports whether the queue is below 90% of capacity.
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
