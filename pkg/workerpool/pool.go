// Package workerpool runs queued tasks on a fixed set of workers with
// bounded retries. It backs notification dispatch, where delivery targets
// are rate-limited and a small pool keeps ordering pressure low.
package workerpool

import (
	"context"
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
	Context context.Context
}

// Result reports the outcome of a task after all retries.
type Result struct {
	TaskID  string
	Success bool
	Error   error
}

// WorkerFunc executes a single task attempt.
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config sizes the pool.
type Config struct {
	Workers                 int
	QueueSize               int
	MaxRetries              int
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for notification dispatch.
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               1024,
		MaxRetries:              3,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool dispatches tasks to workers. Create with New, then Start.
type Pool struct {
	cfg    Config
	fn     WorkerFunc
	logger *zap.Logger

	tasks  chan *Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted int64
	completed int64
	failed    int64
}

// New creates a pool running fn for each submitted task.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
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
	return &Pool{
		cfg:    cfg,
		fn:     fn,
		logger: logger,
		tasks:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit enqueues a task. It never blocks: a full queue is an error so the
// caller can leave the triggering event uncommitted and get it redelivered.
func (p *Pool) Submit(task *Task) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("pool is shutting down")
	default:
	}

	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

// Stop drains the queue and waits for in-flight tasks, up to the configured
// shutdown timeout.
func (p *Pool) Stop() error {
	p.cancel()
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped",
			zap.Int64("completed", atomic.LoadInt64(&p.completed)),
			zap.Int64("failed", atomic.LoadInt64(&p.failed)))
		return nil
	case <-time.After(p.cfg.GracefulShutdownTimeout):
		return fmt.Errorf("worker pool shutdown timed out after %s", p.cfg.GracefulShutdownTimeout)
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.attempt(id, task)
	}
}

// attempt runs the task with linear backoff between retries. The final
// failure is logged; there is no result channel because dispatch outcomes
// only matter in aggregate.
func (p *Pool) attempt(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var res *Result
	for try := 0; ; try++ {
		res = p.fn(ctx, task)
		if res == nil {
			res = &Result{TaskID: task.ID, Success: true}
		}
		if res.Success || try >= p.cfg.MaxRetries {
			break
		}

		delay := p.cfg.RetryDelay * time.Duration(try+1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", try+1),
			zap.Error(res.Error))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			res = &Result{TaskID: task.ID, Success: false, Error: ctx.Err()}
			try = p.cfg.MaxRetries
		}
		if try >= p.cfg.MaxRetries {
			break
		}
	}

	if res.Success {
		atomic.AddInt64(&p.completed, 1)
		return
	}
	atomic.AddInt64(&p.failed, 1)
	p.logger.Error("task failed after retries",
		zap.String("task_id", task.ID),
		zap.Int("worker", workerID),
		zap.Error(res.Error))
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	QueueLen  int   `json:"queue_len"`
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
		QueueLen:  len(p.tasks),
	}
}
