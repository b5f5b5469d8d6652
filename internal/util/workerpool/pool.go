// Package workerpool runs background jobs, such as replication cycles, on a
// fixed number of goroutines fed by a bounded queue.
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

var (
	// ErrStopped is returned when submitting to a stopped pool
	ErrStopped = errors.New("worker pool is stopped")
	// ErrQueueFull is returned by Submit when the queue has no room
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Job is a unit of work. Run receives the pool's context, which is
// cancelled only if Stop times out.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// Pool executes submitted jobs. Stop drains everything already queued.
type Pool struct {
	name    string
	workers int
	queue   chan Job
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	active    int32
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// New starts a pool
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    cfg.Name,
		workers: cfg.Workers,
		queue:   make(chan Job, cfg.QueueSize),
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.queue {
		p.execute(id, job)
	}
}

func (p *Pool) execute(workerID int, job Job) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	err := p.safeRun(job)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Error("Job failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("job", job.Name),
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
	p.logger.Debug("Job completed",
		zap.String("pool", p.name),
		zap.String("job", job.Name),
		zap.Duration("duration", duration))
}

func (p *Pool) safeRun(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(p.ctx)
}

// Submit enqueues job without blocking
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		atomic.AddUint64(&p.rejected, 1)
		return ErrStopped
	}
	select {
	case p.queue <- job:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return ErrQueueFull
	}
}

// Stop rejects new jobs and waits for queued ones to finish. If timeout
// elapses first the pool context is cancelled and an error is returned.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool", zap.String("name", p.name))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		return nil
	case <-time.After(timeout):
		p.cancel()
		p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		return fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
	}
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// Stats returns current counters
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(atomic.LoadInt32(&p.active)),
		Queued:    len(p.queue),
		Submitted: atomic.LoadUint64(&p.submitted),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}
