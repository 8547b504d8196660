// Package workerpool provides a bounded pool of goroutines for background
// work such as sink fan-out and asynchronous validation. Submission is
// non-blocking: when the queue is full the task is rejected rather than
// stalling the caller.
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrPoolNotRunning = fmt.Errorf("worker pool is not running")
	ErrQueueFull      = fmt.Errorf("task queue is full")
	ErrSubmitTimeout  = fmt.Errorf("task submission timed out")
)

// Task is one unit of background work. Kind labels the work for logging.
type Task struct {
	ID      string
	Kind    string
	Execute func(ctx context.Context) error
	Created time.Time
}

// Config controls pool sizing and shutdown behavior.
type Config struct {
	MaxWorkers      int           `yaml:"max_workers"`
	QueueSize       int           `yaml:"queue_size"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogStatsEvery   time.Duration `yaml:"log_stats_every"`
}

// Pool runs submitted tasks on a fixed set of workers reading from a
// bounded queue. Stop drains the queue before returning, aborting
// in-flight tasks only when the shutdown timeout elapses.
type Pool struct {
	config Config
	tasks  chan Task
	quit   chan struct{}
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	totalTasks     int64
	activeTasks    int64
	completedTasks int64
	failedTasks    int64
	rejectedTasks  int64

	isRunning bool
	mutex     sync.RWMutex
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	MaxWorkers     int   `json:"max_workers"`
	QueuedTasks    int   `json:"queued_tasks"`
	QueueSize      int   `json:"queue_size"`
	TotalTasks     int64 `json:"total_tasks"`
	ActiveTasks    int64 `json:"active_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	FailedTasks    int64 `json:"failed_tasks"`
	RejectedTasks  int64 `json:"rejected_tasks"`
	IsRunning      bool  `json:"is_running"`
}

// NewPool creates a pool, applying defaults for zero config values.
func NewPool(config Config, logger *logrus.Logger) *Pool {
	if logger == nil {
		logger = logrus.New()
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.MaxWorkers * 10
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: config,
		tasks:  make(chan Task, config.QueueSize),
		quit:   make(chan struct{}),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers. Calling Start on a running pool is a no-op.
func (p *Pool) Start() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.isRunning {
		return nil
	}

	p.logger.WithFields(logrus.Fields{
		"component":   "workerpool",
		"max_workers": p.config.MaxWorkers,
		"queue_size":  p.config.QueueSize,
	}).Info("Starting worker pool")

	for i := 0; i < p.config.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	if p.config.LogStatsEvery > 0 {
		p.wg.Add(1)
		go p.statsLoop()
	}

	p.isRunning = true
	return nil
}

// Stop rejects further submissions, drains the queued tasks, and waits for
// the workers. In-flight tasks are aborted after the shutdown timeout.
func (p *Pool) Stop() error {
	p.mutex.Lock()
	if !p.isRunning {
		p.mutex.Unlock()
		return nil
	}
	p.isRunning = false
	close(p.quit)
	close(p.tasks)
	p.mutex.Unlock()

	p.logger.WithField("component", "workerpool").Info("Stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.WithField("component", "workerpool").Info("Worker pool drained")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.WithField("component", "workerpool").Warn("Worker pool shutdown timeout, aborting in-flight tasks")
		p.cancel()
		<-done
	}

	p.cancel()
	return nil
}

// Submit enqueues a task without blocking. Returns ErrQueueFull when the
// queue has no room.
func (p *Pool) Submit(task Task) error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if !p.isRunning {
		return ErrPoolNotRunning
	}

	task.Created = time.Now()
	atomic.AddInt64(&p.totalTasks, 1)

	select {
	case p.tasks <- task:
		return nil
	default:
		atomic.AddInt64(&p.rejectedTasks, 1)
		return ErrQueueFull
	}
}

// SubmitWait enqueues a task, blocking up to timeout for queue room.
func (p *Pool) SubmitWait(task Task, timeout time.Duration) error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if !p.isRunning {
		return ErrPoolNotRunning
	}

	task.Created = time.Now()
	atomic.AddInt64(&p.totalTasks, 1)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p.tasks <- task:
		return nil
	case <-timer.C:
		atomic.AddInt64(&p.rejectedTasks, 1)
		return ErrSubmitTimeout
	}
}

// GetStats returns a snapshot of pool activity.
func (p *Pool) GetStats() Stats {
	p.mutex.RLock()
	running := p.isRunning
	p.mutex.RUnlock()

	return Stats{
		MaxWorkers:     p.config.MaxWorkers,
		QueuedTasks:    len(p.tasks),
		QueueSize:      p.config.QueueSize,
		TotalTasks:     atomic.LoadInt64(&p.totalTasks),
		ActiveTasks:    atomic.LoadInt64(&p.activeTasks),
		CompletedTasks: atomic.LoadInt64(&p.completedTasks),
		FailedTasks:    atomic.LoadInt64(&p.failedTasks),
		RejectedTasks:  atomic.LoadInt64(&p.rejectedTasks),
		IsRunning:      running,
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.logger.WithFields(logrus.Fields{
		"component": "workerpool",
		"worker_id": id,
	}).Debug("Worker started")

	for task := range p.tasks {
		p.runTask(id, task)
	}
}

func (p *Pool) runTask(workerID int, task Task) {
	atomic.AddInt64(&p.activeTasks, 1)
	defer atomic.AddInt64(&p.activeTasks, -1)

	start := time.Now()
	ctx, cancel := context.WithTimeout(p.ctx, p.config.TaskTimeout)
	err := task.Execute(ctx)
	cancel()

	fields := logrus.Fields{
		"component": "workerpool",
		"worker_id": workerID,
		"task_id":   task.ID,
		"kind":      task.Kind,
		"duration":  time.Since(start),
		"queued":    start.Sub(task.Created),
	}
	if err != nil {
		atomic.AddInt64(&p.failedTasks, 1)
		p.logger.WithError(err).WithFields(fields).Error("Background task failed")
		return
	}
	atomic.AddInt64(&p.completedTasks, 1)
	p.logger.WithFields(fields).Debug("Background task completed")
}

func (p *Pool) statsLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.LogStatsEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := p.GetStats()
			p.logger.WithFields(logrus.Fields{
				"component":       "workerpool",
				"queued_tasks":    stats.QueuedTasks,
				"active_tasks":    stats.ActiveTasks,
				"completed_tasks": stats.CompletedTasks,
				"failed_tasks":    stats.FailedTasks,
				"rejected_tasks":  stats.RejectedTasks,
			}).Debug("Worker pool stats")
		case <-p.quit:
			return
		}
	}
}
