package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Worker pool errors
var (
	ErrPoolShutdown  = errors.New("worker pool is shut down")
	ErrPoolQueueFull = errors.New("task queue is full")
)

// Task is a unit of work for the worker pool, typically one receive
// callback invocation.
type Task struct {
	ID        string
	Subject   string
	Run       func(ctx context.Context) error
	CreatedAt time.Time
	// Ctx bounds the task. Nil runs it under the pool context, which is
	// cancelled when a shutdown times out.
	Ctx context.Context
}

// NewTask creates a new task running under the pool context.
func NewTask(id, subject string, run func(ctx context.Context) error) *Task {
	return &Task{
		ID:        id,
		Subject:   subject,
		Run:       run,
		CreatedAt: time.Now(),
	}
}

// Result represents the result of task processing.
type Result struct {
	TaskID   string
	Subject  string
	Success  bool
	Error    error
	Duration time.Duration
	Waited   time.Duration
	WorkerID int
}

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	Active      int64   `json:"active"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// WorkerPool manages a pool of goroutine workers for parallel processing.
type WorkerPool struct {
	name       string
	workers    int
	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup

	// Atomic counters for thread-safe statistics
	active    int64
	completed int64
	failed    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewWorkerPool creates a new worker pool with the specified number of workers.
func NewWorkerPool(name string, workers int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		name:       name,
		workers:    workers,
		taskChan:   make(chan *Task, workers*100), // buffered channel
		resultChan: make(chan *Result, workers*100),
		ctx:        ctx,
		cancel:     cancel,
		running:    true,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	return pool
}

// worker is the goroutine that processes tasks.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskChan:
			if !ok {
				return
			}
			p.processTask(id, task)
		}
	}
}

// processTask executes a single task and sends the result.
func (p *WorkerPool) processTask(workerID int, task *Task) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	start := time.Now()

	result := &Result{
		TaskID:   task.ID,
		Subject:  task.Subject,
		WorkerID: workerID,
		Waited:   start.Sub(task.CreatedAt),
	}

	// Panic recovery to prevent one callback from crashing the entire pool
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Errorf("panic in task processing: %v", r)
			result.Duration = time.Since(start)
			atomic.AddInt64(&p.failed, 1)
			p.sendResult(result)
		}
	}()

	ctx := task.Ctx
	if ctx == nil {
		ctx = p.ctx
	}
	select {
	case <-ctx.Done():
		result.Error = ctx.Err()
		result.Duration = time.Since(start)
		atomic.AddInt64(&p.failed, 1)
		p.sendResult(result)
		return
	default:
	}

	if task.Run != nil {
		result.Error = task.Run(ctx)
	} else {
		result.Error = errors.New("no run function defined")
	}
	result.Success = result.Error == nil
	result.Duration = time.Since(start)

	if result.Success {
		atomic.AddInt64(&p.completed, 1)
	} else {
		atomic.AddInt64(&p.failed, 1)
	}

	p.sendResult(result)
}

// sendResult sends a result to the result channel (non-blocking).
func (p *WorkerPool) sendResult(result *Result) {
	select {
	case p.resultChan <- result:
	default:
		// Channel full, result dropped (caller should consume results)
	}
}

// Submit adds a task to the worker pool for processing.
func (p *WorkerPool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrPoolShutdown
	}

	select {
	case p.taskChan <- task:
		return nil
	default:
		return ErrPoolQueueFull
	}
}

// Results returns the result channel for consuming results. It is closed
// once the pool shut down.
func (p *WorkerPool) Results() <-chan *Result {
	return p.resultChan
}

// GetStats returns current worker pool statistics.
func (p *WorkerPool) GetStats() PoolStats {
	completed := atomic.LoadInt64(&p.completed)
	failed := atomic.LoadInt64(&p.failed)
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return PoolStats{
		Name:        p.name,
		Workers:     p.workers,
		Active:      atomic.LoadInt64(&p.active),
		Completed:   completed,
		Failed:      failed,
		Pending:     len(p.taskChan),
		SuccessRate: successRate,
	}
}

// Shutdown stops accepting tasks, lets queued ones finish and waits for the
// workers.
func (p *WorkerPool) Shutdown() {
	if !p.stopAccepting() {
		return
	}
	p.wg.Wait()
	p.cancel()
	close(p.resultChan)
}

// ShutdownWithTimeout shuts down, cancelling running tasks after timeout.
func (p *WorkerPool) ShutdownWithTimeout(timeout time.Duration) error {
	if !p.stopAccepting() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		close(p.resultChan)
		return nil
	case <-time.After(timeout):
		p.cancel()
		<-done
		close(p.resultChan)
		return errors.New("shutdown timeout")
	}
}

func (p *WorkerPool) stopAccepting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	p.running = false
	close(p.taskChan)
	return true
}

// IsRunning returns true if the pool is still accepting tasks.
func (p *WorkerPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
