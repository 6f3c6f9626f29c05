// Package workerpool runs blocking work off the dispatch goroutine.
// Tasks submitted with the same key run one after another, in submission
// order, on the same worker.
package workerpool

import (
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type Task func()

type Pool struct {
	queues []chan Task
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New starts workers goroutines, each with its own queue of queueSize.
func New(workers int, queueSize int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	pool := &Pool{
		queues: make([]chan Task, workers),
		logger: logger,
	}
	for i := range pool.queues {
		pool.queues[i] = make(chan Task, queueSize)
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		"workers", workers,
		"queue_size", queueSize)

	return pool
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.queues[id] {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("Task panic recovered",
						"worker_id", id,
						"panic", r)
				}
			}()
			task()
		}()
	}
}

func (p *Pool) queue(key string) chan Task {
	return p.queues[xxhash.Sum64String(key)%uint64(len(p.queues))]
}

// Submit queues task behind earlier tasks with the same key. It never
// blocks: it returns false when that queue is full or the pool is shut down.
func (p *Pool) Submit(key string, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue(key) <- task:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting tasks and waits for the queued ones to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("Worker pool shutdown completed")
}
