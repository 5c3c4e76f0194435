// Package workerpool runs chunk transfer jobs on a bounded set of
// workers. Transfers of unrelated content are independent, so a single
// shared pool keeps network fan-out under control without any
// per-transfer coordination.
package workerpool

import (
	"runtime"
	"sync"
)

type Pool struct {
	config Config
	tasks  chan task
	closed sync.Once
}

type Config struct {
	// Workers is the number of concurrent workers. Defaults to twice
	// the CPU count; chunk jobs are I/O heavy.
	Workers int
	// QueueSize bounds the shared task queue.
	QueueSize int
}

type task struct {
	run  func() any
	room *Room
}

// Room collects the results of one batch of related jobs, for example
// all chunk uploads of a single payload.
type Room struct {
	pool    *Pool
	results chan any
	wg      sync.WaitGroup
}

func New(config Config) *Pool {
	if config.Workers < 1 {
		config.Workers = runtime.NumCPU() * 2
	}
	if config.QueueSize < 1 {
		config.QueueSize = 1024
	}

	p := &Pool{
		config: config,
		tasks:  make(chan task, config.QueueSize),
	}
	for i := 0; i < config.Workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for t := range p.tasks {
		t.room.results <- t.run()
		t.room.wg.Done()
	}
}

// NewRoom creates a result collector sized for the expected number of
// jobs.
func (p *Pool) NewRoom(size int) *Room {
	if size < 1 {
		size = 1
	}
	return &Room{
		pool:    p,
		results: make(chan any, size),
	}
}

// Close stops the workers once queued tasks have drained. Submitting
// after Close panics.
func (p *Pool) Close() {
	p.closed.Do(func() {
		close(p.tasks)
	})
}

// Submit queues one job. Blocks when the shared queue is full.
func (r *Room) Submit(job func() any) {
	r.wg.Add(1)
	r.pool.tasks <- task{run: job, room: r}
}

// Collect waits for every submitted job and returns all results in
// completion order. Call exactly once per room, after the final
// Submit.
func (r *Room) Collect() []any {
	go func() {
		r.wg.Wait()
		close(r.results)
	}()

	results := make([]any, 0, cap(r.results))
	for result := range r.results {
		results = append(results, result)
	}
	return results
}
