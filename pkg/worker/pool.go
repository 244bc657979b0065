package worker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// job is one queued dataset to process.
type job struct {
	fileID   int64
	path     string
	filename string
}

// Pool runs processing jobs on a fixed set of workers. At most one job
// per dataset is queued or running at any time; a job is pinned to one
// worker for its whole duration.
type Pool struct {
	orchestrator *Orchestrator
	jobs         chan job
	logger       zerolog.Logger

	mu     sync.Mutex
	active map[int64]bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool starts workers goroutines draining the queue.
func NewPool(orchestrator *Orchestrator, workers, queueDepth int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	p := &Pool{
		orchestrator: orchestrator,
		jobs:         make(chan job, queueDepth),
		logger:       logger,
		active:       make(map[int64]bool),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Enqueue schedules a dataset for processing. It reports false when the
// dataset already has a queued or running job, or the queue is full.
func (p *Pool) Enqueue(fileID int64, path, filename string) bool {
	p.mu.Lock()
	if p.active[fileID] {
		p.mu.Unlock()
		return false
	}
	p.active[fileID] = true
	p.mu.Unlock()

	select {
	case p.jobs <- job{fileID: fileID, path: path, filename: filename}:
		return true
	default:
		p.mu.Lock()
		delete(p.active, fileID)
		p.mu.Unlock()
		p.logger.Warn().Int64("file_id", fileID).Msg("worker queue full")
		return false
	}
}

// Stop closes the queue and waits for in-flight jobs.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.jobs) })
	p.wg.Wait()
}

func (p *Pool) run() {
	defer p.wg.Done()
	for j := range p.jobs {
		if err := p.orchestrator.Process(context.Background(), j.fileID, j.path, j.filename); err != nil {
			p.logger.Error().Err(err).Int64("file_id", j.fileID).Msg("processing job failed")
		}
		p.mu.Lock()
		delete(p.active, j.fileID)
		p.mu.Unlock()
	}
}
