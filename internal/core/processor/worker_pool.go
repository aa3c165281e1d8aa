package processor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"facewatch/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// Job is one unit of CPU-bound recognition work.
type Job func(ctx context.Context) (models.Decision, error)

type jobResult struct {
	decision models.Decision
	err      error
}

type pendingJob struct {
	ctx      context.Context
	job      Job
	resultCh chan jobResult
}

// WorkerPool runs recognition jobs on a bounded set of goroutines so that
// CPU-bound detection and matching cannot head-of-line block concurrent
// requests.
type WorkerPool struct {
	jobs         chan *pendingJob
	workerCount  int
	activeJobs   int
	activeJobsMu sync.Mutex
	shutdown     chan struct{}
}

// NewWorkerPool starts a pool sized to 75% of the available CPUs, at least 2.
func NewWorkerPool() *WorkerPool {
	workerCount := max(2, (runtime.NumCPU()*3)/4)

	log.Infof("Initializing recognition worker pool with %d workers", workerCount)

	pool := &WorkerPool{
		jobs:        make(chan *pendingJob, workerCount*2),
		workerCount: workerCount,
		shutdown:    make(chan struct{}),
	}
	pool.startWorkers()
	return pool
}

func (p *WorkerPool) startWorkers() {
	for i := 0; i < p.workerCount; i++ {
		go func(workerID int) {
			log.Debugf("Worker %d started", workerID)
			for {
				select {
				case pending, ok := <-p.jobs:
					if !ok {
						log.Debugf("Worker %d shutting down (job channel closed)", workerID)
						return
					}
					p.run(workerID, pending)
				case <-p.shutdown:
					log.Debugf("Worker %d received shutdown signal", workerID)
					return
				}
			}
		}(i)
	}
}

func (p *WorkerPool) run(workerID int, pending *pendingJob) {
	p.activeJobsMu.Lock()
	p.activeJobs++
	p.activeJobsMu.Unlock()

	start := time.Now()
	decision, err := pending.job(pending.ctx)

	p.activeJobsMu.Lock()
	p.activeJobs--
	p.activeJobsMu.Unlock()

	select {
	case pending.resultCh <- jobResult{decision: decision, err: err}:
	default:
		log.Warnf("Worker %d: could not deliver result, requester is gone", workerID)
	}

	log.Debugf("Worker %d completed recognition job in %v", workerID, time.Since(start))
}

// Dispatch queues a job and waits for its result. The context only covers
// the time spent queued; a running job is never cancelled.
func (p *WorkerPool) Dispatch(ctx context.Context, job Job) (models.Decision, error) {
	resultCh := make(chan jobResult, 1)
	pending := &pendingJob{ctx: ctx, job: job, resultCh: resultCh}

	select {
	case p.jobs <- pending:
	case <-ctx.Done():
		return models.Decision{}, ctx.Err()
	}

	result := <-resultCh
	return result.decision, result.err
}

// ActiveJobs returns the number of jobs currently executing.
func (p *WorkerPool) ActiveJobs() int {
	p.activeJobsMu.Lock()
	defer p.activeJobsMu.Unlock()
	return p.activeJobs
}

// WorkerCount returns the pool size.
func (p *WorkerPool) WorkerCount() int {
	return p.workerCount
}

// QueueCapacity returns the job queue capacity.
func (p *WorkerPool) QueueCapacity() int {
	return cap(p.jobs)
}

// Shutdown stops all workers.
func (p *WorkerPool) Shutdown() {
	close(p.shutdown)
	close(p.jobs)
}
