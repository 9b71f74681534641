package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

// pool runs the workers of one job type
type pool struct {
	ctx     context.Context
	m       *Manager
	jobType domain.JobType
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	workers []chan struct{}
	nextNum int
	wg      sync.WaitGroup

	paused atomic.Bool
	wake   chan struct{}
}

func newPool(ctx context.Context, m *Manager, jobType domain.JobType, handler Handler) *pool {
	return &pool{
		ctx:     ctx,
		m:       m,
		jobType: jobType,
		handler: handler,
		logger:  m.logger.With(slog.String("job_type", string(jobType))),
		wake:    make(chan struct{}, 1),
	}
}

// signal wakes one idle worker without blocking
func (p *pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// resize starts or stops workers until n are running. Stopped workers finish their current job.
func (p *pool) resize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.workers) < n {
		stop := make(chan struct{})
		p.workers = append(p.workers, stop)
		p.wg.Add(1)
		go p.workerLoop(p.ctx, p.nextNum, stop)
		p.nextNum++
	}

	for len(p.workers) > n {
		last := len(p.workers) - 1
		close(p.workers[last])
		p.workers = p.workers[:last]
	}

	p.logger.Debug("Worker pool sized", slog.Int("concurrency", n))
}

func (p *pool) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, stop := range p.workers {
		close(stop)
	}
	p.workers = nil
}

func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// workerLoop dequeues and processes jobs until stopped, sleeping on the wake channel or the
// poll interval when the queue is empty
func (p *pool) workerLoop(ctx context.Context, workerNum int, stop <-chan struct{}) {
	defer p.wg.Done()

	workerName := fmt.Sprintf("%s-%s-%d", p.m.workerID, p.jobType, workerNum)
	p.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	ticker := time.NewTicker(p.m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			p.logger.Debug("Worker goroutine stopping", slog.String("worker_name", workerName))
			return
		case <-ctx.Done():
			return
		default:
		}

		if !p.paused.Load() {
			job, err := p.m.backend.Dequeue(ctx, p.jobType, workerName, p.m.now())
			switch {
			case err == nil:
				// more jobs may be waiting, let another idle worker look
				p.signal()
				p.processJob(ctx, job, workerName)
				continue
			case errors.Is(err, domain.ErrNoJobAvailable):
			case ctx.Err() != nil:
				return
			default:
				p.logger.Error("Failed to dequeue job",
					slog.String("worker_name", workerName),
					slog.Any("error", err),
				)
			}
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}
