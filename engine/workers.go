package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is one unit of heavy work, typically an encrypt or decrypt-and-merge.
// Workers only compute; any follow-up state change travels back to the
// dispatcher as the returned event.
type Job func() Event

// WorkerPool runs crypto jobs off the dispatcher goroutine on a bounded set
// of workers.
type WorkerPool struct {
	logger   *zap.Logger
	size     int
	dispatch func(Event)

	mu      sync.Mutex
	started bool
	jobs    chan Job
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func NewWorkerPool(
	logger *zap.Logger,
	size int,
	dispatch func(Event),
) *WorkerPool {
	return &WorkerPool{
		logger:   logger.Named("worker_pool"),
		size:     size,
		dispatch: dispatch,
	}
}

func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.Wrap(errors.New("already started"), "start worker pool")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.jobs = make(chan Job, p.size*2)
	p.group, ctx = errgroup.WithContext(ctx)
	p.started = true

	for i := 0; i < p.size; i++ {
		p.group.Go(func() error {
			return p.work(ctx)
		})
	}

	p.logger.Info("worker pool started", zap.Int("size", p.size))
	return nil
}

func (p *WorkerPool) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-p.jobs:
			if event := job(); event != nil {
				p.dispatch(event)
			}
			workerJobsTotal.Inc()
		}
	}
}

// Submit queues one job. Returns false once the pool is stopped.
func (p *WorkerPool) Submit(job Job) bool {
	p.mu.Lock()
	started := p.started
	jobs := p.jobs
	p.mu.Unlock()

	if !started {
		return false
	}

	jobs <- job
	return true
}

func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	group := p.group
	p.mu.Unlock()

	cancel()
	group.Wait()
}
