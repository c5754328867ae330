package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DispatchTimeout bounds a single fire-and-forget job.
const DispatchTimeout = 15 * time.Second

// DispatchPool runs fire-and-forget jobs (evidence uploads, audit calls) on a
// fixed set of goroutines. Dispatch never blocks: a full queue drops the job.
type DispatchPool struct {
	workers int
	queue   chan func(ctx context.Context)
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	log     zerolog.Logger
}

// NewDispatchPool starts workers goroutines reading from a queue of the given size.
func NewDispatchPool(ctx context.Context, workers, queueSize int, log zerolog.Logger) *DispatchPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers * 2
	}
	poolCtx, cancel := context.WithCancel(ctx)

	p := &DispatchPool{
		workers: workers,
		queue:   make(chan func(ctx context.Context), queueSize),
		ctx:     poolCtx,
		cancel:  cancel,
		log:     log.With().Str("component", "dispatch_pool").Logger(),
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.log.Info().Int("workers", workers).Int("queue", queueSize).Msg("Dispatch pool started")
	return p
}

func (p *DispatchPool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(job)
		}
	}
}

func (p *DispatchPool) run(job func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("Dispatch job panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(p.ctx, DispatchTimeout)
	defer cancel()
	job(ctx)
}

// Dispatch enqueues job without waiting. Returns false if the pool is
// stopped or the queue is full.
func (p *DispatchPool) Dispatch(job func(ctx context.Context)) bool {
	if p.ctx.Err() != nil {
		return false
	}
	select {
	case p.queue <- job:
		return true
	default:
		return false
	}
}

// Shutdown waits for queued jobs up to the context deadline, then stops the workers.
func (p *DispatchPool) Shutdown(ctx context.Context) {
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for len(p.queue) > 0 {
		select {
		case <-ctx.Done():
			p.log.Warn().Int("pending", len(p.queue)).Msg("Dispatch pool shutdown timed out")
			p.cancel()
			p.wg.Wait()
			return
		case <-poll.C:
		}
	}

	p.cancel()
	p.wg.Wait()
	p.log.Info().Msg("Dispatch pool stopped")
}
