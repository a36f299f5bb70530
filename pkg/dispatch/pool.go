package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/tms-tools/ticket-archiver/pkg/log"
	"github.com/tms-tools/ticket-archiver/pkg/metrics"
)

// Pool runs jobs on a fixed set of in-process workers behind a bounded
// queue. Submissions are rejected once the queue is full or the pool is
// draining; retries are left to the job handler itself.
type Pool struct {
	handler Handler
	queue   chan Job
	wg      sync.WaitGroup

	mu       sync.Mutex
	draining bool
	cancel   context.CancelFunc
}

// NewPool starts workers goroutines consuming a queue of queueSize jobs.
func NewPool(handler Handler, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers * 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		handler: handler,
		queue:   make(chan Job, queueSize),
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

// Submit queues a job for execution. The lock also orders Submit against
// Shutdown closing the queue.
func (p *Pool) Submit(job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return ErrShuttingDown
	}

	select {
	case p.queue <- job:
		metrics.QueueEnqueued.Inc()
		metrics.QueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting work and waits for queued jobs to finish. If
// ctx expires first, running jobs are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil
	}
	p.draining = true
	p.mu.Unlock()

	close(p.queue)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	logger := log.WithComponent("dispatch")
	for job := range p.queue {
		metrics.QueueDepth.Set(float64(len(p.queue)))
		if err := p.handler(ctx, job); err != nil {
			logger.Error().
				Err(err).
				Int64("ticket_id", job.TicketID).
				Str("delivery_id", job.DeliveryID).
				Msg("Job finished with error")
		}
	}
}
