// Package worker runs the background loops: the send worker pool that
// drains the outbound queue through the dispatcher, and the dedup pruner
// that trims expired webhook dedup records.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/logger"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 100
	DefaultWorkers      = 5
	DefaultStaleAge     = 10 * time.Minute

	// DefaultMaxQueueAttempts bounds queue-level redelivery. A message that
	// keeps coming back (requeued by rate limiting or infrastructure
	// errors) is dead-lettered instead of cycling forever.
	DefaultMaxQueueAttempts = 5
)

// Queue is the slice of the send queue the pool needs.
type Queue interface {
	ClaimBatch(ctx context.Context, limit int) ([]domain.QueuedMessage, error)
	MarkSent(ctx context.Context, queueID string) error
	MarkSuppressed(ctx context.Context, queueID string) error
	MarkFailed(ctx context.Context, queueID, lastError string) error
	MarkDeadLetter(ctx context.Context, queueID, lastError string) error
	Requeue(ctx context.Context, queueID string, retryAt time.Time, lastError string) error
	ReclaimStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Sender dispatches one message through suppression, quota, and provider.
type Sender interface {
	Send(ctx context.Context, msg *domain.OutboundMessage) (domain.SendOutcome, error)
}

// MessageLog records provider-accepted sends.
type MessageLog interface {
	RecordSent(ctx context.Context, msg *domain.OutboundMessage, providerMessageID string, sentAt time.Time) error
}

// Injector rewrites message content before dispatch. tracking.Injector
// satisfies it.
type Injector interface {
	Inject(msg *domain.OutboundMessage)
}

// SendWorkerPool claims queued messages in batches and fans them out to
// workers. Each worker owns one message at a time; batch claims use
// SKIP LOCKED so pools on different hosts never double-send.
type SendWorkerPool struct {
	queue    Queue
	sender   Sender
	log      MessageLog
	injector Injector

	workers      int
	batchSize    int
	pollInterval time.Duration
	staleAge     time.Duration
	maxAttempts  int

	sent        int64
	failed      int64
	suppressed  int64
	rateLimited int64
	requeued    int64
	deadLetters int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type PoolOption func(*SendWorkerPool)

func WithWorkers(n int) PoolOption {
	return func(p *SendWorkerPool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithBatchSize(n int) PoolOption {
	return func(p *SendWorkerPool) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithPollInterval(d time.Duration) PoolOption {
	return func(p *SendWorkerPool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithInjector enables tracking injection before dispatch.
func WithInjector(in Injector) PoolOption {
	return func(p *SendWorkerPool) { p.injector = in }
}

func NewSendWorkerPool(queue Queue, sender Sender, log MessageLog, opts ...PoolOption) *SendWorkerPool {
	p := &SendWorkerPool{
		queue:        queue,
		sender:       sender,
		log:          log,
		workers:      DefaultWorkers,
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
		staleAge:     DefaultStaleAge,
		maxAttempts:  DefaultMaxQueueAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the claim loop. Safe to call once; a second call while
// running is a no-op.
func (p *SendWorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.running = true
	go p.run(ctx)
	logger.Info("send worker pool started", "workers", p.workers, "batch_size", p.batchSize)
}

// Stop cancels the loop and waits for in-flight sends to finish.
func (p *SendWorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	logger.Info("send worker pool stopped", "stats", p.Stats())
}

func (p *SendWorkerPool) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		p.drainOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drainOnce claims and processes batches until the queue is empty or the
// context is canceled.
func (p *SendWorkerPool) drainOnce(ctx context.Context) {
	if n, err := p.queue.ReclaimStale(ctx, p.staleAge); err != nil {
		logger.Warn("stale queue reclaim failed", "error", err.Error())
	} else if n > 0 {
		logger.Info("reclaimed stale queue messages", "count", n)
	}

	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := p.queue.ClaimBatch(ctx, p.batchSize)
		if err != nil {
			logger.Error("claim batch failed", "error", err.Error())
			return
		}
		if len(batch) == 0 {
			return
		}
		p.processBatch(ctx, batch)
		if len(batch) < p.batchSize {
			return
		}
	}
}

func (p *SendWorkerPool) processBatch(ctx context.Context, batch []domain.QueuedMessage) {
	jobs := make(chan domain.QueuedMessage)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for qm := range jobs {
				p.process(ctx, qm)
			}
		}()
	}
	for _, qm := range batch {
		jobs <- qm
	}
	close(jobs)
	wg.Wait()
}

func (p *SendWorkerPool) process(ctx context.Context, qm domain.QueuedMessage) {
	msg := qm.Message
	if p.injector != nil {
		p.injector.Inject(&msg)
	}

	outcome, err := p.sender.Send(ctx, &msg)
	if err != nil {
		// Infrastructure failure: the send never reached a terminal
		// outcome, put it back for another pass.
		p.requeue(ctx, qm, time.Now().Add(p.pollInterval), err.Error())
		return
	}

	switch outcome.Kind {
	case domain.OutcomeSent:
		atomic.AddInt64(&p.sent, 1)
		if err := p.log.RecordSent(ctx, &msg, outcome.ProviderMessageID, time.Now().UTC()); err != nil {
			logger.Error("record sent failed", "message_id", msg.ID, "error", err.Error())
		}
		if err := p.queue.MarkSent(ctx, qm.QueueID); err != nil {
			logger.Error("mark sent failed", "queue_id", qm.QueueID, "error", err.Error())
		}
	case domain.OutcomeSuppressed:
		atomic.AddInt64(&p.suppressed, 1)
		if err := p.queue.MarkSuppressed(ctx, qm.QueueID); err != nil {
			logger.Error("mark suppressed failed", "queue_id", qm.QueueID, "error", err.Error())
		}
	case domain.OutcomeRateLimited:
		atomic.AddInt64(&p.rateLimited, 1)
		retryAt := outcome.RetryAt
		if retryAt.IsZero() {
			retryAt = time.Now().Add(p.pollInterval)
		}
		p.requeue(ctx, qm, retryAt, "rate limited")
	case domain.OutcomeFailed:
		atomic.AddInt64(&p.failed, 1)
		if err := p.queue.MarkFailed(ctx, qm.QueueID, outcome.LastError); err != nil {
			logger.Error("mark failed failed", "queue_id", qm.QueueID, "error", err.Error())
		}
	}
}

// requeue schedules a retry, dead-lettering messages that exhausted
// their queue-level attempts.
func (p *SendWorkerPool) requeue(ctx context.Context, qm domain.QueuedMessage, retryAt time.Time, reason string) {
	if qm.Attempts+1 >= p.maxAttempts {
		atomic.AddInt64(&p.deadLetters, 1)
		logger.Warn("message dead-lettered", "queue_id", qm.QueueID, "attempts", qm.Attempts+1, "reason", reason)
		if err := p.queue.MarkDeadLetter(ctx, qm.QueueID, reason); err != nil {
			logger.Error("mark dead letter failed", "queue_id", qm.QueueID, "error", err.Error())
		}
		return
	}
	atomic.AddInt64(&p.requeued, 1)
	if err := p.queue.Requeue(ctx, qm.QueueID, retryAt, reason); err != nil {
		logger.Error("requeue failed", "queue_id", qm.QueueID, "error", err.Error())
	}
}

func (p *SendWorkerPool) Stats() map[string]int64 {
	return map[string]int64{
		"sent":         atomic.LoadInt64(&p.sent),
		"failed":       atomic.LoadInt64(&p.failed),
		"suppressed":   atomic.LoadInt64(&p.suppressed),
		"rate_limited": atomic.LoadInt64(&p.rateLimited),
		"requeued":     atomic.LoadInt64(&p.requeued),
		"dead_letters": atomic.LoadInt64(&p.deadLetters),
	}
}
