package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/mailflow/internal/pkg/logger"
)

// DedupStore prunes expired webhook dedup records.
type DedupStore interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Lock guards the prune so only one instance runs it per interval.
// pkg/distlock satisfies it; a nil lock means prune unconditionally.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// DedupPruner periodically deletes dedup records older than the retention
// window. Providers stop redelivering events long before retention
// expires, so pruned keys can no longer cause a duplicate apply.
type DedupPruner struct {
	store     DedupStore
	lock      Lock
	retention time.Duration
	interval  time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewDedupPruner(store DedupStore, lock Lock, retention, interval time.Duration) *DedupPruner {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &DedupPruner{store: store, lock: lock, retention: retention, interval: interval}
}

func (p *DedupPruner) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.running = true
	go p.run(ctx)
}

func (p *DedupPruner) Stop() {
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
}

func (p *DedupPruner) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PruneOnce(ctx)
		}
	}
}

// PruneOnce runs a single prune pass, skipping when another instance
// holds the lock.
func (p *DedupPruner) PruneOnce(ctx context.Context) {
	if p.lock != nil {
		acquired, err := p.lock.Acquire(ctx)
		if err != nil {
			logger.Warn("dedup prune lock failed", "error", err.Error())
			return
		}
		if !acquired {
			return
		}
		defer p.lock.Release(ctx)
	}

	cutoff := time.Now().Add(-p.retention)
	n, err := p.store.PruneBefore(ctx, cutoff)
	if err != nil {
		logger.Error("dedup prune failed", "error", err.Error())
		return
	}
	if n > 0 {
		logger.Info("pruned dedup records", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
}
