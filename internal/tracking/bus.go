package tracking

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/logger"
)

// Bus buffers tracking-synthesized events between the public redirect
// handlers and the reconciler. It is a bounded channel with drop-oldest
// overflow: a slow reconciler sheds the stalest engagement events instead
// of blocking redirects or growing without limit.
type Bus struct {
	ch      chan domain.DeliveryEvent
	dropped int64
}

// NewBus builds a Bus with the given capacity (minimum 1).
func NewBus(capacity int) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	return &Bus{ch: make(chan domain.DeliveryEvent, capacity)}
}

// Publish enqueues an event, evicting the oldest buffered event when full.
// It never blocks the caller.
func (b *Bus) Publish(ev domain.DeliveryEvent) {
	for {
		select {
		case b.ch <- ev:
			return
		default:
		}
		select {
		case <-b.ch:
			atomic.AddInt64(&b.dropped, 1)
		default:
		}
	}
}

// Events exposes the consumer side of the bus.
func (b *Bus) Events() <-chan domain.DeliveryEvent {
	return b.ch
}

// Dropped returns how many events were evicted by overflow.
func (b *Bus) Dropped() int64 {
	return atomic.LoadInt64(&b.dropped)
}

// Drain consumes the bus until ctx is canceled, applying each event. Apply
// errors are logged and do not stop the loop; tracking events are lossy by
// contract.
func (b *Bus) Drain(ctx context.Context, apply func(context.Context, *domain.DeliveryEvent) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.ch:
			if err := apply(ctx, &ev); err != nil && !errors.Is(err, domain.ErrDuplicateEvent) {
				logger.Warn("tracking event apply failed",
					"provider_message_id", ev.ProviderMessageID,
					"type", string(ev.Type),
					"error", err.Error())
			}
		}
	}
}
