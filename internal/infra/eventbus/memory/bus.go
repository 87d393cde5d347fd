// Package memory provides an in-process trigger stream. It is not durable and
// is meant for one-shot runs and tests.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/transitwatch/gtfs-sync/internal/domain/trigger"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("trigger bus closed")

var (
	_ trigger.Source    = (*Bus)(nil)
	_ trigger.Publisher = (*Bus)(nil)
)

// Bus is a bounded FIFO of triggers with a single consumer.
type Bus struct {
	mu     sync.RWMutex
	queue  chan trigger.Trigger
	closed bool

	statsMu sync.Mutex
	acked   int
	failed  int
	unacked int
}

// NewBus creates a bus holding up to capacity unconsumed triggers.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{queue: make(chan trigger.Trigger, capacity)}
}

// Publish enqueues t, blocking while the bus is full.
func (b *Bus) Publish(ctx context.Context, t trigger.Trigger) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	select {
	case b.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume delivers queued triggers to handler one at a time until ctx is
// canceled or the bus is closed and drained. Every delivered trigger counts
// as acknowledged unless the handler returns trigger.ErrNotHandled.
func (b *Bus) Consume(ctx context.Context, handler trigger.Handler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	for {
		// Prefer shutdown over a pending message.
		if err := ctx.Err(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-b.queue:
			if !ok {
				return nil
			}
			t.ReceivedAt = time.Now()
			err := handler(ctx, t)

			b.statsMu.Lock()
			switch {
			case errors.Is(err, trigger.ErrNotHandled):
				b.unacked++
			case err != nil:
				b.acked++
				b.failed++
			default:
				b.acked++
			}
			b.statsMu.Unlock()
		}
	}
}

// Acked returns how many triggers were delivered and how many of those the
// handler reported as failed.
func (b *Bus) Acked() (acked, failed int) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.acked, b.failed
}

// Unacked returns how many delivered triggers the handler declined with
// trigger.ErrNotHandled. The bus is not durable, so they are dropped.
func (b *Bus) Unacked() int {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.unacked
}

// Close stops accepting triggers. Queued triggers are still delivered.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	return nil
}
