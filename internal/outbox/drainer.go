package outbox

import (
	"context"
	"sync"

	"github.com/windrose-im/windrose/internal/observability"
	"github.com/windrose-im/windrose/pkg/models"
)

// DeliverFunc attempts delivery of one queued message. A nil return means
// the server confirmed receipt of the localId; only then is the row
// removed. Any error leaves the message queued with its attempt count
// bumped.
type DeliverFunc func(ctx context.Context, msg models.QueuedMessage) error

// Drainer replays queued messages. Drain cycles are serialized; Enqueue
// on the store is never blocked by a running drain.
type Drainer struct {
	store   *Store
	deliver DeliverFunc
	logger  *observability.Logger
	metrics *observability.Metrics

	mu sync.Mutex
}

// NewDrainer wires a drainer to its store and delivery function.
func NewDrainer(store *Store, deliver DeliverFunc, logger *observability.Logger, metrics *observability.Metrics) *Drainer {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Drainer{store: store, deliver: deliver, logger: logger, metrics: metrics}
}

// Drain walks the queue in FIFO order, attempting delivery for each
// message: removed on success, attempts incremented on failure.
// Individual delivery failures never abort the cycle; queue-storage
// failures stop it and are returned.
func (d *Drainer) Drain(ctx context.Context) (processed, failed int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	msgs, err := d.store.List(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return processed, failed, ctx.Err()
		}

		msgCtx := context.WithValue(ctx, observability.LocalIDKey, msg.LocalID)
		if sendErr := d.deliver(msgCtx, msg); sendErr != nil {
			d.logger.Warn(msgCtx, "replay failed, message stays queued",
				"attempts", msg.Attempts+1, "error", sendErr)
			if d.metrics != nil {
				d.metrics.DrainCounter.WithLabelValues("failed").Inc()
			}
			if err := d.store.IncrementAttempts(ctx, msg.LocalID); err != nil {
				return processed, failed, err
			}
			failed++
			continue
		}

		if err := d.store.Remove(ctx, msg.LocalID); err != nil {
			return processed, failed, err
		}
		if d.metrics != nil {
			d.metrics.DrainCounter.WithLabelValues("delivered").Inc()
		}
		processed++
	}

	if d.metrics != nil {
		if n, err := d.store.Count(ctx); err == nil {
			d.metrics.OutboxDepth.Set(float64(n))
		}
	}

	d.logger.Debug(ctx, "drain cycle complete", "processed", processed, "failed", failed)
	return processed, failed, nil
}
