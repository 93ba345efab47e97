package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"petstore-platform/shared/logger"
	"petstore-platform/shared/messaging"
	"petstore-platform/shared/metrics"
	"petstore-platform/shared/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const stuckLockTimeout = 5 * time.Minute

// Relay polls the outbox and publishes pending rows through a Publisher.
type Relay struct {
	repo       Repository
	publisher  messaging.Publisher
	log        logger.Logger
	workerID   string
	batchSize  int
	interval   time.Duration
	maxRetries int
	stopCh     chan struct{}
	stopOnce   sync.Once
}

func NewRelay(
	repo Repository,
	publisher messaging.Publisher,
	log logger.Logger,
	batchSize int,
	interval time.Duration,
	maxRetries int,
) *Relay {
	workerID := fmt.Sprintf("outbox-relay-%s", uuid.New().String()[:8])
	return &Relay{
		repo:       repo,
		publisher:  publisher,
		log:        log.With(logger.String("worker_id", workerID)),
		workerID:   workerID,
		batchSize:  batchSize,
		interval:   interval,
		maxRetries: maxRetries,
		stopCh:     make(chan struct{}),
	}
}

// Run polls until ctx is cancelled or Stop is called. It always returns nil.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("Starting outbox relay",
		logger.Int("batch_size", r.batchSize),
		logger.Int("max_retries", r.maxRetries),
		logger.Duration("interval", r.interval))

	if count, err := r.repo.ResetStuck(ctx, stuckLockTimeout); err != nil {
		r.log.Error("Failed to reset stuck messages", logger.Err(err))
	} else if count > 0 {
		r.log.Info("Reset stuck messages", logger.Int64("count", count))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Stopping outbox relay due to context cancellation")
			return nil
		case <-r.stopCh:
			r.log.Info("Outbox relay stopped")
			return nil
		case <-ticker.C:
			r.RelayBatch(ctx)
		}
	}
}

// Stop ends Run. It is safe to call more than once.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// RelayBatch claims one batch and publishes it in id order. It returns how many rows
// were published.
func (r *Relay) RelayBatch(ctx context.Context) int {
	ctx, span := tracing.StartSpan(ctx, "outbox.relay_batch")
	defer span.End()

	messages, err := r.repo.FetchPending(ctx, r.workerID, r.batchSize)
	if err != nil {
		r.log.Error("Failed to fetch pending messages", logger.Err(err))
		return 0
	}
	if len(messages) == 0 {
		return 0
	}

	r.log.Info("Relaying outbox messages", logger.Int("count", len(messages)))
	tracing.AddSpanAttributes(ctx,
		attribute.String("outbox.worker_id", r.workerID),
		attribute.Int("outbox.batch_size", len(messages)))

	published := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}
		if r.relay(ctx, msg) {
			published++
		}
	}
	tracing.AddSpanAttributes(ctx, attribute.Int("outbox.published", published))
	return published
}

func (r *Relay) relay(ctx context.Context, msg Message) bool {
	log := r.log.With(
		logger.Int64("id", msg.ID),
		logger.String("message_id", msg.MessageID),
		logger.String("event_kind", msg.EventKind))

	ev, err := messaging.Unmarshal(msg.Payload)
	if err != nil {
		r.fail(ctx, log, msg, fmt.Errorf("stored payload is unreadable: %w", err))
		return false
	}

	err = r.publisher.Publish(ctx, msg.Exchange, msg.RoutingKey, ev)
	switch {
	case err != nil && ctx.Err() != nil:
		// shutting down; the claim expires and the row is reset on the next start
		log.Info("Relay interrupted, leaving message claimed", logger.Err(err))
		return false
	case errors.Is(err, messaging.ErrDeliveryUnroutable):
		// the broker accepted the event; no queue subscribes to its key yet
		log.Warn("Relayed message matched no queue", logger.String("routing_key", msg.RoutingKey))
		metrics.OutboxRelayedTotal.WithLabelValues(metrics.OutcomeUnroutable).Inc()
		r.markPublished(ctx, log, msg)
		return true
	case err != nil:
		if !messaging.Retryable(err) || msg.RetryCount+1 >= r.maxRetries {
			r.fail(ctx, log, msg, err)
			return false
		}

		log.Warn("Failed to publish message, will retry",
			logger.Int("retry_count", msg.RetryCount+1),
			logger.Int("max_retries", r.maxRetries),
			logger.Err(err))
		metrics.OutboxRelayedTotal.WithLabelValues(metrics.OutcomeRetry).Inc()
		if err := r.repo.MarkForRetry(ctx, msg.ID, err.Error()); err != nil {
			log.Error("Failed to mark message for retry", logger.Err(err))
		}
		return false
	}

	metrics.OutboxRelayedTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	r.markPublished(ctx, log, msg)
	return true
}

func (r *Relay) markPublished(ctx context.Context, log logger.Logger, msg Message) {
	if err := r.repo.MarkPublished(ctx, msg.ID); err != nil {
		// the row is reclaimed after the lock timeout and published again;
		// consumers deduplicate by event id
		log.Error("Failed to mark message as published", logger.Err(err))
		return
	}
	log.Info("Message relayed successfully")
}

func (r *Relay) fail(ctx context.Context, log logger.Logger, msg Message, cause error) {
	log.Error("Giving up on outbox message, marking as FAILED",
		logger.Int("retry_count", msg.RetryCount+1),
		logger.Err(cause))
	metrics.OutboxRelayedTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
	if err := r.repo.MarkFailed(ctx, msg.ID, cause.Error()); err != nil {
		log.Error("Failed to mark message as failed", logger.Err(err))
	}
}
