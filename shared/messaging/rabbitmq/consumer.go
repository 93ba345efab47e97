package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"petstore-platform/shared/logger"
	"petstore-platform/shared/messaging"
	"petstore-platform/shared/metrics"
	"petstore-platform/shared/tracing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultPrefetch = 1

type ConsumerOption func(*Consumer)

// WithPrefetch overrides the number of unacknowledged deliveries admitted per consumer.
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) { c.prefetch = n }
}

// Consumer drains one queue per Run call, acking on success and nack-requeueing on failure.
type Consumer struct {
	conn     *ConnectionManager
	topology *Registrar
	log      logger.Logger
	prefetch int
}

func NewConsumer(conn *ConnectionManager, topology *Registrar, log logger.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		conn:     conn,
		topology: topology,
		log:      log,
		prefetch: defaultPrefetch,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run blocks until ctx is cancelled (returns nil, also during setup) or the consumer
// can no longer receive (returns the error). Cancellation is only observed between messages;
// a handler that has started always reaches ack or nack.
func (c *Consumer) Run(ctx context.Context, sub messaging.Subscription, handler messaging.Handler) error {
	log := c.log.With(
		logger.String("queue", sub.Queue),
		logger.String("exchange", sub.Exchange))

	c.conn.acquire()
	defer func() {
		// the last consumer to stop takes the shared connection down with it
		if c.conn.release() {
			_ = c.conn.Close()
		}
	}()

	if err := c.topology.SetupConsumer(ctx, sub.Queue, sub.Exchange, sub.Family); err != nil {
		return c.setupFailed(ctx, log, "Failed to set up consumer topology", err)
	}

	ch, err := c.conn.OpenChannel(ctx)
	if err != nil {
		return c.setupFailed(ctx, log, "Failed to open consumer channel", err)
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return c.setupFailed(ctx, log, "Failed to set QoS", fmt.Errorf("%w: qos: %w", messaging.ErrConnection, err))
	}

	tag := fmt.Sprintf("%s-%s", sub.Queue, uuid.New().String())
	deliveries, err := ch.Consume(
		sub.Queue, // queue
		tag,       // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return c.setupFailed(ctx, log, "Failed to register consumer", fmt.Errorf("%w: consume: %w", messaging.ErrConnection, err))
	}

	log.Info("Waiting for messages",
		logger.String("consumer_tag", tag),
		logger.Int("prefetch", c.prefetch),
		logger.Strings("routing_keys", sub.Family.Keys()))

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping consumer", logger.String("consumer_tag", tag))
			if err := ch.Cancel(tag, false); err != nil {
				log.Warn("Failed to cancel consumer", logger.Err(err))
			}
			return nil

		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				log.Error("Delivery channel closed by broker")
				return fmt.Errorf("%w: deliveries for %s closed", messaging.ErrConnection, sub.Queue)
			}
			c.process(ctx, log, sub, d, handler)
		}
	}
}

// setupFailed treats a failure caused by shutdown as a clean stop.
func (c *Consumer) setupFailed(ctx context.Context, log logger.Logger, msg string, err error) error {
	if ctx.Err() != nil {
		log.Info("Consumer setup interrupted by shutdown", logger.Err(err))
		return nil
	}
	log.Error(msg, logger.Err(err))
	_ = c.conn.Close()
	return err
}

// process gives d exactly one terminal disposition.
func (c *Consumer) process(ctx context.Context, log logger.Logger, sub messaging.Subscription, d amqp.Delivery, handler messaging.Handler) {
	delivery := logger.Delivery{Queue: sub.Queue, RoutingKey: d.RoutingKey, Tag: d.DeliveryTag}
	hctx := logger.WithDelivery(context.WithoutCancel(ctx), delivery)
	hctx, span := tracing.StartConsumeSpan(hctx, sub.Queue, d.RoutingKey, d.Headers)
	defer span.End()

	ev, err := messaging.Unmarshal(d.Body)
	if err != nil {
		span.RecordError(err)
		log.ErrorCtx(hctx, "Failed to decode message, requeueing",
			logger.String("routing_key", d.RoutingKey),
			logger.Bool("redelivered", d.Redelivered),
			logger.ByteString("body", d.Body),
			logger.Err(err))
		c.nack(hctx, log, sub.Queue, d)
		return
	}
	delivery.EventID = ev.ID
	hctx = logger.WithDelivery(hctx, delivery)

	kindLabel := string(ev.Kind)
	if !ev.Kind.Known() {
		kindLabel = "unknown"
	}

	start := time.Now()
	err = dispatch(hctx, handler, ev)
	metrics.HandlerDuration.WithLabelValues(sub.Queue, kindLabel).Observe(time.Since(start).Seconds())

	if err != nil {
		herr := &messaging.HandlerError{
			Queue:      sub.Queue,
			RoutingKey: d.RoutingKey,
			Kind:       ev.Kind,
			Err:        err,
		}
		span.RecordError(herr)
		log.ErrorCtx(hctx, "Handler failed, requeueing message",
			logger.String("event_kind", string(ev.Kind)),
			logger.Bool("redelivered", d.Redelivered),
			logger.ByteString("body", d.Body),
			logger.Err(herr))
		c.nack(hctx, log, sub.Queue, d)
		return
	}

	if err := d.Ack(false); err != nil {
		log.ErrorCtx(hctx, "Failed to ack message, broker will redeliver", logger.Err(err))
		return
	}
	metrics.MessagesConsumedTotal.WithLabelValues(sub.Queue, metrics.DispositionAck).Inc()
	log.DebugCtx(hctx, "Acked message", logger.String("event_kind", string(ev.Kind)))
}

func (c *Consumer) nack(ctx context.Context, log logger.Logger, queue string, d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		log.ErrorCtx(ctx, "Failed to nack message, broker will redeliver", logger.Err(err))
		return
	}
	metrics.MessagesConsumedTotal.WithLabelValues(queue, metrics.DispositionNack).Inc()
}

func dispatch(ctx context.Context, handler messaging.Handler, ev messaging.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Handle(ctx, ev)
}
