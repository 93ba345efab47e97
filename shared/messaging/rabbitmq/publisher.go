package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"petstore-platform/shared/logger"
	"petstore-platform/shared/messaging"
	"petstore-platform/shared/metrics"
	"petstore-platform/shared/tracing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultConfirmTimeout = 30 * time.Second

type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a publisher confirm. Zero waits for ctx only.
func WithConfirmTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.confirmTimeout = d }
}

// WithAppID sets the AMQP app-id property on every message.
func WithAppID(appID string) PublisherOption {
	return func(p *Publisher) { p.appID = appID }
}

// Publisher sends events on the shared session and blocks until the broker confirms.
type Publisher struct {
	conn           *ConnectionManager
	topology       *Registrar
	log            logger.Logger
	confirmTimeout time.Duration
	appID          string
}

var _ messaging.Publisher = (*Publisher)(nil)

func NewPublisher(conn *ConnectionManager, topology *Registrar, log logger.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		conn:           conn,
		topology:       topology,
		log:            log,
		confirmTimeout: defaultConfirmTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish serializes ev and sends it persistent and mandatory. A stale connection is
// reconnected and the declare+publish sequence retried once.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, ev messaging.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	ctx = logger.WithDelivery(ctx, logger.Delivery{
		Exchange:   exchange,
		RoutingKey: routingKey,
		EventID:    ev.ID,
	})
	ctx, span := tracing.StartPublishSpan(ctx, exchange, routingKey)
	defer span.End()

	fields := []logger.Field{
		logger.String("exchange", exchange),
		logger.String("event_kind", string(ev.Kind)),
	}
	p.log.InfoCtx(ctx, "Publishing event", fields...)

	body, err := ev.Marshal()
	if err != nil {
		span.RecordError(err)
		metrics.MessagesPublishedTotal.WithLabelValues(exchange, routingKey, metrics.OutcomeFailure).Inc()
		p.log.ErrorCtx(ctx, "Failed to serialize event", append(fields, logger.Err(err))...)
		return err
	}

	policy := messaging.RetryPolicy{
		MaxRetries: 1,
		OnFailure: func(ctx context.Context, attempt int, err error) error {
			p.log.WarnCtx(ctx, "Publish failed, reconnecting before retry",
				append(fields, logger.Int("attempt", attempt), logger.Err(err))...)
			_, rerr := p.conn.Reconnect(ctx)
			return rerr
		},
	}
	err = messaging.WithRetry(ctx, policy, func(ctx context.Context) error {
		return p.publishOnce(ctx, exchange, routingKey, ev, body)
	})

	switch {
	case err == nil:
		metrics.MessagesPublishedTotal.WithLabelValues(exchange, routingKey, metrics.OutcomeSuccess).Inc()
		p.log.InfoCtx(ctx, "Published event", fields...)
	case errors.Is(err, messaging.ErrDeliveryUnroutable):
		span.RecordError(err)
		metrics.MessagesPublishedTotal.WithLabelValues(exchange, routingKey, metrics.OutcomeUnroutable).Inc()
		p.log.WarnCtx(ctx, "Event was not routed to any queue", append(fields, logger.Err(err))...)
	default:
		span.RecordError(err)
		metrics.MessagesPublishedTotal.WithLabelValues(exchange, routingKey, metrics.OutcomeFailure).Inc()
		p.log.ErrorCtx(ctx, "Failed to publish event", append(fields, logger.Err(err))...)
	}
	return err
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, ev messaging.Event, body []byte) error {
	session, err := p.conn.EnsureConnected(ctx)
	if err != nil {
		return err
	}
	if err := p.topology.DeclareExchange(ctx, messaging.TopicExchange(exchange)); err != nil {
		return err
	}

	msg := amqp.Publishing{
		Headers:      tracing.InjectAMQP(ctx, nil),
		ContentType:  messaging.ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.Timestamp,
		Type:         string(ev.Kind),
		AppId:        p.appID,
		Body:         body,
	}
	return session.publish(ctx, exchange, routingKey, msg, p.confirmTimeout)
}

// publish holds the session lock across send, confirm and return matching so a
// basic.return is attributed to the message that caused it.
func (s *Session) publish(ctx context.Context, exchange, key string, msg amqp.Publishing, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drainReturns()

	confirm, err := s.ch.PublishConfirmed(ctx, exchange, key, true, msg)
	if err != nil {
		return fmt.Errorf("%w: publish to %s: %w", messaging.ErrConnection, exchange, err)
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("%w: waiting for publisher confirm: %w", messaging.ErrConnection, err)
	}

	// the broker sends basic.return before the confirm of the same message
	if ret, ok := s.takeReturn(msg.MessageId); ok {
		return fmt.Errorf("%w: exchange=%s routing_key=%s reply=%d %s",
			messaging.ErrDeliveryUnroutable, ret.Exchange, ret.RoutingKey, ret.ReplyCode, ret.ReplyText)
	}
	if !acked {
		return fmt.Errorf("%w: broker nacked message %s", messaging.ErrConnection, msg.MessageId)
	}
	return nil
}

func (s *Session) takeReturn(messageID string) (amqp.Return, bool) {
	for {
		select {
		case ret, ok := <-s.returns:
			if !ok {
				return amqp.Return{}, false
			}
			if ret.MessageId == messageID {
				return ret, true
			}
		default:
			return amqp.Return{}, false
		}
	}
}

func (s *Session) drainReturns() {
	for {
		select {
		case _, ok := <-s.returns:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
