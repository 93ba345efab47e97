package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"petstore-platform/shared/logger"
	"petstore-platform/shared/messaging"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Registrar declares exchanges, queues and bindings. Every declaration is sent to the
// broker, which treats identical redeclarations as no-ops. Specs are also recorded locally
// so a conflicting redeclaration fails before reaching the broker.
type Registrar struct {
	conn *ConnectionManager
	log  logger.Logger

	mu        sync.Mutex
	exchanges map[string]messaging.ExchangeSpec
	queues    map[string]messaging.QueueSpec
}

func NewRegistrar(conn *ConnectionManager, log logger.Logger) *Registrar {
	return &Registrar{
		conn:      conn,
		log:       log,
		exchanges: make(map[string]messaging.ExchangeSpec),
		queues:    make(map[string]messaging.QueueSpec),
	}
}

func (r *Registrar) DeclareExchange(ctx context.Context, spec messaging.ExchangeSpec) error {
	r.mu.Lock()
	prev, seen := r.exchanges[spec.Name]
	r.mu.Unlock()

	if seen && prev != spec {
		return &messaging.TopologyConflictError{
			Object: "exchange",
			Name:   spec.Name,
			Reason: fmt.Sprintf("already declared as kind=%s durable=%t", prev.Kind, prev.Durable),
		}
	}

	session, err := r.conn.EnsureConnected(ctx)
	if err != nil {
		return err
	}

	err = session.ch.ExchangeDeclare(
		spec.Name,    // name
		spec.Kind,    // type
		spec.Durable, // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return r.declareFailed("exchange", spec.Name, err)
	}

	r.mu.Lock()
	r.exchanges[spec.Name] = spec
	r.mu.Unlock()

	if !seen {
		r.log.Info("Declared exchange",
			logger.String("exchange", spec.Name),
			logger.String("kind", spec.Kind),
			logger.Bool("durable", spec.Durable))
	}
	return nil
}

func (r *Registrar) DeclareQueue(ctx context.Context, spec messaging.QueueSpec) error {
	r.mu.Lock()
	prev, seen := r.queues[spec.Name]
	r.mu.Unlock()

	if seen && prev != spec {
		return &messaging.TopologyConflictError{
			Object: "queue",
			Name:   spec.Name,
			Reason: fmt.Sprintf("already declared with durable=%t", prev.Durable),
		}
	}

	session, err := r.conn.EnsureConnected(ctx)
	if err != nil {
		return err
	}

	q, err := session.ch.QueueDeclare(
		spec.Name,    // name
		spec.Durable, // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return r.declareFailed("queue", spec.Name, err)
	}

	r.mu.Lock()
	r.queues[spec.Name] = spec
	r.mu.Unlock()

	r.log.Info("Declared queue",
		logger.String("queue", q.Name),
		logger.Bool("durable", spec.Durable),
		logger.Int("message_count", q.Messages),
		logger.Int("consumer_count", q.Consumers))
	return nil
}

func (r *Registrar) Bind(ctx context.Context, b messaging.Binding) error {
	session, err := r.conn.EnsureConnected(ctx)
	if err != nil {
		return err
	}

	if err := session.ch.QueueBind(b.Queue, b.Key, b.Exchange, false, nil); err != nil {
		return r.declareFailed("binding", b.String(), err)
	}

	r.log.Info("Bound queue",
		logger.String("queue", b.Queue),
		logger.String("exchange", b.Exchange),
		logger.String("routing_key", b.Key))
	return nil
}

// SetupConsumer declares the topic exchange and durable queue, then binds every
// enumerated routing key of the family.
func (r *Registrar) SetupConsumer(ctx context.Context, queue, exchange string, family messaging.Family) error {
	keys := family.Keys()
	if len(keys) == 0 {
		return fmt.Errorf("unknown event family %q", family)
	}

	if err := r.DeclareExchange(ctx, messaging.TopicExchange(exchange)); err != nil {
		return err
	}
	if err := r.DeclareQueue(ctx, messaging.DurableQueue(queue)); err != nil {
		return err
	}
	for _, key := range keys {
		if err := r.Bind(ctx, messaging.Binding{Exchange: exchange, Queue: queue, Key: key}); err != nil {
			return err
		}
	}
	return nil
}

// SetupTopology declares each descriptor's exchange, queues and bindings as listed,
// wildcards included.
func (r *Registrar) SetupTopology(ctx context.Context, descriptors ...messaging.TopologyDescriptor) error {
	for _, d := range descriptors {
		if err := r.DeclareExchange(ctx, messaging.TopicExchange(d.Exchange)); err != nil {
			return err
		}
		for _, q := range d.Queues {
			if err := r.DeclareQueue(ctx, messaging.DurableQueue(q)); err != nil {
				return err
			}
		}
		for _, b := range d.Bindings() {
			if err := r.Bind(ctx, b); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registrar) declareFailed(object, name string, err error) error {
	var aerr *amqp.Error
	if errors.As(err, &aerr) && aerr.Code == amqp.PreconditionFailed {
		r.log.Error("Topology conflict",
			logger.String("object", object),
			logger.String("name", name),
			logger.String("reason", aerr.Reason))
		return &messaging.TopologyConflictError{Object: object, Name: name, Reason: aerr.Reason, Err: err}
	}

	r.log.Error("Failed to declare "+object,
		logger.String("name", name),
		logger.Err(err))
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: declare %s %q: %w", messaging.ErrConnection, object, name, err)
	}
	return fmt.Errorf("declare %s %q: %w", object, name, err)
}
