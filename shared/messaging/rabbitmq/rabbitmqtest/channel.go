package rabbitmqtest

import (
	"context"
	"fmt"
	"sort"

	"petstore-platform/shared/messaging"
	"petstore-platform/shared/messaging/rabbitmq"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is a fake AMQP channel. It is also the Acknowledger of its deliveries.
type Channel struct {
	conn      *Conn
	closed    bool
	confirm   bool
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*pending
	consumers map[string]*consumer
	returns   []chan amqp.Return
	closes    []chan *amqp.Error
}

var (
	_ rabbitmq.Channel   = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

func (ch *Channel) broker() *Broker { return ch.conn.b }

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return ch.failLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for exchange '%s'", name))
		}
		return nil
	}
	b.exchanges[name] = &exchange{kind: kind, durable: durable}
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if ok && q.durable != durable {
		return amqp.Queue{}, ch.failLocked(amqp.PreconditionFailed,
			fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name))
	}
	if !ok {
		q = &queue{name: name, durable: durable}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName))
	}
	if _, ok := b.queues[name]; !ok {
		return ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
	}
	binding := messaging.Binding{Exchange: exchangeName, Queue: name, Key: key}
	for _, existing := range ex.bindings {
		if existing == binding {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding)
	return nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	b.dispatchLocked()
	return nil
}

func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}
	if tag == "" {
		b.consumerCounter++
		tag = fmt.Sprintf("ctag-%d", b.consumerCounter)
	}

	c := &consumer{tag: tag, ch: ch, q: q, out: make(chan amqp.Delivery, 1024)}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	b.dispatchLocked()
	return c.out, nil
}

func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	delete(ch.consumers, tag)
	c.q.removeConsumer(c)
	close(c.out)
	return nil
}

func (ch *Channel) Confirm(noWait bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

func (ch *Channel) PublishConfirmed(ctx context.Context, exchangeName, key string, mandatory bool, msg amqp.Publishing) (rabbitmq.Confirmation, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if b.dropOnPublish {
		b.dropOnPublish = false
		ch.conn.closeLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - link lost during publish", Server: true})
		return nil, amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return nil, ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName))
	}

	targets := b.route(exchangeName, key)
	if len(targets) == 0 && mandatory {
		ret := amqp.Return{
			ReplyCode:    amqp.NoRoute,
			ReplyText:    "NO_ROUTE",
			Exchange:     exchangeName,
			RoutingKey:   key,
			ContentType:  msg.ContentType,
			DeliveryMode: msg.DeliveryMode,
			MessageId:    msg.MessageId,
			Body:         msg.Body,
		}
		for _, l := range ch.returns {
			select {
			case l <- ret:
			default:
			}
		}
	}
	for _, q := range targets {
		q.ready = append(q.ready, message{exchange: exchangeName, routingKey: key, pub: msg})
	}
	b.dispatchLocked()
	return confirmation{acked: true}, nil
}

func (ch *Channel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.returns = append(ch.returns, c)
	return c
}

func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.closes = append(ch.closes, c)
	return c
}

func (ch *Channel) IsClosed() bool {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Close() error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	tags, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	for _, t := range tags {
		p := ch.unacked[t]
		delete(ch.unacked, t)
		p.c.unacked--
		p.c.q.unacked--
		p.c.q.acks++
	}
	b.dispatchLocked()
	return nil
}

func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	tags, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	requeued := make(map[*queue][]message)
	for _, t := range tags {
		p := ch.unacked[t]
		delete(ch.unacked, t)
		p.c.unacked--
		p.c.q.unacked--
		p.c.q.nacks++
		if requeue {
			m := p.msg
			m.redelivered = true
			requeued[p.c.q] = append(requeued[p.c.q], m)
		}
	}
	for q, msgs := range requeued {
		q.ready = append(msgs, q.ready...)
	}
	b.dispatchLocked()
	return nil
}

func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// settleLocked returns the unacked tags covered by tag/multiple in ascending order.
func (ch *Channel) settleLocked(tag uint64, multiple bool) ([]uint64, error) {
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if !multiple {
		if _, ok := ch.unacked[tag]; !ok {
			return nil, ch.failLocked(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
		}
		return []uint64{tag}, nil
	}
	var tags []uint64
	for t := range ch.unacked {
		if t <= tag {
			tags = append(tags, t)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags, nil
}

// failLocked closes the channel with a channel exception and returns it.
func (ch *Channel) failLocked(code int, reason string) error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true, Recover: true}
	ch.closeLocked(err)
	return err
}

// closeLocked requeues unacked deliveries in order, ends consumers and notifies listeners.
func (ch *Channel) closeLocked(err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true

	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	requeued := make(map[*queue][]message)
	for _, t := range tags {
		p := ch.unacked[t]
		p.c.q.unacked--
		m := p.msg
		m.redelivered = true
		requeued[p.c.q] = append(requeued[p.c.q], m)
	}
	for q, msgs := range requeued {
		q.ready = append(msgs, q.ready...)
	}
	ch.unacked = make(map[uint64]*pending)

	for tag, c := range ch.consumers {
		c.q.removeConsumer(c)
		close(c.out)
		delete(ch.consumers, tag)
	}

	for _, l := range ch.closes {
		if err != nil {
			select {
			case l <- err:
			default:
			}
		}
		close(l)
	}
	ch.closes = nil
	for _, l := range ch.returns {
		close(l)
	}
	ch.returns = nil

	ch.broker().dispatchLocked()
}
