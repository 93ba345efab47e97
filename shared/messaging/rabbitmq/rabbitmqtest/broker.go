// Package rabbitmqtest provides an in-memory broker implementing the rabbitmq
// Connection and Channel interfaces with topic routing, durable queues, prefetch,
// publisher confirms, mandatory returns and forced connection drops.
package rabbitmqtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"petstore-platform/shared/messaging"
	"petstore-platform/shared/messaging/rabbitmq"

	amqp "github.com/rabbitmq/amqp091-go"
)

type exchange struct {
	kind     string
	durable  bool
	bindings []messaging.Binding
}

type message struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

type queue struct {
	name       string
	durable    bool
	ready      []message
	consumers  []*consumer
	next       int
	unacked    int
	maxUnacked int
	acks       int
	nacks      int
}

type consumer struct {
	tag     string
	ch      *Channel
	q       *queue
	out     chan amqp.Delivery
	unacked int
}

type pending struct {
	c   *consumer
	msg message
}

// Broker is safe for concurrent use.
type Broker struct {
	mu              sync.Mutex
	exchanges       map[string]*exchange
	queues          map[string]*queue
	conns           []*Conn
	dials           int
	dialErr         error
	dropOnPublish   bool
	lastDialConfig  amqp.Config
	lastDialURL     string
	consumerCounter int
}

func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
	}
}

// Dial satisfies rabbitmq.Dialer.
func (b *Broker) Dial(url string, cfg amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dialErr != nil {
		return nil, b.dialErr
	}
	b.dials++
	b.lastDialURL = url
	b.lastDialConfig = cfg
	c := &Conn{b: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// SetDialError makes every following Dial fail with err until reset with nil.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *Broker) LastDial() (string, amqp.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastDialURL, b.lastDialConfig
}

// OpenConnections counts connections that are not closed.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

// DropConnections force-closes every open connection as the broker would on CONNECTION_FORCED.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.closeLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
}

// DropOnNextPublish makes the next publish find a dead link: the connection is closed
// and the publish fails, while IsClosed still reported false beforehand.
func (b *Broker) DropOnNextPublish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropOnPublish = true
}

// Block sends connection.blocked (active) or connection.unblocked to every open connection.
func (b *Broker) Block(active bool, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		if c.closed {
			continue
		}
		for _, l := range c.blocked {
			select {
			case l <- amqp.Blocking{Active: active, Reason: reason}:
			case <-time.After(time.Second):
			}
		}
	}
}

// QueueDepth returns the ready and unacknowledged counts of a queue.
func (b *Broker) QueueDepth(name string) (ready, unacked int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0, 0
	}
	return len(q.ready), q.unacked
}

// MaxUnacked is the highest unacknowledged count the queue ever reached.
func (b *Broker) MaxUnacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.maxUnacked
	}
	return 0
}

// Dispositions returns how many acks and nacks the queue received.
func (b *Broker) Dispositions(name string) (acks, nacks int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.acks, q.nacks
	}
	return 0, 0
}

func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

func (b *Broker) HasQueue(name string) (durable, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return false, false
	}
	return q.durable, true
}

func (b *Broker) HasExchange(name string) (kind string, durable, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		return "", false, false
	}
	return ex.kind, ex.durable, true
}

// Bindings returns the bindings of an exchange sorted by queue then key.
func (b *Broker) Bindings(exchangeName string) []messaging.Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}
	out := append([]messaging.Binding(nil), ex.bindings...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Queue != out[j].Queue {
			return out[i].Queue < out[j].Queue
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (b *Broker) QueueCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

// Enqueue places a raw body in a queue, bypassing exchanges. Used to inject malformed payloads.
func (b *Broker) Enqueue(queueName, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("queue %q not declared", queueName)
	}
	q.ready = append(q.ready, message{
		routingKey: routingKey,
		pub:        amqp.Publishing{ContentType: messaging.ContentTypeJSON, Body: body},
	})
	b.dispatchLocked()
	return nil
}

func (b *Broker) route(exchangeName, key string) []*queue {
	ex := b.exchanges[exchangeName]
	seen := make(map[string]bool)
	var out []*queue
	for _, binding := range ex.bindings {
		if seen[binding.Queue] || !messaging.MatchTopic(binding.Key, key) {
			continue
		}
		if q, ok := b.queues[binding.Queue]; ok {
			seen[binding.Queue] = true
			out = append(out, q)
		}
	}
	return out
}

// dispatchLocked pushes ready messages to consumers that have prefetch capacity.
func (b *Broker) dispatchLocked() {
	for _, q := range b.queues {
		for len(q.ready) > 0 {
			c := q.nextConsumer()
			if c == nil {
				break
			}
			m := q.ready[0]
			q.ready = q.ready[1:]

			c.ch.nextTag++
			tag := c.ch.nextTag
			c.ch.unacked[tag] = &pending{c: c, msg: m}
			c.unacked++
			q.unacked++
			if q.unacked > q.maxUnacked {
				q.maxUnacked = q.unacked
			}

			c.out <- amqp.Delivery{
				Acknowledger: c.ch,
				Headers:      m.pub.Headers,
				ContentType:  m.pub.ContentType,
				DeliveryMode: m.pub.DeliveryMode,
				MessageId:    m.pub.MessageId,
				Timestamp:    m.pub.Timestamp,
				Type:         m.pub.Type,
				AppId:        m.pub.AppId,
				ConsumerTag:  c.tag,
				DeliveryTag:  tag,
				Redelivered:  m.redelivered,
				Exchange:     m.exchange,
				RoutingKey:   m.routingKey,
				Body:         m.pub.Body,
			}
		}
	}
}

func (q *queue) nextConsumer() *consumer {
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if c.ch.prefetch == 0 || c.unacked < c.ch.prefetch {
			q.next = (q.next + i + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

func (q *queue) removeConsumer(c *consumer) {
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if len(q.consumers) > 0 {
		q.next %= len(q.consumers)
	} else {
		q.next = 0
	}
}

// Conn is a fake broker connection.
type Conn struct {
	b       *Broker
	closed  bool
	chans   []*Channel
	closes  []chan *amqp.Error
	blocked []chan amqp.Blocking
}

var _ rabbitmq.Connection = (*Conn)(nil)

func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		conn:      c,
		unacked:   make(map[uint64]*pending),
		consumers: make(map[string]*consumer),
	}
	c.chans = append(c.chans, ch)
	return ch, nil
}

func (c *Conn) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

func (c *Conn) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *Conn) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.blocked = append(c.blocked, receiver)
	return receiver
}

func (c *Conn) closeLocked(err *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.chans {
		ch.closeLocked(err)
	}
	for _, l := range c.closes {
		if err != nil {
			select {
			case l <- err:
			default:
			}
		}
		close(l)
	}
	c.closes = nil
	for _, l := range c.blocked {
		close(l)
	}
	c.blocked = nil
}

// confirmation is an immediate publisher confirm.
type confirmation struct {
	acked bool
}

func (c confirmation) WaitContext(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.acked, nil
}
