package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"petstore-platform/shared/config"
	"petstore-platform/shared/logger"
	"petstore-platform/shared/messaging"
	"petstore-platform/shared/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the subset of *amqp.Connection the bus uses.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
}

// Channel is the subset of *amqp.Channel the bus uses. PublishConfirmed replaces
// PublishWithDeferredConfirmWithContext so confirmations can be faked.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Confirm(noWait bool) error
	PublishConfirmed(ctx context.Context, exchange, key string, mandatory bool, msg amqp.Publishing) (Confirmation, error)
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Confirmation is satisfied by *amqp.DeferredConfirmation.
type Confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// Dialer opens a broker connection.
type Dialer func(url string, cfg amqp.Config) (Connection, error)

// DialAMQP dials a real broker.
func DialAMQP(url string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return amqpChannel{ch}, nil
}

type amqpChannel struct {
	*amqp.Channel
}

type confirmedImmediately struct{}

func (confirmedImmediately) WaitContext(context.Context) (bool, error) { return true, nil }

func (c amqpChannel) PublishConfirmed(ctx context.Context, exchange, key string, mandatory bool, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, false, msg)
	if err != nil {
		return nil, err
	}
	// nil when the channel is not in confirm mode
	if dc == nil {
		return confirmedImmediately{}, nil
	}
	return dc, nil
}

type Option func(*ConnectionManager)

func WithDialer(d Dialer) Option {
	return func(m *ConnectionManager) { m.dial = d }
}

// WithConnectionName labels the connection in the broker's management UI.
func WithConnectionName(name string) Option {
	return func(m *ConnectionManager) { m.name = name }
}

// ConnectionManager owns the single broker connection of a process and the shared
// publish session on it. Consumers get dedicated channels through OpenChannel.
type ConnectionManager struct {
	cfg  config.RabbitMQConfig
	log  logger.Logger
	dial Dialer
	name string

	mu       sync.Mutex
	conn     Connection
	session  *Session
	connects int
	users    int
}

func NewConnectionManager(cfg config.RabbitMQConfig, log logger.Logger, opts ...Option) *ConnectionManager {
	m := &ConnectionManager{
		cfg:  cfg,
		log:  log,
		dial: DialAMQP,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Session is the shared publish channel, in confirm mode with returns captured.
type Session struct {
	ch      Channel
	returns chan amqp.Return
	mu      sync.Mutex
}

func (s *Session) Channel() Channel {
	return s.ch
}

// EnsureConnected returns the shared session, dialing and reopening the channel as needed.
func (m *ConnectionManager) EnsureConnected(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.connectLocked(); err != nil {
		return nil, err
	}
	if m.session != nil && !m.session.ch.IsClosed() {
		return m.session, nil
	}
	return m.openSessionLocked()
}

// OpenChannel opens a dedicated channel on the shared connection.
func (m *ConnectionManager) OpenChannel(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.connectLocked(); err != nil {
		return nil, err
	}
	ch, err := m.conn.Channel()
	if err != nil {
		m.log.Error("Failed to open RabbitMQ channel", logger.Err(err))
		return nil, fmt.Errorf("%w: open channel: %w", messaging.ErrConnection, err)
	}
	return ch, nil
}

// Reconnect discards the publish session and redials if the connection is gone.
// A healthy connection is kept so consumer channels on it survive.
func (m *ConnectionManager) Reconnect(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Info("Reconnecting to RabbitMQ")
	if m.session != nil {
		if !m.session.ch.IsClosed() {
			_ = m.session.ch.Close()
		}
		m.session = nil
	}
	if err := m.connectLocked(); err != nil {
		return nil, err
	}
	return m.openSessionLocked()
}

func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && !m.conn.IsClosed()
}

// Close closes the connection unless it is already closed.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.session = nil
	if m.conn == nil || m.conn.IsClosed() {
		return nil
	}
	if err := m.conn.Close(); err != nil {
		m.log.Warn("Error closing RabbitMQ connection", logger.Err(err))
		return fmt.Errorf("%w: close: %w", messaging.ErrConnection, err)
	}
	m.log.Info("RabbitMQ connection closed")
	return nil
}

// acquire and release count long-lived users. release reports whether it was the last one.
func (m *ConnectionManager) acquire() {
	m.mu.Lock()
	m.users++
	m.mu.Unlock()
}

func (m *ConnectionManager) release() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users > 0 {
		m.users--
	}
	return m.users == 0
}

func (m *ConnectionManager) connectLocked() error {
	if m.conn != nil && !m.conn.IsClosed() {
		return nil
	}
	m.session = nil

	amqpCfg := amqp.Config{
		Heartbeat:  m.cfg.Heartbeat,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
	}
	if m.name != "" {
		amqpCfg.Properties.SetClientConnectionName(m.name)
	}

	conn, err := m.dial(m.cfg.URL(), amqpCfg)
	if err != nil {
		m.log.Error("Failed to connect to RabbitMQ",
			logger.String("url", m.cfg.Redacted()),
			logger.Err(err))
		return fmt.Errorf("%w: dial %s: %w", messaging.ErrConnection, m.cfg.Redacted(), err)
	}

	if m.connects > 0 {
		metrics.ReconnectsTotal.Inc()
	}
	m.connects++
	m.conn = conn

	// registered before the lock is released so no close or blocked notice is missed
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	go m.watch(conn, closed, blocked)

	m.log.Info("Connected to RabbitMQ",
		logger.String("url", m.cfg.Redacted()),
		logger.Duration("heartbeat", m.cfg.Heartbeat),
		logger.Int("connects", m.connects))
	return nil
}

func (m *ConnectionManager) openSessionLocked() (*Session, error) {
	ch, err := m.conn.Channel()
	if err != nil {
		m.log.Error("Failed to open RabbitMQ channel", logger.Err(err))
		return nil, fmt.Errorf("%w: open channel: %w", messaging.ErrConnection, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		m.log.Error("Failed to enable publisher confirms", logger.Err(err))
		return nil, fmt.Errorf("%w: confirm mode: %w", messaging.ErrConnection, err)
	}

	m.session = &Session{
		ch:      ch,
		returns: ch.NotifyReturn(make(chan amqp.Return, 16)),
	}
	return m.session, nil
}

// watch logs closure and closes the connection if the broker keeps it blocked
// longer than the configured timeout.
func (m *ConnectionManager) watch(conn Connection, closed <-chan *amqp.Error, blocked <-chan amqp.Blocking) {

	var timer *time.Timer
	var expired <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, expired = nil, nil
		}
	}
	defer stopTimer()

	for {
		select {
		case err, ok := <-closed:
			if ok && err != nil {
				m.log.Warn("RabbitMQ connection lost",
					logger.Int("code", err.Code),
					logger.String("reason", err.Reason))
			}
			return

		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			if !b.Active {
				m.log.Info("RabbitMQ connection unblocked")
				stopTimer()
				continue
			}
			m.log.Warn("RabbitMQ connection blocked by broker",
				logger.String("reason", b.Reason),
				logger.Duration("timeout", m.cfg.BlockedTimeout))
			if m.cfg.BlockedTimeout > 0 && timer == nil {
				timer = time.NewTimer(m.cfg.BlockedTimeout)
				expired = timer.C
			}

		case <-expired:
			timer, expired = nil, nil
			m.log.Error("RabbitMQ connection blocked beyond timeout, closing",
				logger.Duration("timeout", m.cfg.BlockedTimeout))
			if !conn.IsClosed() {
				_ = conn.Close()
			}
		}
	}
}
