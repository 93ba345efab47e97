package rabbitmq_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"petstore-platform/shared/config"
	"petstore-platform/shared/logger"
	"petstore-platform/shared/messaging"
	"petstore-platform/shared/messaging/rabbitmq"
	"petstore-platform/shared/messaging/rabbitmq/rabbitmqtest"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var cartProducts = messaging.Subscription{
	Queue:    messaging.QueueCartProductEvents,
	Exchange: messaging.ExchangeProductEvents,
	Family:   messaging.FamilyProduct,
}

type testBus struct {
	broker    *rabbitmqtest.Broker
	conn      *rabbitmq.ConnectionManager
	registrar *rabbitmq.Registrar
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
}

func testConfig() config.RabbitMQConfig {
	return config.RabbitMQConfig{
		Host:           "rabbitmq",
		Port:           5672,
		User:           "guest",
		Password:       "guest",
		VHost:          "/",
		Heartbeat:      600 * time.Second,
		BlockedTimeout: 300 * time.Second,
	}
}

func testConfigAMQP() amqp.Config {
	return amqp.Config{Heartbeat: testConfig().Heartbeat}
}

func newTestBus(t *testing.T, broker *rabbitmqtest.Broker, opts ...rabbitmq.Option) *testBus {
	t.Helper()
	if broker == nil {
		broker = rabbitmqtest.NewBroker()
	}
	log := logger.NewNopLogger()

	opts = append([]rabbitmq.Option{rabbitmq.WithDialer(broker.Dial)}, opts...)
	conn := rabbitmq.NewConnectionManager(testConfig(), log, opts...)
	t.Cleanup(func() { _ = conn.Close() })

	registrar := rabbitmq.NewRegistrar(conn, log)
	return &testBus{
		broker:    broker,
		conn:      conn,
		registrar: registrar,
		publisher: rabbitmq.NewPublisher(conn, registrar, log, rabbitmq.WithConfirmTimeout(time.Second)),
		consumer:  rabbitmq.NewConsumer(conn, registrar, log),
	}
}

func (b *testBus) run(ctx context.Context, sub messaging.Subscription, h messaging.Handler) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- b.consumer.Run(ctx, sub, h) }()
	return errCh
}

func leash() messaging.Event {
	return messaging.NewProductEvent(messaging.KindProductCreated, messaging.ProductPayload{
		ProductID: 42,
		Name:      "Leash",
		Price:     "9.99",
	})
}

func product(id int64, name string) messaging.Event {
	return messaging.NewProductEvent(messaging.KindProductUpdated, messaging.ProductPayload{
		ProductID: id,
		Name:      name,
		Price:     "1.00",
	})
}

type recorder struct {
	mu     sync.Mutex
	events []messaging.Event
}

func (r *recorder) Handle(_ context.Context, ev messaging.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		name, _ := ev.Payload["name"].(string)
		out = append(out, name)
	}
	return out
}
