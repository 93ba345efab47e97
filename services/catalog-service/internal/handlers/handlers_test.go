package handlers

import (
	"context"
	"testing"
	"time"

	"petstore-platform/shared/config"
	"petstore-platform/shared/logger"
	"petstore-platform/shared/messaging"
	"petstore-platform/shared/messaging/rabbitmq/rabbitmqtest"
	"petstore-platform/shared/projection"
	"petstore-platform/shared/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(t *testing.T, broker *rabbitmqtest.Broker) *service.App {
	t.Helper()
	cfg := &config.Config{
		ServiceName:  ServiceName,
		Environment:  "test",
		OpsPort:      "0",
		EnableBroker: true,
		RabbitMQ: config.RabbitMQConfig{
			Host:           "rabbitmq",
			Port:           5672,
			User:           "guest",
			Password:       "guest",
			VHost:          "/",
			ConfirmTimeout: time.Second,
			ManagementURL:  "http://127.0.0.1:1",
		},
		Outbox: config.OutboxConfig{BatchSize: 10, Interval: time.Second, MaxRetries: 3},
	}
	app, err := service.Bootstrap(context.Background(), ServiceName,
		service.WithConfig(cfg),
		service.WithLogger(logger.NewNopLogger()),
		service.WithDialer(broker.Dial))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

func TestConsumers_CategoryFanOut(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	app := newApp(t, broker)
	require.NoError(t, app.DeclareTopology(context.Background()))

	workers, err := Consumers(context.Background(), app)
	require.NoError(t, err)
	require.Len(t, workers, 2)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, w := range workers {
		go func() { _ = w.Run(ctx) }()
	}
	require.Eventually(t, func() bool {
		return broker.Consumers(messaging.QueueProductsEvents) == 1 && broker.Consumers(messaging.QueueCategoriesEvents) == 1
	}, 2*time.Second, 5*time.Millisecond)

	dogs := int64(3)
	_, err = app.Catalog.UpsertProduct(context.Background(), projection.Product{
		ID: 7, Name: "Leash", Price: "12.50", CategoryID: &dogs, UpdatedAt: time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	ev := messaging.NewCategoryEvent(messaging.KindCategoryCreated, messaging.CategoryPayload{CategoryID: 3, Name: "Dogs"})
	require.NoError(t, messaging.PublishEvent(context.Background(), app.Publisher, ev))

	// every category queue receives its own copy, including the ones nobody consumes here
	require.Eventually(t, func() bool {
		acksP, _ := broker.Dispositions(messaging.QueueProductsEvents)
		acksC, _ := broker.Dispositions(messaging.QueueCategoriesEvents)
		return acksP == 1 && acksC == 1
	}, 2*time.Second, 5*time.Millisecond)
	cartReady, _ := broker.QueueDepth(messaging.QueueCartEvents)
	reviewsReady, _ := broker.QueueDepth(messaging.QueueReviewsEvents)
	assert.Equal(t, 1, cartReady)
	assert.Equal(t, 1, reviewsReady)

	c, err := app.Catalog.Category(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "Dogs", c.Name)

	deleted := messaging.NewCategoryEvent(messaging.KindCategoryDeleted, messaging.CategoryPayload{CategoryID: 3})
	require.NoError(t, messaging.PublishEvent(context.Background(), app.Publisher, deleted))
	require.Eventually(t, func() bool {
		acks, _ := broker.Dispositions(messaging.QueueProductsEvents)
		return acks == 2
	}, 2*time.Second, 5*time.Millisecond)

	_, err = app.Catalog.Category(context.Background(), 3)
	assert.ErrorIs(t, err, projection.ErrNotFound)
	_, err = app.Catalog.Product(context.Background(), 7)
	assert.NoError(t, err, "products are not removed with their category")
}

func TestOrphanReporter_PropagatesStoreErrors(t *testing.T) {
	store := failingStore{Store: projection.NewMemoryStore()}
	log := logger.NewNopLogger()
	h := orphanReporter(projection.NewProjector(store, log), store, log)

	ev := messaging.NewCategoryEvent(messaging.KindCategoryDeleted, messaging.CategoryPayload{CategoryID: 1})
	assert.Error(t, h(context.Background(), ev))
}

type failingStore struct {
	projection.Store
}

func (failingStore) ProductsInCategory(context.Context, int64) ([]projection.Product, error) {
	return nil, assert.AnError
}

func TestRelay_RequiresDatabase(t *testing.T) {
	app := newApp(t, rabbitmqtest.NewBroker())

	_, err := Relay(context.Background(), app)
	assert.Error(t, err)
}
