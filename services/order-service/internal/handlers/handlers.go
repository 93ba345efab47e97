package handlers

import (
	"context"
	"errors"

	"petstore-platform/shared/logger"
	"petstore-platform/shared/messaging"
	"petstore-platform/shared/projection"
	"petstore-platform/shared/service"
)

const ServiceName = "order-service"

// ProductEvents keeps the local copy of orderable products and their prices current.
var ProductEvents = messaging.Subscription{
	Queue:    messaging.QueueOrdersProductEvents,
	Exchange: messaging.ExchangeProductEvents,
	Family:   messaging.FamilyProduct,
}

func Consumers(_ context.Context, app *service.App) ([]service.Worker, error) {
	projector := projection.NewProjector(app.Catalog, app.Log)

	products := messaging.NewRegistry(app.Log)
	projector.RegisterProducts(products)
	products.Register(messaging.KindProductDeleted, func(ctx context.Context, ev messaging.Event) error {
		if err := projector.ApplyProduct(ctx, ev); err != nil {
			return err
		}
		app.Log.InfoCtx(ctx, "Product removed from the order catalog",
			logger.Any("product_id", ev.Payload["product_id"]))
		return nil
	})

	return []service.Worker{app.ConsumerWorker(ProductEvents, products)}, nil
}

// Relay publishes order events saved in the outbox by the order write path.
func Relay(ctx context.Context, app *service.App) ([]service.Worker, error) {
	if app.Outbox == nil {
		return nil, errors.New("outbox relay requires DATABASE_URL")
	}
	if err := app.DeclareTopology(ctx); err != nil {
		return nil, err
	}
	return []service.Worker{app.RelayWorker(app.Outbox)}, nil
}
