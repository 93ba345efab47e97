package handlers

import (
	"context"

	"petstore-platform/shared/messaging"
	"petstore-platform/shared/projection"
	"petstore-platform/shared/service"
)

const ServiceName = "cart-service"

var (
	// CategoryEvents keeps category names shown next to cart items current.
	CategoryEvents = messaging.Subscription{
		Queue:    messaging.QueueCartEvents,
		Exchange: messaging.ExchangeCategoryEvents,
		Family:   messaging.FamilyCategory,
	}

	// ProductEvents keeps name, price and stock of carted products current.
	ProductEvents = messaging.Subscription{
		Queue:    messaging.QueueCartProductEvents,
		Exchange: messaging.ExchangeProductEvents,
		Family:   messaging.FamilyProduct,
	}
)

func Workers(_ context.Context, app *service.App) ([]service.Worker, error) {
	projector := projection.NewProjector(app.Catalog, app.Log)

	categories := messaging.NewRegistry(app.Log)
	projector.RegisterCategories(categories)

	products := messaging.NewRegistry(app.Log)
	projector.RegisterProducts(products)

	return []service.Worker{
		app.ConsumerWorker(CategoryEvents, categories),
		app.ConsumerWorker(ProductEvents, products),
	}, nil
}
