package handlers

import (
	"context"

	"petstore-platform/shared/messaging"
	"petstore-platform/shared/projection"
	"petstore-platform/shared/service"
)

const ServiceName = "review-service"

// CategoryEvents lets reviews be grouped and filtered by category name.
var CategoryEvents = messaging.Subscription{
	Queue:    messaging.QueueReviewsEvents,
	Exchange: messaging.ExchangeCategoryEvents,
	Family:   messaging.FamilyCategory,
}

func Workers(_ context.Context, app *service.App) ([]service.Worker, error) {
	categories := messaging.NewRegistry(app.Log)
	projection.NewProjector(app.Catalog, app.Log).RegisterCategories(categories)

	return []service.Worker{app.ConsumerWorker(CategoryEvents, categories)}, nil
}
