package handlers

import (
	"context"
	"errors"

	"petstore-platform/shared/logger"
	"petstore-platform/shared/messaging"
	"petstore-platform/shared/projection"
	"petstore-platform/shared/service"
)

const ServiceName = "catalog-service"

var (
	// ProductCategories is the product side of the catalog: it keeps the category
	// names shown on product listings and flags products left without a category.
	ProductCategories = messaging.Subscription{
		Queue:    messaging.QueueProductsEvents,
		Exchange: messaging.ExchangeCategoryEvents,
		Family:   messaging.FamilyCategory,
	}

	// Categories is the category side's own copy of category changes.
	Categories = messaging.Subscription{
		Queue:    messaging.QueueCategoriesEvents,
		Exchange: messaging.ExchangeCategoryEvents,
		Family:   messaging.FamilyCategory,
	}
)

func Consumers(_ context.Context, app *service.App) ([]service.Worker, error) {
	projector := projection.NewProjector(app.Catalog, app.Log)

	productSide := messaging.NewRegistry(app.Log)
	projector.RegisterCategories(productSide)
	productSide.Register(messaging.KindCategoryDeleted, orphanReporter(projector, app.Catalog, app.Log))

	categorySide := messaging.NewRegistry(app.Log)
	projector.RegisterCategories(categorySide)

	return []service.Worker{
		app.ConsumerWorker(ProductCategories, productSide),
		app.ConsumerWorker(Categories, categorySide),
	}, nil
}

// orphanReporter applies a category deletion and warns about live products that
// still reference the category.
func orphanReporter(projector *projection.Projector, store projection.Store, log logger.Logger) messaging.ProjectionFunc {
	return func(ctx context.Context, ev messaging.Event) error {
		if err := projector.ApplyCategory(ctx, ev); err != nil {
			return err
		}

		var payload messaging.CategoryPayload
		if err := ev.Decode(&payload); err != nil {
			return err
		}
		orphans, err := store.ProductsInCategory(ctx, payload.CategoryID)
		if err != nil {
			return err
		}
		if len(orphans) > 0 {
			ids := make([]int64, 0, len(orphans))
			for _, p := range orphans {
				ids = append(ids, p.ID)
			}
			log.WarnCtx(ctx, "Category deleted while products still reference it",
				logger.Int64("category_id", payload.CategoryID),
				logger.Any("product_ids", ids))
		}
		return nil
	}
}

// Relay publishes product and category events saved in the outbox by the catalog
// write path. The whole category fan-out is declared first so no event is dropped
// before its consumers have started.
func Relay(ctx context.Context, app *service.App) ([]service.Worker, error) {
	if app.Outbox == nil {
		return nil, errors.New("outbox relay requires DATABASE_URL")
	}
	if err := app.DeclareTopology(ctx); err != nil {
		return nil, err
	}
	return []service.Worker{app.RelayWorker(app.Outbox)}, nil
}
