package projection

import (
	"context"
	"fmt"
	"time"

	"petstore-platform/shared/logger"
	"petstore-platform/shared/messaging"
)

// Projector turns category and product events into Store writes.
type Projector struct {
	store Store
	log   logger.Logger
	now   func() time.Time
}

func NewProjector(store Store, log logger.Logger) *Projector {
	return &Projector{
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// RegisterCategories routes every category kind to the projector.
func (p *Projector) RegisterCategories(reg *messaging.Registry) {
	for _, kind := range messaging.FamilyCategory.Kinds() {
		reg.Register(kind, p.ApplyCategory)
	}
}

// RegisterProducts routes every product kind to the projector.
func (p *Projector) RegisterProducts(reg *messaging.Registry) {
	for _, kind := range messaging.FamilyProduct.Kinds() {
		reg.Register(kind, p.ApplyProduct)
	}
}

func (p *Projector) ApplyCategory(ctx context.Context, ev messaging.Event) error {
	var payload messaging.CategoryPayload
	if err := ev.Decode(&payload); err != nil {
		return err
	}
	at := p.version(ev)

	var (
		applied bool
		err     error
	)
	switch ev.Kind {
	case messaging.KindCategoryCreated, messaging.KindCategoryUpdated:
		applied, err = p.store.UpsertCategory(ctx, Category{
			ID:          payload.CategoryID,
			Name:        payload.Name,
			Description: payload.Description,
			UpdatedAt:   at,
		})
	case messaging.KindCategoryDeleted:
		applied, err = p.store.DeleteCategory(ctx, payload.CategoryID, at)
	default:
		return fmt.Errorf("projector cannot apply %s as a category event", ev.Kind)
	}
	if err != nil {
		return err
	}

	p.logOutcome(ctx, ev, applied, logger.Int64("category_id", payload.CategoryID))
	return nil
}

func (p *Projector) ApplyProduct(ctx context.Context, ev messaging.Event) error {
	var payload messaging.ProductPayload
	if err := ev.Decode(&payload); err != nil {
		return err
	}
	at := p.version(ev)

	var (
		applied bool
		err     error
	)
	switch ev.Kind {
	case messaging.KindProductCreated, messaging.KindProductUpdated:
		applied, err = p.store.UpsertProduct(ctx, Product{
			ID:          payload.ProductID,
			Name:        payload.Name,
			Description: payload.Description,
			Price:       payload.Price,
			CategoryID:  payload.CategoryID,
			AnimalType:  payload.AnimalType,
			Stock:       payload.Stock,
			UpdatedAt:   at,
		})
	case messaging.KindProductDeleted:
		applied, err = p.store.DeleteProduct(ctx, payload.ProductID, at)
	default:
		return fmt.Errorf("projector cannot apply %s as a product event", ev.Kind)
	}
	if err != nil {
		return err
	}

	p.logOutcome(ctx, ev, applied, logger.Int64("product_id", payload.ProductID))
	return nil
}

// version is the event timestamp, or the receive time for producers that omit it.
func (p *Projector) version(ev messaging.Event) time.Time {
	if ev.Timestamp.IsZero() {
		return p.now().UTC()
	}
	return ev.Timestamp.UTC()
}

func (p *Projector) logOutcome(ctx context.Context, ev messaging.Event, applied bool, id logger.Field) {
	if !applied {
		p.log.InfoCtx(ctx, "Skipped stale event",
			logger.String("event_kind", string(ev.Kind)), id)
		return
	}
	p.log.InfoCtx(ctx, "Applied event to projection",
		logger.String("event_kind", string(ev.Kind)), id)
}
