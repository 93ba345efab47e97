package projection

import (
	"context"
	"testing"
	"time"

	"petstore-platform/shared/logger"
	"petstore-platform/shared/messaging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func productEvent(kind messaging.EventKind, id int64, name string, at time.Time) messaging.Event {
	cat := int64(3)
	stock := int64(12)
	ev := messaging.NewProductEvent(kind, messaging.ProductPayload{
		ProductID:  id,
		Name:       name,
		Price:      "19.99",
		CategoryID: &cat,
		AnimalType: "dog",
		Stock:      &stock,
	})
	ev.Timestamp = at
	return ev
}

// wire round-trips ev through the codec so payload values have the types a consumer sees.
func wire(t *testing.T, ev messaging.Event) messaging.Event {
	t.Helper()
	body, err := ev.Marshal()
	require.NoError(t, err)
	out, err := messaging.Unmarshal(body)
	require.NoError(t, err)
	return out
}

func newProjector(store Store) (*Projector, *messaging.Registry) {
	log := logger.NewNopLogger()
	p := NewProjector(store, log)
	reg := messaging.NewRegistry(log)
	p.RegisterCategories(reg)
	p.RegisterProducts(reg)
	return p, reg
}

func TestProjector_ProductLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, reg := newProjector(store)

	require.NoError(t, reg.Handle(ctx, wire(t, productEvent(messaging.KindProductCreated, 7, "Leash", t0))))

	got, err := store.Product(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Leash", got.Name)
	assert.Equal(t, "19.99", got.Price)
	assert.Equal(t, "dog", got.AnimalType)
	require.NotNil(t, got.CategoryID)
	assert.Equal(t, int64(3), *got.CategoryID)
	require.NotNil(t, got.Stock)
	assert.Equal(t, int64(12), *got.Stock)
	assert.True(t, got.UpdatedAt.Equal(t0))

	require.NoError(t, reg.Handle(ctx, wire(t, productEvent(messaging.KindProductUpdated, 7, "Long Leash", t0.Add(time.Minute)))))
	got, err = store.Product(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Long Leash", got.Name)

	del := messaging.NewProductEvent(messaging.KindProductDeleted, messaging.ProductPayload{ProductID: 7})
	del.Timestamp = t0.Add(2 * time.Minute)
	require.NoError(t, reg.Handle(ctx, wire(t, del)))

	_, err = store.Product(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjector_RedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, reg := newProjector(store)

	ev := wire(t, productEvent(messaging.KindProductCreated, 1, "Collar", t0))
	for i := 0; i < 3; i++ {
		require.NoError(t, reg.Handle(ctx, ev))
	}

	got, err := store.Product(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Collar", got.Name)
}

func TestProjector_StaleUpdateIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, reg := newProjector(store)

	require.NoError(t, reg.Handle(ctx, wire(t, productEvent(messaging.KindProductUpdated, 1, "newer", t0.Add(time.Hour)))))
	require.NoError(t, reg.Handle(ctx, wire(t, productEvent(messaging.KindProductUpdated, 1, "older", t0))))

	got, err := store.Product(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "newer", got.Name)
}

func TestProjector_LateUpdateDoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, reg := newProjector(store)

	del := messaging.NewProductEvent(messaging.KindProductDeleted, messaging.ProductPayload{ProductID: 1})
	del.Timestamp = t0.Add(time.Hour)
	require.NoError(t, reg.Handle(ctx, wire(t, del)))
	require.NoError(t, reg.Handle(ctx, wire(t, productEvent(messaging.KindProductUpdated, 1, "ghost", t0))))

	_, err := store.Product(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjector_Categories(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, reg := newProjector(store)

	created := messaging.NewCategoryEvent(messaging.KindCategoryCreated, messaging.CategoryPayload{
		CategoryID:  3,
		Name:        "Dogs",
		Description: "Everything for dogs",
	})
	created.Timestamp = t0
	require.NoError(t, reg.Handle(ctx, wire(t, created)))

	got, err := store.Category(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "Dogs", got.Name)
	assert.Equal(t, "Everything for dogs", got.Description)

	deleted := messaging.NewCategoryEvent(messaging.KindCategoryDeleted, messaging.CategoryPayload{CategoryID: 3})
	deleted.Timestamp = t0.Add(time.Second)
	require.NoError(t, reg.Handle(ctx, wire(t, deleted)))

	_, err = store.Category(ctx, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjector_MissingTimestampUsesReceiveTime(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p, _ := newProjector(store)
	p.now = func() time.Time { return t0 }

	require.NoError(t, p.ApplyProduct(ctx, wire(t, productEvent(messaging.KindProductCreated, 5, "Bowl", time.Time{}))))

	got, err := store.Product(ctx, 5)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(t0))
}

func TestProjector_WrongFamily(t *testing.T) {
	p, _ := newProjector(NewMemoryStore())

	ev := messaging.NewCategoryEvent(messaging.KindCategoryCreated, messaging.CategoryPayload{CategoryID: 1, Name: "x"})
	assert.Error(t, p.ApplyProduct(context.Background(), ev))
}

func TestProjector_UndecodablePayload(t *testing.T) {
	p, _ := newProjector(NewMemoryStore())

	ev := messaging.Event{
		Kind:    messaging.KindProductCreated,
		Payload: map[string]any{"product_id": "not-a-number", "name": "x", "price": "1"},
	}
	assert.Error(t, p.ApplyProduct(context.Background(), ev))
}
